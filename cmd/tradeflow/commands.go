package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	cli "github.com/urfave/cli/v3"

	"github.com/rendis/tradeflow/internal/diagram"
	"github.com/rendis/tradeflow/internal/engine"
	"github.com/rendis/tradeflow/internal/scheduler"
	"github.com/rendis/tradeflow/pkg/schema"
)

// Exit codes of run, resume and validate.
const (
	exitFailed  = 1
	exitHalted  = 3
	exitInvalid = 4
)

var eventsFlag = &cli.BoolFlag{
	Name:  "events",
	Usage: "Stream execution and emergency events to stderr as JSON lines",
}

var workflowIDFlag = &cli.StringFlag{
	Name:  "workflow-id",
	Usage: "Run identifier used for completion markers (defaults to the definition id)",
}

// withApp loads the configuration, wires the app and runs fn with it.
func withApp(ctx context.Context, cmd *cli.Command, fn func(*app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, cmd.Root().ErrWriter)
	if err != nil {
		return err
	}
	defer a.Close()

	if cmd.Bool("events") {
		if err := a.tailEvents(ctx, cmd.Root().ErrWriter); err != nil {
			return err
		}
	}
	return fn(a)
}

func workflowArg(cmd *cli.Command) (string, error) {
	path := cmd.Args().First()
	if path == "" {
		return "", cli.Exit(fmt.Sprintf("%s: missing workflow file argument", cmd.FullName()), exitInvalid)
	}
	return path, nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Execute a workflow once",
		ArgsUsage: "<workflow.json>",
		Flags:     []cli.Flag{workflowIDFlag, eventsFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := workflowArg(cmd)
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(a *app) error {
				def, err := a.loadWorkflow(path)
				if err != nil {
					return cli.Exit(err.Error(), exitInvalid)
				}
				result, err := a.executor.Execute(ctx, def, engine.ContextFor(def, cmd.String("workflow-id")))
				if err != nil {
					return err
				}
				return report(cmd.Root().Writer, result)
			})
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Re-run a workflow, skipping nodes with completion markers",
		ArgsUsage: "<workflow.json>",
		Flags:     []cli.Flag{workflowIDFlag, eventsFlag},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := workflowArg(cmd)
			if err != nil {
				return err
			}
			return withApp(ctx, cmd, func(a *app) error {
				def, err := a.loadWorkflow(path)
				if err != nil {
					return cli.Exit(err.Error(), exitInvalid)
				}
				result, err := a.executor.Resume(ctx, def, cmd.String("workflow-id"))
				if err != nil {
					return err
				}
				return report(cmd.Root().Writer, result)
			})
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check workflow documents without running them",
		ArgsUsage: "<workflow.json>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return cli.Exit("validate: missing workflow file argument", exitInvalid)
			}
			return withApp(ctx, cmd, func(a *app) error {
				out := cmd.Root().Writer
				invalid := 0
				for _, path := range cmd.Args().Slice() {
					data, err := os.ReadFile(path)
					if err != nil {
						return fmt.Errorf("read workflow %s: %w", path, err)
					}
					result := a.validator.Check(data)
					if result.Valid() {
						fmt.Fprintf(out, "ok      %s\n", path)
						continue
					}
					invalid++
					fmt.Fprintf(out, "invalid %s\n", path)
					for _, issue := range result.Errors {
						fmt.Fprintf(out, "  %s [%s] %s\n", issue.Path, issue.Code, issue.Message)
					}
				}
				if invalid > 0 {
					return cli.Exit(fmt.Sprintf("%d of %d workflows invalid", invalid, cmd.Args().Len()), exitInvalid)
				}
				return nil
			})
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Run workflows on a cron schedule until interrupted",
		ArgsUsage: "<workflow.json>...",
		Description: "Each workflow becomes a job named after its id. A tick is skipped while the " +
			"job's previous run is still in flight. SIGUSR1 halts trading, SIGUSR2 resumes it.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "cron",
				Usage:    `Cron expression, with optional seconds field or descriptor (e.g. "@every 30s")`,
				Required: true,
				Sources:  cli.EnvVars("TRADEFLOW_CRON"),
			},
			&cli.BoolFlag{
				Name:  "recover",
				Usage: "Run once every job whose persisted next run was missed",
				Value: true,
			},
			eventsFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return cli.Exit("schedule: missing workflow file argument", exitInvalid)
			}
			return withApp(ctx, cmd, func(a *app) error {
				sched := scheduler.NewScheduler(a.executor, a.store, a.logger)
				for _, path := range cmd.Args().Slice() {
					def, err := a.loadWorkflow(path)
					if err != nil {
						return cli.Exit(fmt.Sprintf("%s: %s", path, err), exitInvalid)
					}
					if err := sched.Add(scheduler.Job{ID: def.ID, Cron: cmd.String("cron"), Workflow: def}); err != nil {
						return err
					}
				}
				if cmd.Bool("recover") {
					if err := sched.RecoverMissed(ctx); err != nil {
						return err
					}
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()

				a.controlSignals(ctx)
				<-ctx.Done()
				return nil
			})
		},
	}
}

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:      "graph",
		Usage:     "Render a workflow as a Mermaid flowchart or ASCII diagram",
		ArgsUsage: "<workflow.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format (mermaid, ascii)",
				Value: "mermaid",
			},
			&cli.BoolFlag{
				Name:  "run",
				Usage: "Execute the workflow first and overlay node results",
			},
			workflowIDFlag,
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path, err := workflowArg(cmd)
			if err != nil {
				return err
			}
			format := cmd.String("format")
			if format != "mermaid" && format != "ascii" {
				return cli.Exit(fmt.Sprintf("graph: unsupported format %q", format), exitInvalid)
			}
			return withApp(ctx, cmd, func(a *app) error {
				def, err := a.loadWorkflow(path)
				if err != nil {
					return cli.Exit(err.Error(), exitInvalid)
				}
				var results map[string]*schema.NodeResult
				if cmd.Bool("run") {
					result, err := a.executor.Execute(ctx, def, engine.ContextFor(def, cmd.String("workflow-id")))
					if err != nil {
						return err
					}
					results = result.Nodes
				}
				model, err := diagram.Build(def, results, a.isTrading)
				if err != nil {
					return err
				}
				if format == "ascii" {
					_, err = fmt.Fprint(cmd.Root().Writer, diagram.RenderASCII(model))
				} else {
					_, err = fmt.Fprint(cmd.Root().Writer, diagram.RenderMermaid(model))
				}
				return err
			})
		},
	}
}

// isTrading reports whether the handler bound to n places orders.
func (a *app) isTrading(n *schema.Node) bool {
	desc, _, err := a.registry.Lookup(n.Category, n.Type)
	return err == nil && desc.Trading
}

func nodesCommand() *cli.Command {
	return &cli.Command{
		Name:  "nodes",
		Usage: "List registered node handlers",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(a *app) error {
				tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CATEGORY\tTYPE\tTRADING\tDESCRIPTION")
				for _, d := range a.registry.List() {
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", d.Category, d.Type, d.Trading, d.Description)
				}
				return tw.Flush()
			})
		},
	}
}

// controlSignals maps SIGUSR1 to Halt and SIGUSR2 to Resume until ctx is done.
func (a *app) controlSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				var err error
				if sig == syscall.SIGUSR1 {
					err = a.controller.Halt("operator signal")
				} else {
					err = a.controller.Resume("operator signal")
				}
				if err != nil {
					a.logger.Warn("emergency transition rejected", "signal", sig.String(), "error", err)
				}
			}
		}
	}()
}

// report prints the run summary and maps the run status to an exit code.
func report(w io.Writer, result *engine.ExecutionResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	switch result.Status {
	case schema.RunStatusCompleted:
		return nil
	case schema.RunStatusHalted:
		return cli.Exit(fmt.Sprintf("workflow %s halted", result.WorkflowID), exitHalted)
	default:
		msg := fmt.Sprintf("workflow %s %s", result.WorkflowID, result.Status)
		if result.Error != nil {
			msg += ": " + result.Error.Error()
		}
		return cli.Exit(msg, exitFailed)
	}
}
