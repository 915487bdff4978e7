package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout, os.Stderr).Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:                  "tradeflow",
		Usage:                 "Run trading workflows as dependency graphs of nodes",
		EnableShellCompletion: true,
		Writer:                stdout,
		ErrWriter:             stderr,
		Flags:                 configFlags(),
		Commands: []*cli.Command{
			runCommand(),
			resumeCommand(),
			validateCommand(),
			scheduleCommand(),
			graphCommand(),
			nodesCommand(),
			versionCommand(),
		},
	}
}
