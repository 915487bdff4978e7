package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/tradeflow/internal/emergency"
	"github.com/rendis/tradeflow/internal/engine"
	"github.com/rendis/tradeflow/internal/logging"
	"github.com/rendis/tradeflow/internal/metrics"
	"github.com/rendis/tradeflow/internal/nodes"
	"github.com/rendis/tradeflow/internal/store"
	"github.com/rendis/tradeflow/internal/streaming"
	"github.com/rendis/tradeflow/internal/validation"
	"github.com/rendis/tradeflow/pkg/schema"
)

const (
	redisNamespace  = "tradeflow:"
	httpNodeTimeout = 30 * time.Second
)

// app is the wired process: one store, bus, controller and executor shared
// by every command.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      store.StateStore
	eventLog   *store.EventLog
	bus        *streaming.MemoryBus
	pubSub     *gochannel.GoChannel
	forwarder  *streaming.Forwarder
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	controller *emergency.Controller
	registry   *nodes.Registry
	trader     *nodes.PaperTrader
	executor   engine.Executor
	validator  *validation.WorkflowValidator
	httpServer *http.Server
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

// newApp wires every component from cfg. Close releases what it opened.
func newApp(ctx context.Context, cfg Config, logw io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg, logw)}
	slog.SetDefault(a.logger)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.bus = streaming.NewMemoryBus(a.logger)
	if a.eventLog != nil {
		if _, err := a.bus.Subscribe("*", func(ctx context.Context, _ string, event schema.Event) error {
			return a.eventLog.Append(ctx, &event)
		}); err != nil {
			a.Close()
			return nil, fmt.Errorf("subscribe event log: %w", err)
		}
	}

	// Blocking publish keeps forwarded events ordered ahead of bus drain on Close.
	a.pubSub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(a.logger))
	a.forwarder = streaming.NewForwarder(a.bus, a.pubSub, a.logger)
	if err := a.forwarder.Start("*"); err != nil {
		a.Close()
		return nil, err
	}

	a.promReg = prometheus.NewRegistry()
	a.promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promReg)

	a.controller = emergency.New(
		emergency.WithBus(a.bus),
		emergency.WithMetrics(a.metrics),
		emergency.WithLogger(a.logger),
	)

	quotes, err := loadQuotes(cfg.QuotesFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	provider := nodes.NewStaticProvider(quotes)
	a.trader = nodes.NewPaperTrader(provider)
	a.registry = nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(a.registry, nodes.Dependencies{
		Provider: provider,
		Trader:   a.trader,
		Risk:     a.controller,
		Bus:      a.bus,
		HTTP:     &http.Client{Timeout: httpNodeTimeout},
	}); err != nil {
		a.Close()
		return nil, fmt.Errorf("register built-in nodes: %w", err)
	}

	execCfg := engine.DefaultExecutorConfig()
	execCfg.Parallelism = cfg.Parallelism
	execCfg.MarkerTTL = cfg.MarkerTTL
	a.executor, err = engine.NewExecutor(execCfg, engine.Dependencies{
		Registry:  a.registry,
		Emergency: a.controller,
		Store:     a.store,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.validator, err = validation.NewWorkflowValidator(a.executor)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		a.serveMetrics()
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	u, err := parseStoreURL(a.cfg.Store)
	if err != nil {
		return err
	}
	switch u.kind {
	case storeRedis:
		rs, err := store.OpenRedisStore(ctx, u.dsn, redisNamespace)
		if err != nil {
			return err
		}
		a.store = rs
	case storeLibSQL:
		ls, err := store.NewLibSQLStore(u.dsn)
		if err != nil {
			return err
		}
		if err := ls.Migrate(ctx); err != nil {
			_ = ls.Close()
			return fmt.Errorf("migrate %s: %w", u.dsn, err)
		}
		if n, err := ls.Sweep(ctx); err != nil {
			a.logger.Warn("failed to sweep expired state", "error", err)
		} else if n > 0 {
			a.logger.Debug("swept expired state", "entries", n)
		}
		a.store = ls
		a.eventLog = store.NewEventLog(ls)
	default:
		a.store = store.NewMemoryStore()
	}
	a.logger.Debug("state store opened", "store", a.cfg.Store)
	return nil
}

func (a *app) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{Registry: a.promReg}))
	a.httpServer = &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", a.cfg.MetricsAddr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
}

// loadWorkflow reads, validates and decodes a workflow document.
func (a *app) loadWorkflow(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return a.validator.Load(data)
}

// Close shuts components down in reverse wiring order.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(ctx); err != nil {
			a.logger.Warn("failed to drain event bus", "error", err)
		}
	}
	if a.forwarder != nil {
		_ = a.forwarder.Stop()
	}
	if a.pubSub != nil {
		_ = a.pubSub.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close state store", "error", err)
		}
	}
}

func loadQuotes(path string) (map[string]map[string]any, error) {
	if path == "" {
		return map[string]map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quotes %s: %w", path, err)
	}
	var quotes map[string]map[string]any
	if err := json.Unmarshal(data, &quotes); err != nil {
		return nil, fmt.Errorf("decode quotes %s: %w", path, err)
	}
	return quotes, nil
}
