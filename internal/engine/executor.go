package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/tradeflow/internal/emergency"
	"github.com/rendis/tradeflow/internal/expressions"
	"github.com/rendis/tradeflow/internal/logging"
	"github.com/rendis/tradeflow/internal/metrics"
	"github.com/rendis/tradeflow/internal/nodes"
	"github.com/rendis/tradeflow/internal/resilience"
	"github.com/rendis/tradeflow/internal/store"
	"github.com/rendis/tradeflow/internal/streaming"
	"github.com/rendis/tradeflow/pkg/schema"
)

// Executor is the workflow execution coordinator.
type Executor interface {
	// Validate checks the graph and binds every node to a handler or
	// expression engine. It never runs anything.
	Validate(def *schema.WorkflowDefinition) error

	// Execute runs def from scratch. Completion markers left by earlier runs
	// with the same workflow ID are cleared first. The returned error is
	// non-nil only when the run could not start; node failures and halts are
	// reported through ExecutionResult.
	Execute(ctx context.Context, def *schema.WorkflowDefinition, ectx *ExecutionContext) (*ExecutionResult, error)

	// Resume runs def again under workflowID. Nodes with a completion marker
	// are restored from it and their handlers are not invoked.
	Resume(ctx context.Context, def *schema.WorkflowDefinition, workflowID string) (*ExecutionResult, error)
}

// ExecutionResult summarizes one run.
type ExecutionResult struct {
	WorkflowID    string                        `json:"workflow_id"`
	CorrelationID string                        `json:"correlation_id"`
	Status        schema.RunStatus              `json:"status"`
	Nodes         map[string]*schema.NodeResult `json:"nodes"`
	// Order lists the nodes that reached running, in dispatch order.
	Order []string `json:"order"`
	// Restored lists the nodes seeded from completion markers by Resume.
	Restored    []string      `json:"restored,omitempty"`
	Error       *schema.Error `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// DefaultParallelism is the default number of concurrently running handlers per run.
const DefaultParallelism = 4

// DefaultMarkerTTL bounds how long completion markers stay resumable.
const DefaultMarkerTTL = 24 * time.Hour

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	Parallelism int           // max concurrent handler invocations per run
	MarkerTTL   time.Duration // 0 keeps markers forever
	// Policies overrides the per-category resilience defaults.
	Policies map[schema.Category]resilience.PolicyConfig
}

// DefaultExecutorConfig returns the defaults used for zero fields.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Parallelism: DefaultParallelism,
		MarkerTTL:   DefaultMarkerTTL,
		Policies:    resilience.DefaultPolicies(),
	}
}

// Dependencies are the collaborators of an executor. Registry is required;
// the rest fall back to in-process defaults.
type Dependencies struct {
	Registry  *nodes.Registry
	Engines   *expressions.Engines
	Emergency *emergency.Controller
	Store     store.StateStore
	Bus       streaming.Bus
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

type executorImpl struct {
	config    ExecutorConfig
	registry  *nodes.Registry
	engines   *expressions.Engines
	emergency *emergency.Controller
	store     store.StateStore
	bus       streaming.Bus
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	breakers *resilience.BreakerRegistry
	policies map[schema.Category]*resilience.Policy
	now      func() time.Time
}

// NewExecutor creates an Executor. Circuit breakers are shared by every run
// of the returned executor, keyed by "category/type".
func NewExecutor(cfg ExecutorConfig, deps Dependencies) (Executor, error) {
	if deps.Registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor needs a node registry")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.MarkerTTL < 0 {
		cfg.MarkerTTL = 0
	}

	e := &executorImpl{
		config:    cfg,
		registry:  deps.Registry,
		engines:   deps.Engines,
		emergency: deps.Emergency,
		store:     deps.Store,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.engines == nil {
		engines, err := expressions.NewEngines()
		if err != nil {
			return nil, err
		}
		e.engines = engines
	}
	if e.emergency == nil {
		e.emergency = emergency.New(
			emergency.WithBus(e.bus),
			emergency.WithMetrics(e.metrics),
			emergency.WithLogger(e.logger),
		)
	}
	if e.store == nil {
		e.store = store.NewMemoryStore()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/rendis/tradeflow/internal/engine")
	}

	e.breakers = resilience.NewBreakerRegistry(func(key string, from, to resilience.CircuitState) {
		e.metrics.SetBreakerState(key, int(to))
		e.logger.Warn("circuit breaker state changed", "key", key, "from", from.String(), "to", to.String())
	})

	policies := resilience.DefaultPolicies()
	for cat, pc := range cfg.Policies {
		policies[cat] = pc
	}
	e.policies = make(map[schema.Category]*resilience.Policy, len(policies))
	for cat, pc := range policies {
		e.policies[cat] = resilience.NewPolicy(pc, e.breakers)
	}
	return e, nil
}

// Validate implements Executor.
func (e *executorImpl) Validate(def *schema.WorkflowDefinition) error {
	_, _, err := e.prepare(def)
	return err
}

func (e *executorImpl) prepare(def *schema.WorkflowDefinition) (*DAG, nodes.Table, error) {
	dag, err := Validate(def)
	if err != nil {
		return nil, nil, err
	}
	table, err := e.registry.Resolve(def, e.engines)
	if err != nil {
		return nil, nil, err
	}
	return dag, table, nil
}

// Execute implements Executor.
func (e *executorImpl) Execute(ctx context.Context, def *schema.WorkflowDefinition, ectx *ExecutionContext) (*ExecutionResult, error) {
	dag, table, err := e.prepare(def)
	if err != nil {
		return nil, err
	}
	if ectx == nil {
		ectx = ContextFor(def, "")
	}
	if ectx.WorkflowID == "" {
		ectx.WorkflowID = def.ID
	}
	if err := ectx.claim(); err != nil {
		return nil, err
	}

	if err := store.ClearMarkers(ctx, e.store, ectx.WorkflowID); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "clear markers: %s", err.Error()).WithCause(err)
	}
	return e.run(ctx, dag, table, ectx, nil), nil
}

// Resume implements Executor.
func (e *executorImpl) Resume(ctx context.Context, def *schema.WorkflowDefinition, workflowID string) (*ExecutionResult, error) {
	dag, table, err := e.prepare(def)
	if err != nil {
		return nil, err
	}
	ectx := ContextFor(def, workflowID)
	if err := ectx.claim(); err != nil {
		return nil, err
	}

	markers, err := store.ListMarkers(ctx, e.store, ectx.WorkflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load markers: %s", err.Error()).WithCause(err)
	}

	restored := make([]string, 0, len(markers))
	for _, id := range dag.Sorted {
		m, ok := markers[id]
		if !ok || m.Status != schema.NodeStatusCompleted {
			continue
		}
		ectx.seed(id, m.Output, m.CompletedAt)
		restored = append(restored, id)
	}
	return e.run(ctx, dag, table, ectx, restored), nil
}

// run executes one prepared workflow under a span and returns its result.
func (e *executorImpl) run(ctx context.Context, dag *DAG, table nodes.Table, ectx *ExecutionContext, restored []string) *ExecutionResult {
	if ectx.CorrelationID == "" {
		ectx.CorrelationID = uuid.NewString()
	}
	ctx = logging.WithRun(ctx, ectx.WorkflowID, ectx.CorrelationID)
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", ectx.WorkflowID),
		attribute.String("workflow.correlation_id", ectx.CorrelationID),
		attribute.Int("workflow.nodes", len(dag.Nodes)),
		attribute.Int("workflow.restored", len(restored)),
	))
	defer span.End()

	f := newFlow(e, ctx, dag, table, ectx)
	res := f.execute()
	res.Restored = restored

	span.SetAttributes(attribute.String("workflow.status", string(res.Status)))
	if res.Error != nil {
		span.RecordError(res.Error)
		span.SetStatus(codes.Error, res.Error.Message)
	}
	e.metrics.ObserveRun(string(res.Status), res.CompletedAt.Sub(res.StartedAt))
	return res
}
