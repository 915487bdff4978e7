package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/tradeflow/internal/expressions"
	"github.com/rendis/tradeflow/internal/logging"
	"github.com/rendis/tradeflow/internal/nodes"
	"github.com/rendis/tradeflow/internal/resilience"
	"github.com/rendis/tradeflow/internal/store"
	"github.com/rendis/tradeflow/pkg/schema"
)

// completion is sent by a worker when a dispatched handler returns.
type completion struct {
	nodeID   string
	output   any
	attempts int
	err      error
	elapsed  time.Duration
}

// upstream verdicts computed when a node becomes ready.
type verdict int

const (
	upstreamReady verdict = iota
	upstreamSkipped
	upstreamFailed
)

// flow is the coordinator of one run. Every field is owned by the goroutine
// calling execute; workers only send on done and publish retry events.
type flow struct {
	e     *executorImpl
	ctx   context.Context
	dag   *DAG
	table nodes.Table
	ectx  *ExecutionContext
	pool  *WorkerPool
	done  chan completion

	remaining map[string]int // unresolved upstream count
	ready     []string       // declaration-index order
	inflight  int
	order     []string
	spans     map[string]trace.Span

	stopped   bool
	halted    bool
	haltErr   *schema.Error
	cancelErr error
	firstErr  *schema.Error
}

func newFlow(e *executorImpl, ctx context.Context, dag *DAG, table nodes.Table, ectx *ExecutionContext) *flow {
	f := &flow{
		e:         e,
		ctx:       ctx,
		dag:       dag,
		table:     table,
		ectx:      ectx,
		done:      make(chan completion, len(dag.Nodes)),
		remaining: make(map[string]int, len(dag.Nodes)),
		spans:     make(map[string]trace.Span),
	}
	f.pool = NewWorkerPool(e.config.Parallelism, f.workerPanicked)
	return f
}

// workerPanicked reports a panic outside the handler (policy, hooks) as a
// permanent failure so the dispatch loop still sees the node complete.
func (f *flow) workerPanicked(nodeID string, recovered any) {
	f.done <- completion{
		nodeID: nodeID,
		err:    schema.PermanentError("worker panicked: %v", recovered).WithNode(nodeID),
	}
}

// execute drives the run to its end: dispatch ready nodes while there is
// capacity, then wait for a completion, a halt or cancellation.
func (f *flow) execute() *ExecutionResult {
	startedAt := f.e.now()
	f.ectx.init(f.dag.Sorted)
	f.ectx.FSM().OnAfter(f.observeTransition)

	for _, id := range f.dag.Sorted {
		n := 0
		for _, up := range f.dag.Deps[id] {
			if !f.ectx.Status(up).Terminal() {
				n++
			}
		}
		f.remaining[id] = n
	}
	for _, id := range f.dag.Sorted {
		if f.remaining[id] == 0 && !f.ectx.Status(id).Terminal() {
			f.ready = f.dag.insertByIndex(f.ready, id)
		}
	}

	f.publish(schema.EventExecutionStarted, "", string(schema.RunStatusRunning), nil)
	f.e.logger.InfoContext(f.ctx, "workflow started", "nodes", len(f.dag.Nodes))

	// A controller that is already blocking is enforced per node by Permit.
	haltCh := f.e.emergency.Done()
	if f.e.emergency.State().Blocking() {
		haltCh = nil
	}
	ctxDone := f.ctx.Done()

	for {
		for !f.stopped && len(f.ready) > 0 && f.inflight < f.pool.Size() {
			if err := f.ctx.Err(); err != nil {
				f.cancel(err)
				break
			}
			id := f.ready[0]
			f.ready = f.ready[1:]
			f.resolve(id)
		}
		if f.inflight == 0 && (f.stopped || len(f.ready) == 0) {
			break
		}

		select {
		case c := <-f.done:
			f.inflight--
			f.finish(c)
		case <-haltCh:
			haltCh = nil
			f.halt(nil)
		case <-ctxDone:
			ctxDone = nil
			f.cancel(f.ctx.Err())
		}
	}
	f.pool.Shutdown()

	if f.halted {
		f.refuseBlocked()
	}
	return f.result(startedAt)
}

// resolve decides what happens to a ready node: fail, skip, evaluate inline
// or dispatch to the pool.
func (f *flow) resolve(id string) {
	node := f.dag.Nodes[id]
	b := f.table[id]

	state, err := f.e.emergency.Permit(node.Category, b.Descriptor.Trading)
	if err != nil {
		se := nodeError(id, err)
		f.fail(id, se, 0)
		f.halt(se)
		return
	}
	if b.Descriptor.Trading && state == schema.EmergencyAlert {
		f.publish(schema.EventEmergencyWarning, id, string(state), nil)
		f.e.logger.WarnContext(logging.WithNodeID(f.ctx, id), "trading node dispatched in ALERT state")
	}

	inputs, order, v, cause := f.gather(node)
	switch v {
	case upstreamFailed:
		f.fail(id, schema.NewErrorf(schema.ErrCodeUpstreamFailed, "upstream node %s failed", cause).
			WithNode(id).
			WithDetails(map[string]any{"upstream": cause}), 0)
		return
	case upstreamSkipped:
		f.skip(id, "upstream "+cause+" skipped")
		return
	}

	scope := expressions.Scope{
		Inputs:   inputs,
		Order:    order,
		Params:   node.Params,
		Workflow: f.runContext(false).Metadata(),
	}

	if node.Category == schema.CategoryCondition {
		f.evaluateCondition(id, node, b, scope)
		return
	}
	if b.Engine != nil {
		ok, err := f.e.engines.EvaluateBool(f.ctx, b.Engine.Name(), node.Condition, scope)
		if err != nil {
			f.fail(id, nodeError(id, err), 0)
			return
		}
		if !ok {
			f.skip(id, "guard evaluated false")
			return
		}
	}
	f.dispatch(id, node, b, inputs)
}

// gather collects completed upstream outputs in declared input order and
// applies the node's join policy.
func (f *flow) gather(node *schema.Node) (map[string]any, []string, verdict, string) {
	var completed int
	firstSkipped := ""
	for _, up := range f.dag.Deps[node.ID] {
		switch f.ectx.Status(up) {
		case schema.NodeStatusFailed:
			return nil, nil, upstreamFailed, up
		case schema.NodeStatusSkipped:
			if firstSkipped == "" {
				firstSkipped = up
			}
		case schema.NodeStatusCompleted:
			completed++
		}
	}
	if firstSkipped != "" && (node.EffectiveJoin() == schema.JoinAll || completed == 0) {
		return nil, nil, upstreamSkipped, firstSkipped
	}

	inputs := make(map[string]any, len(node.Inputs))
	order := make([]string, 0, len(node.Inputs))
	for _, up := range node.Inputs {
		r, ok := f.ectx.Result(up)
		if !ok || r.Status != schema.NodeStatusCompleted {
			continue
		}
		inputs[up] = r.Output
		order = append(order, up)
	}
	return inputs, order, upstreamReady, ""
}

func (f *flow) evaluateCondition(id string, node *schema.Node, b nodes.Binding, scope expressions.Scope) {
	if !f.start(id, node) {
		return
	}
	ok, err := f.e.engines.EvaluateBool(f.ctx, b.Engine.Name(), node.Condition, scope)
	switch {
	case err != nil:
		f.fail(id, nodeError(id, err), 1)
	case ok:
		f.complete(id, "true", 1, 0)
	default:
		f.skip(id, "condition evaluated false")
	}
}

// dispatch submits the node's handler to the pool wrapped by its
// category policy. The caller guarantees a free pool slot.
func (f *flow) dispatch(id string, node *schema.Node, b nodes.Binding, inputs map[string]any) {
	if !f.start(id, node) {
		return
	}

	policy := f.e.policies[node.Category]
	timeout, _ := node.TimeoutDuration()
	rc := f.runContext(true)
	nodeCtx := logging.WithNodeID(trace.ContextWithSpan(f.ctx, f.spans[id]), id)

	op := func(ctx context.Context) (any, error) {
		return invokeHandler(ctx, b.Handler, node, inputs, rc)
	}
	onRetry := resilience.OnRetry(func(attempt int, delay time.Duration, err error) {
		f.retrying(nodeCtx, node, attempt, delay, err)
	})

	f.inflight++
	err := f.pool.Submit(f.ctx, id, func(context.Context) error {
		began := time.Now()
		out, attempts, err := policy.Do(nodeCtx, b.Descriptor.Key(), op, onRetry, resilience.WithTimeoutOverride(timeout))
		f.done <- completion{nodeID: id, output: out, attempts: attempts, err: err, elapsed: time.Since(began)}
		return err
	})
	if err != nil {
		f.inflight--
		f.fail(id, nodeError(id, err), 0)
	}
}

// invokeHandler turns a handler panic into a permanent node error.
func invokeHandler(ctx context.Context, h nodes.Handler, node *schema.Node, inputs map[string]any, rc nodes.RunContext) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = schema.PermanentError("handler panicked: %v", p).WithNode(node.ID)
		}
	}()
	return h.Execute(ctx, node, inputs, rc)
}

// retrying runs on a worker goroutine before each backoff wait.
func (f *flow) retrying(ctx context.Context, node *schema.Node, attempt int, delay time.Duration, err error) {
	f.e.metrics.IncRetry(string(node.Category))
	f.e.logger.WarnContext(ctx, "node attempt failed, retrying",
		"attempt", attempt, "delay", delay, "error", err)
	f.publish(schema.EventNodeRetrying, node.ID, string(schema.NodeStatusRunning), func(ev *schema.Event) {
		ev.Error = err.Error()
		ev.Output = map[string]any{"attempt": attempt, "delay_ms": delay.Milliseconds()}
	})
}

func (f *flow) finish(c completion) {
	if c.err != nil {
		f.fail(c.nodeID, nodeError(c.nodeID, c.err), c.attempts)
		return
	}
	f.complete(c.nodeID, c.output, c.attempts, c.elapsed)
}

// start moves a node to running and opens its span.
func (f *flow) start(id string, node *schema.Node) bool {
	if !f.move(id, schema.NodeStatusRunning, nil) {
		return false
	}
	f.order = append(f.order, id)
	_, span := f.e.tracer.Start(f.ctx, "node.execute", trace.WithAttributes(
		attribute.String("node.id", id),
		attribute.String("node.category", string(node.Category)),
		attribute.String("node.type", node.Type),
	))
	f.spans[id] = span
	f.publish(schema.EventNodeStarted, id, string(schema.NodeStatusRunning), nil)
	return true
}

func (f *flow) complete(id string, output any, attempts int, elapsed time.Duration) {
	if !f.move(id, schema.NodeStatusCompleted, func(r *schema.NodeResult) {
		r.Output = output
		r.Attempts = attempts
	}) {
		return
	}

	marker := &store.Marker{Status: schema.NodeStatusCompleted, Output: output}
	if err := store.PutMarker(context.WithoutCancel(f.ctx), f.e.store, f.ectx.WorkflowID, id, marker, f.e.config.MarkerTTL); err != nil {
		f.e.logger.ErrorContext(logging.WithNodeID(f.ctx, id), "persist completion marker failed", "error", err)
	}

	f.publish(schema.EventNodeCompleted, id, string(schema.NodeStatusCompleted), func(ev *schema.Event) {
		ev.Output = output
		ms := elapsed.Milliseconds()
		ev.ExecutionTimeMs = &ms
	})
	f.e.logger.InfoContext(logging.WithNodeID(f.ctx, id), "node completed", "attempts", attempts, "duration", elapsed)
	f.endSpan(id, nil)
	f.release(id)
}

func (f *flow) fail(id string, se *schema.Error, attempts int) {
	if !f.move(id, schema.NodeStatusFailed, func(r *schema.NodeResult) {
		r.Error = se
		r.Attempts = attempts
	}) {
		return
	}
	if f.firstErr == nil {
		f.firstErr = se
	}

	f.publish(schema.EventNodeFailed, id, string(schema.NodeStatusFailed), func(ev *schema.Event) {
		ev.Error = se.Error()
	})
	f.e.logger.ErrorContext(logging.WithNodeID(f.ctx, id), "node failed", "code", se.Code, "error", se.Message)
	f.endSpan(id, se)
	f.release(id)
}

func (f *flow) skip(id, reason string) {
	if !f.move(id, schema.NodeStatusSkipped, nil) {
		return
	}
	f.publish(schema.EventNodeSkipped, id, string(schema.NodeStatusSkipped), nil)
	f.e.logger.InfoContext(logging.WithNodeID(f.ctx, id), "node skipped", "reason", reason)
	f.endSpan(id, nil)
	f.release(id)
}

// move applies a transition; an invalid one is logged and ignored.
func (f *flow) move(id string, to schema.NodeStatus, update func(*schema.NodeResult)) bool {
	if err := f.ectx.transition(id, to, update); err != nil {
		f.e.logger.ErrorContext(logging.WithNodeID(f.ctx, id), "node transition rejected", "error", err)
		return false
	}
	return true
}

// release decrements the upstream count of id's dependents and queues the
// ones that became ready.
func (f *flow) release(id string) {
	for _, down := range f.dag.Reverse[id] {
		f.remaining[down]--
		if f.remaining[down] == 0 && !f.ectx.Status(down).Terminal() {
			f.ready = f.dag.insertByIndex(f.ready, down)
		}
	}
}

// halt stops dispatch. se is the error that caused it, if a node saw it.
func (f *flow) halt(se *schema.Error) {
	if f.haltErr == nil && se != nil {
		f.haltErr = se
	}
	if f.halted {
		return
	}
	f.halted = true
	f.stopped = true
	f.e.logger.WarnContext(f.ctx, "workflow halted by emergency controller",
		"state", string(f.e.emergency.State()), "in_flight", f.pool.Running())
}

func (f *flow) cancel(err error) {
	if f.stopped {
		return
	}
	f.stopped = true
	f.cancelErr = err
	f.e.logger.WarnContext(f.ctx, "workflow cancelled", "error", err, "in_flight", f.pool.Running())
}

// refuseBlocked fails the ready nodes the controller still blocks. Other
// undispatched nodes stay pending.
func (f *flow) refuseBlocked() {
	ready := append([]string(nil), f.ready...)
	for _, id := range ready {
		node := f.dag.Nodes[id]
		if _, err := f.e.emergency.Permit(node.Category, f.table[id].Descriptor.Trading); err != nil {
			se := nodeError(id, err)
			f.fail(id, se, 0)
			if f.haltErr == nil {
				f.haltErr = se
			}
		}
	}
}

func (f *flow) result(startedAt time.Time) *ExecutionResult {
	res := &ExecutionResult{
		WorkflowID:    f.ectx.WorkflowID,
		CorrelationID: f.ectx.CorrelationID,
		Nodes:         make(map[string]*schema.NodeResult, len(f.dag.Nodes)),
		Order:         f.order,
		StartedAt:     startedAt,
	}
	for id, r := range f.ectx.Snapshot() {
		r := r
		res.Nodes[id] = &r
	}

	switch {
	case f.halted:
		res.Status = schema.RunStatusHalted
		res.Error = f.haltErr
		if res.Error == nil {
			res.Error = schema.NewErrorf(schema.ErrCodeEmergencyHalted,
				"run halted: emergency state is %s", f.e.emergency.State())
		}
	case f.cancelErr != nil:
		res.Status = schema.RunStatusFailed
		res.Error = schema.Classify(f.cancelErr)
	case f.firstErr != nil:
		res.Status = schema.RunStatusFailed
		res.Error = f.firstErr
	default:
		res.Status = schema.RunStatusCompleted
	}
	res.CompletedAt = f.e.now()

	eventType := schema.EventExecutionCompleted
	if res.Status == schema.RunStatusHalted {
		eventType = schema.EventExecutionHalted
	}
	f.publish(eventType, "", string(res.Status), func(ev *schema.Event) {
		if res.Error != nil {
			ev.Error = res.Error.Error()
		}
		ms := res.CompletedAt.Sub(startedAt).Milliseconds()
		ev.ExecutionTimeMs = &ms
	})
	f.e.logger.InfoContext(f.ctx, "workflow finished",
		"status", string(res.Status), "dispatched", len(f.order), "duration", res.CompletedAt.Sub(startedAt))
	return res
}

// observeTransition feeds node metrics from the status FSM.
func (f *flow) observeTransition(id string, from, to schema.NodeStatus) {
	m := f.e.metrics
	if to == schema.NodeStatusRunning {
		m.NodeStarted()
		return
	}
	if !to.Terminal() {
		return
	}
	if from == schema.NodeStatusRunning {
		m.NodeFinished()
	}
	var d time.Duration
	if r, ok := f.ectx.Result(id); ok && r.StartedAt != nil && r.CompletedAt != nil {
		d = r.CompletedAt.Sub(*r.StartedAt)
	}
	m.ObserveNode(string(f.dag.Nodes[id].Category), string(to), d)
}

func (f *flow) endSpan(id string, se *schema.Error) {
	span, ok := f.spans[id]
	if !ok {
		return
	}
	delete(f.spans, id)
	if se != nil {
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Message)
		span.SetAttributes(attribute.String("node.error_code", se.Code))
	}
	span.End()
}

func (f *flow) runContext(withResults bool) nodes.RunContext {
	rc := nodes.RunContext{
		WorkflowID:    f.ectx.WorkflowID,
		BotID:         f.ectx.BotID,
		StrategyID:    f.ectx.StrategyID,
		CorrelationID: f.ectx.CorrelationID,
	}
	if withResults {
		rc.Results = f.ectx.Snapshot()
	}
	return rc
}

// publish sends an execution event. Delivery failures are logged only.
func (f *flow) publish(eventType, nodeID, status string, mutate func(*schema.Event)) {
	if f.e.bus == nil {
		return
	}
	ev := schema.Event{
		Type:          eventType,
		WorkflowID:    f.ectx.WorkflowID,
		NodeID:        nodeID,
		BotID:         f.ectx.BotID,
		StrategyID:    f.ectx.StrategyID,
		Status:        status,
		Timestamp:     f.e.now().UTC(),
		CorrelationID: f.ectx.CorrelationID,
	}
	if mutate != nil {
		mutate(&ev)
	}
	topic := schema.Topic(schema.TopicExecution, eventType)
	if err := f.e.bus.Publish(context.WithoutCancel(f.ctx), topic, ev); err != nil {
		f.e.logger.WarnContext(f.ctx, "publish event failed", "topic", topic, "error", err)
	}
}

// nodeError classifies err and attributes a copy of it to nodeID.
func nodeError(nodeID string, err error) *schema.Error {
	c := *schema.Classify(err)
	if c.NodeID == "" {
		c.NodeID = nodeID
	}
	if c.Message == "" {
		c.Message = fmt.Sprintf("node %s failed", nodeID)
	}
	return &c
}
