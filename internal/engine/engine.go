// Package engine implements Component J, the dispatcher that wires
// every other component into one embeddable Engine (spec §4.10/§9).
// Grounded on the teacher's RuleEngine (internal/engine in the
// alerting-engine service): a single struct holding every subsystem,
// constructed once from Config and exposing a small synchronous API
// (ProcessAlert in the teacher, Emit/SetFact/Query/... here).
//
// Dispatch is reactive rather than centrally looped: the engine
// registers itself as an event.Store listener (the same mechanism
// TemporalMatcher already uses), so a rule's emitted events recurse
// synchronously back through that same listener before the firing
// that produced them returns. Within one goroutine this gives
// sequential, depth-first cascade processing for free — no separate
// queue/state-machine is needed to serialize a single cascade's
// steps. What IS queued explicitly is concurrency *across* distinct
// top-level Emit calls: the dispatcher owns a bounded channel of
// cascade tasks (taskCh) and a fixed pool of worker goroutines
// (maxConcurrency) that dequeue and run them; a task's own actions
// still execute sequentially on its worker, and Emit blocks on the
// task's done channel for its completion signal, exactly as spec.md's
// design note describes. Fact-change, timer-fire and temporal-match
// dispatch are each driven by their owning component's own existing
// callback (fact.Store.Subscribe, timer.Scheduler's onFire,
// temporal.Matcher's onMatch) rather than funneled through taskCh,
// matching how those components already notify the rest of the
// system; see DESIGN.md for the reasoning.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ruleforge/engine/internal/action"
	"github.com/ruleforge/engine/internal/audit"
	"github.com/ruleforge/engine/internal/baseline"
	"github.com/ruleforge/engine/internal/condition"
	"github.com/ruleforge/engine/internal/config"
	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/event"
	"github.com/ruleforge/engine/internal/fact"
	"github.com/ruleforge/engine/internal/group"
	"github.com/ruleforge/engine/internal/maintenance"
	"github.com/ruleforge/engine/internal/metrics"
	"github.com/ruleforge/engine/internal/model"
	"github.com/ruleforge/engine/internal/query"
	"github.com/ruleforge/engine/internal/rule"
	"github.com/ruleforge/engine/internal/service"
	"github.com/ruleforge/engine/internal/storage"
	"github.com/ruleforge/engine/internal/temporal"
	"github.com/ruleforge/engine/internal/timer"
	"github.com/ruleforge/engine/internal/tracing"
)

// Stats summarizes the engine's live state for observability,
// mirroring the teacher's GetEngineStats shape.
type Stats struct {
	Rules         rule.Stats
	FactsStored   int
	EventsStored  int
	TimersPending int
	AuditEntries  int
}

type cascadeState struct {
	depth int
	refs  int
}

// cascadeTracker bounds how deep one correlated chain of
// rule-triggered events may recurse (spec §7 CascadeDepthExceeded).
// It is reference-counted rather than deleted eagerly because a timer
// fire can continue a cascade's correlation id while the top-level
// cascade that scheduled the timer is still on the call stack.
type cascadeTracker struct {
	mu    sync.Mutex
	state map[string]*cascadeState
}

func newCascadeTracker() *cascadeTracker {
	return &cascadeTracker{state: make(map[string]*cascadeState)}
}

func (t *cascadeTracker) enter(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[correlationID]
	if !ok {
		st = &cascadeState{}
		t.state[correlationID] = st
	}
	st.refs++
}

func (t *cascadeTracker) leave(correlationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[correlationID]
	if !ok {
		return
	}
	st.refs--
	if st.refs <= 0 {
		delete(t.state, correlationID)
	}
}

// checkAndIncrement bumps the derived-event depth for correlationID
// and reports whether it now meets or exceeds maxDepth. depth 0 is
// reserved for the cascade's original external event, which always
// fires regardless of maxDepth; every derived event a rule's action
// produces bumps it by one, and a cascade may reach depths 1..maxDepth-1
// before the maxDepth-th derived event is refused.
func (t *cascadeTracker) checkAndIncrement(correlationID string, maxDepth int) (depth int, exceeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[correlationID]
	if !ok {
		st = &cascadeState{}
		t.state[correlationID] = st
	}
	st.depth++
	return st.depth, maxDepth > 0 && st.depth >= maxDepth
}

type cascadeTask struct {
	draft model.EventDraft
	done  chan cascadeResult
}

type cascadeResult struct {
	event model.Event
	err   error
}

// firing bundles everything fireIfMatched needs regardless of which
// trigger kind produced it, so event/fact/timer/temporal dispatch
// share one evaluation path.
type firing struct {
	triggerKind   model.TriggerKind
	eventData     map[string]any
	ambient       map[string]any
	correlationID string
	causationID   string
}

// Engine is the embeddable rule engine: every exported method is safe
// for concurrent use.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	facts     *fact.Store
	events    *event.Store
	rules     *rule.Manager
	groups    *group.Manager
	evaluator *condition.Evaluator
	executor  *action.Executor
	temporal  *temporal.Matcher
	timers    *timer.Scheduler
	maint     *maintenance.Scheduler
	auditLog  *audit.Log
	traceBus  *audit.TraceBus
	storage   storage.Adapter
	services  *service.Registry
	baselines *baseline.Store
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	resolver  *query.Resolver

	cascades *cascadeTracker

	unlistenEvents func()

	taskCh chan *cascadeTask
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
}

// New wires every component described by cfg into a ready-to-Start
// Engine. reg receives Prometheus metrics when cfg.Metrics.Enabled
// (pass prometheus.NewRegistry() for test isolation).
func New(cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	facts := fact.New(cfg.Facts.SubscriberQueueSize)
	events := event.New(cfg.Events.MaxEvents, cfg.Events.MaxAge)
	rules := rule.New(cfg.Rules.Strict)
	groups := group.New()
	evaluator := condition.New()

	var adapter storage.Adapter
	if cfg.Persistence.Adapter == "memory" || cfg.Persistence.Adapter == "" {
		adapter = storage.NewMemoryAdapter()
	} else {
		return nil, errs.Newf(errs.InvalidArgument, "unknown persistence adapter %q", cfg.Persistence.Adapter)
	}

	var auditAdapter storage.Adapter
	if cfg.Audit.Adapter != "" && cfg.Audit.Adapter != "none" {
		auditAdapter = adapter
	}
	auditLog := audit.NewLog(cfg.Audit.MaxMemoryEntries, cfg.Audit.BatchSize, auditAdapter, logger)
	traceBus := audit.NewTraceBus(cfg.Audit.TraceQueueSize)

	services := service.NewRegistry()
	if cfg.Notifications.Email.Enabled {
		services.Register("email", service.NewEmailService(cfg.Notifications.Email))
	}
	if cfg.Notifications.SMS.Enabled {
		services.Register("sms", service.NewSMSService(cfg.Notifications.SMS))
	}

	baselines := baseline.New()
	evaluator.Baselines = baselines

	var coll *metrics.Collector
	if cfg.Metrics.Enabled {
		buckets := cfg.Metrics.HistogramBuckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		coll = metrics.NewCollector(reg, buckets)
	}

	var tracer *tracing.Tracer
	if cfg.OpenTelemetry.Enabled {
		var err error
		tracer, err = tracing.New(context.Background(), cfg.OpenTelemetry.ServiceName, func(r tracing.SpanRecord) {
			logger.Debug("span exported", "name", r.Name, "trace_id", r.TraceID)
		})
		if err != nil {
			return nil, fmt.Errorf("starting tracer: %w", err)
		}
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		facts:     facts,
		events:    events,
		rules:     rules,
		groups:    groups,
		evaluator: evaluator,
		storage:   adapter,
		auditLog:  auditLog,
		traceBus:  traceBus,
		services:  services,
		baselines: baselines,
		metrics:   coll,
		tracer:    tracer,
		resolver:  query.New(facts, rules),
		cascades:  newCascadeTracker(),
		taskCh:    make(chan *cascadeTask, 256),
		stopCh:    make(chan struct{}),
	}

	e.executor = action.New(facts, events, nil, services, evaluator, logger)
	e.executor.OnAction = e.onAction

	e.timers = timer.New(events, e.onTimerFire)
	e.executor.Timers = e.timers

	e.temporal = temporal.New(events, evaluator, e.onTemporalMatch)

	e.maint = maintenance.New(logger)

	return e, nil
}

func (e *Engine) maxConcurrency() int {
	if e.cfg.MaxConcurrency > 0 {
		return e.cfg.MaxConcurrency
	}
	return runtime.NumCPU()
}

func (e *Engine) maxCascadeDepth() int {
	if e.cfg.MaxCascadeDepth > 0 {
		return e.cfg.MaxCascadeDepth
	}
	return 64
}

// Start launches the engine's background goroutines: cascade workers,
// the timer scheduler, the temporal sweep, and maintenance cron jobs.
// Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.unlistenEvents = e.events.Listen(e.onEvent)
	e.facts.Subscribe("", e.onFactChange)

	for i := 0; i < e.maxConcurrency(); i++ {
		e.wg.Add(1)
		go e.worker()
	}

	e.timers.Start()
	e.temporal.Start(cmpDuration(e.cfg.Timers.CheckInterval, 250*time.Millisecond))

	if flush := e.cfg.Audit.FlushInterval; flush > 0 {
		e.wg.Add(1)
		go e.flushAuditLoop(flush)
	}

	e.maint.Start()

	e.recordTrace(model.TraceEngineStarted, "engine started", "", "", "", nil)
}

func cmpDuration(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (e *Engine) flushAuditLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.auditLog.FlushPending()
		case <-e.stopCh:
			return
		}
	}
}

// Stop drains in-flight cascades and halts every background
// goroutine, waiting up to cfg.ShutdownTimeout before giving up.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	close(e.stopCh)
	close(e.taskCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("engine shutdown timed out waiting for in-flight cascades")
	}

	if e.unlistenEvents != nil {
		e.unlistenEvents()
	}
	e.timers.Stop()
	e.temporal.Stop()
	e.maint.Stop()
	e.auditLog.FlushPending()

	if e.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.tracer.Shutdown(ctx); err != nil {
			e.logger.Warn("tracer shutdown failed", "error", err)
		}
	}

	e.recordTrace(model.TraceEngineStopped, "engine stopped", "", "", "", nil)
	return nil
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for task := range e.taskCh {
		e.runCascade(task)
	}
}

func (e *Engine) runCascade(task *cascadeTask) {
	corrID := task.draft.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
		task.draft.CorrelationID = corrID
	}

	e.cascades.enter(corrID)
	defer e.cascades.leave(corrID)

	ev, err := e.events.Append(task.draft)
	task.done <- cascadeResult{event: ev, err: err}
}

// Emit submits a new top-level event to the engine, returning once
// the entire cascade it produces (every rule it triggers, and every
// event those rules in turn emit) has finished processing.
func (e *Engine) Emit(draft model.EventDraft) (model.Event, error) {
	task := &cascadeTask{draft: draft, done: make(chan cascadeResult, 1)}

	select {
	case e.taskCh <- task:
	case <-e.stopCh:
		return model.Event{}, errs.New(errs.InvalidArgument, "engine is stopped")
	}

	result := <-task.done
	return result.event, result.err
}

// SetFact upserts a fact. Fact-triggered rules are dispatched
// asynchronously by the fact store's subscriber goroutine and may run
// after SetFact returns.
func (e *Engine) SetFact(key string, value any) (model.Fact, error) {
	f, err := e.facts.Set(key, value, "api")
	if err == nil && e.metrics != nil {
		e.metrics.FactsSetTotal.Inc()
	}
	return f, err
}

// DeleteFact removes a fact. Fact-triggered rules are dispatched
// asynchronously by the fact store's subscriber goroutine and may run
// after DeleteFact returns.
func (e *Engine) DeleteFact(key string) bool {
	ok := e.facts.Delete(key)
	if ok && e.metrics != nil {
		e.metrics.FactsDeletedTotal.Inc()
	}
	return ok
}

// RegisterRule adds draft to the registry, also registering its
// temporal pattern with the matcher when applicable.
func (e *Engine) RegisterRule(draft rule.Draft) (*model.Rule, error) {
	r, err := e.rules.Register(draft)
	if err != nil {
		return nil, err
	}
	if r.Trigger.Kind == model.TriggerTemporal && r.Trigger.Temporal != nil {
		e.temporal.Register(r.ID, *r.Trigger.Temporal)
	}
	e.refreshRuleGauges()
	e.recordTrace(model.TraceRuleRegistered, "rule registered", r.ID, r.Name, "", nil)
	return r, nil
}

// UnregisterRule removes a rule and any temporal pattern registered
// for it.
func (e *Engine) UnregisterRule(id string) error {
	r, _ := e.rules.Get(id)
	if err := e.rules.Delete(id); err != nil {
		return err
	}
	e.temporal.Unregister(id)
	e.refreshRuleGauges()
	name := id
	if r != nil {
		name = r.Name
	}
	e.recordTrace(model.TraceRuleDisabled, "rule unregistered", id, name, "", nil)
	return nil
}

func (e *Engine) refreshRuleGauges() {
	if e.metrics == nil {
		return
	}
	stats := e.rules.GetStats()
	e.metrics.RulesTotal.Set(float64(stats.TotalRules))
	e.metrics.RulesEnabled.Set(float64(stats.EnabledRules))
}

// SetRuleEnabled flips a rule's own enabled flag.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	if err := e.rules.SetEnabled(id, enabled); err != nil {
		return err
	}
	typ := model.TraceRuleDisabled
	if enabled {
		typ = model.TraceRuleEnabled
	}
	r, _ := e.rules.Get(id)
	name := id
	if r != nil {
		name = r.Name
	}
	e.recordTrace(typ, "rule enabled state changed", id, name, "", map[string]any{"enabled": enabled})
	e.refreshRuleGauges()
	return nil
}

// RegisterGroup creates a new rule group.
func (e *Engine) RegisterGroup(name, description string) *model.RuleGroup {
	return e.groups.Create(name, description)
}

// SetGroupEnabled flips a group's enabled flag, cascading to every
// member rule's effective enabled state.
func (e *Engine) SetGroupEnabled(id string, enabled bool) error {
	return e.groups.SetEnabled(id, enabled)
}

// DeleteGroup removes a rule group and clears its member rules' group
// field, falling them back to ungrouped rather than orphaning them.
func (e *Engine) DeleteGroup(id string) error {
	if err := e.groups.Delete(id); err != nil {
		return err
	}
	e.rules.ClearGroup(id)
	return nil
}

// SetTimer schedules a timer outside of any rule firing (e.g. for
// startup scheduling by the embedding application).
func (e *Engine) SetTimer(spec model.TimerSpec) error {
	err := e.timers.Set(spec, "", "")
	if err == nil && e.metrics != nil {
		e.metrics.TimersScheduledTotal.Inc()
		e.metrics.TimersPending.Set(float64(e.timers.Pending()))
	}
	return err
}

// CancelTimer cancels a pending timer by name.
func (e *Engine) CancelTimer(name string) bool {
	cancelled := e.timers.Cancel(name)
	if cancelled && e.metrics != nil {
		e.metrics.TimersPending.Set(float64(e.timers.Pending()))
	}
	return cancelled
}

// Query resolves goal into a proof tree over the live fact/rule state.
func (e *Engine) Query(goal query.Goal) query.Proof {
	proof := e.resolver.Query(goal)
	e.recordTrace(model.TraceQueryResolved, "query resolved", "", "", "", map[string]any{
		"satisfied": proof.Satisfied,
	})
	return proof
}

// Subscribe registers a listener for every trace entry the engine
// emits, returning an unsubscribe function.
func (e *Engine) Subscribe() (<-chan model.TraceEntry, func()) {
	return e.traceBus.Subscribe()
}

// GetStats summarizes the engine's live state.
func (e *Engine) GetStats() Stats {
	return Stats{
		Rules:         e.rules.GetStats(),
		FactsStored:   e.facts.Len(),
		EventsStored:  e.events.Len(),
		TimersPending: e.timers.Pending(),
		AuditEntries:  e.auditLog.Len(),
	}
}

// onEvent is the engine's event.Store listener: every appended event
// that carries a correlation id, whether from an external Emit or a
// rule's emit_event action, is dispatched here before the call that
// produced it returns. Events with an empty correlation id (such as
// the onExpire event of a timer scheduled through Engine.SetTimer) are
// not dispatched to rules.
func (e *Engine) onEvent(ev model.Event) {
	derived := ev.CausationID != ""
	if ev.CorrelationID == "" {
		return
	}
	depth, exceeded := 0, false
	if derived {
		depth, exceeded = e.cascades.checkAndIncrement(ev.CorrelationID, e.maxCascadeDepth())
	}
	if exceeded {
		e.recordTrace(model.TraceRuleFailed, "cascade depth exceeded", "", "", ev.CorrelationID, map[string]any{
			"depth": depth, "topic": ev.Topic,
		})
		return
	}

	if e.metrics != nil {
		e.metrics.EventsEmittedTotal.WithLabelValues(ev.Topic).Inc()
		e.metrics.CascadeDepth.Observe(float64(depth))
	}
	e.recordTrace(model.TraceEventEmitted, "event emitted", "", "", ev.CorrelationID, map[string]any{"topic": ev.Topic})
	e.observeBaselines(ev.Data)

	f := firing{
		triggerKind:   model.TriggerEvent,
		eventData:     ev.Data,
		correlationID: ev.CorrelationID,
		causationID:   ev.ID,
	}
	for _, rl := range e.rules.ForEventTopic(ev.Topic) {
		e.fireIfMatched(rl, f)
	}
}

// onFactChange is fact.Store's async subscriber callback: it mints a
// fresh cascade (fact changes carry no correlation id of their own)
// for every fact-triggered rule the change matches.
func (e *Engine) onFactChange(f model.Fact, kind fact.ChangeKind) {
	corrID := uuid.NewString()
	e.cascades.enter(corrID)
	defer e.cascades.leave(corrID)

	traceType := model.TraceFactUpdated
	switch {
	case kind == fact.ChangeDelete:
		traceType = model.TraceFactDeleted
	case f.Version == 1:
		traceType = model.TraceFactCreated
	}
	e.recordTrace(traceType, "fact changed", "", "", corrID, map[string]any{"key": f.Key})

	firing := firing{
		triggerKind:   model.TriggerFact,
		ambient:       map[string]any{"fact.key": f.Key, "fact.value": f.Value, "fact.change": string(kind)},
		correlationID: corrID,
	}
	for _, rl := range e.rules.ForFactKey(f.Key) {
		e.fireIfMatched(rl, firing)
	}
}

// onTimerFire is the timer.Scheduler's Fired callback: it continues
// the cascade that originally scheduled the timer.
func (e *Engine) onTimerFire(t model.Timer) {
	corrID := t.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	e.cascades.enter(corrID)
	defer e.cascades.leave(corrID)

	if e.metrics != nil {
		e.metrics.TimersFiredTotal.Inc()
		e.metrics.TimersPending.Set(float64(e.timers.Pending()))
	}
	e.recordTrace(model.TraceTimerFired, "timer fired", t.RuleID, "", corrID, map[string]any{"timer": t.Name})

	firing := firing{
		triggerKind:   model.TriggerTimer,
		ambient:       map[string]any{"timer.name": t.Name},
		correlationID: corrID,
	}
	for _, rl := range e.rules.ForTimer(t.Name) {
		e.fireIfMatched(rl, firing)
	}
}

// onTemporalMatch is the temporal.Matcher's Callback. Sequence, count
// and aggregate matches arrive during the event store's listener
// fan-out for the last contributing event; absence matches arrive from
// the matcher's sweep goroutine. It neither enters/leaves the cascade
// tracker nor calls checkAndIncrement; events the matched rule emits
// are depth-checked in onEvent like any other derived event.
func (e *Engine) onTemporalMatch(m temporal.Match) {
	rl, ok := e.rules.Get(m.RuleID)
	if !ok {
		return
	}
	corrID := ""
	var causationID string
	if len(m.Events) > 0 {
		last := m.Events[len(m.Events)-1]
		corrID = last.CorrelationID
		causationID = last.ID
	}
	if corrID == "" {
		corrID = uuid.NewString()
	}

	f := firing{
		triggerKind:   model.TriggerTemporal,
		ambient:       map[string]any{"temporal.value": m.Value, "temporal.group": m.GroupKey},
		correlationID: corrID,
		causationID:   causationID,
	}
	e.fireIfMatched(rl, f)
}

// fireIfMatched runs one rule through PENDING -> EVALUATING ->
// (SKIPPED | EXECUTING -> (EXECUTED | FAILED)), recording trace
// entries and metrics at each transition.
func (e *Engine) fireIfMatched(rl *model.Rule, f firing) {
	g, _ := e.groups.Get(rl.Group)
	if !model.EffectivelyEnabled(rl, g) {
		e.recordTrace(model.TraceRuleSkipped, "rule or group disabled", rl.ID, rl.Name, f.correlationID, nil)
		return
	}

	e.recordTrace(model.TraceRuleTriggered, "rule triggered", rl.ID, rl.Name, f.correlationID, map[string]any{
		"trigger_kind": string(f.triggerKind),
	})
	if e.metrics != nil {
		e.metrics.RuleEvaluationsTotal.WithLabelValues(string(f.triggerKind)).Inc()
	}

	ctx := context.Background()
	var span oteltrace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartRuleEvaluation(ctx, rl.Name, string(f.triggerKind))
		defer span.End()
	}

	ambient := make(map[string]any, len(f.ambient)+2)
	for k, v := range f.ambient {
		ambient[k] = v
	}
	ambient["correlationId"] = f.correlationID
	ambient["causationId"] = f.causationID

	evalCtx := condition.Context{
		Event:     f.eventData,
		Ambient:   ambient,
		Facts:     e.facts,
		Baselines: e.baselines,
	}

	start := time.Now()
	matched, err := e.evaluator.EvaluateAll(rl.Conditions, evalCtx)
	if e.metrics != nil {
		e.metrics.RuleEvaluationDuration.Observe(time.Since(start).Seconds())
	}
	e.recordTrace(model.TraceConditionEvaluated, "conditions evaluated", rl.ID, rl.Name, f.correlationID, map[string]any{
		"matched": matched,
	})
	if err != nil {
		e.recordTrace(model.TraceRuleFailed, err.Error(), rl.ID, rl.Name, f.correlationID, nil)
		return
	}
	if !matched {
		e.recordTrace(model.TraceRuleSkipped, "conditions not satisfied", rl.ID, rl.Name, f.correlationID, nil)
		return
	}
	if e.metrics != nil {
		e.metrics.RuleMatchesTotal.WithLabelValues(rl.Name).Inc()
	}

	actionCtx := ctx
	if e.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actionCtx, cancel = context.WithTimeout(ctx, e.cfg.ActionTimeout)
		defer cancel()
	}

	_, err = e.executor.ExecuteAll(actionCtx, rl.Actions, rl.ID, evalCtx)
	e.rules.RecordFired(rl.ID)
	if err != nil {
		e.recordTrace(model.TraceRuleFailed, err.Error(), rl.ID, rl.Name, f.correlationID, nil)
		return
	}
	e.recordTrace(model.TraceRuleExecuted, "rule executed", rl.ID, rl.Name, f.correlationID, nil)
}

// onAction is the action.Executor's OnAction hook, recording
// per-action metrics and trace entries.
func (e *Engine) onAction(ruleID string, index int, kind model.ActionKind, err error, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ActionsExecutedTotal.WithLabelValues(string(kind)).Inc()
		e.metrics.ActionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
		if err != nil {
			e.metrics.ActionErrorsTotal.WithLabelValues(string(kind)).Inc()
		}
		if kind == model.ActionSetTimer && err == nil {
			e.metrics.TimersScheduledTotal.Inc()
			e.metrics.TimersPending.Set(float64(e.timers.Pending()))
		}
		if kind == model.ActionCancelTimer && err == nil {
			e.metrics.TimersPending.Set(float64(e.timers.Pending()))
		}
	}

	r, _ := e.rules.Get(ruleID)
	name := ruleID
	if r != nil {
		name = r.Name
	}
	typ := model.TraceActionCompleted
	summary := string(kind)
	if err != nil {
		typ = model.TraceActionFailed
		summary = err.Error()
	}
	e.recordTrace(typ, summary, ruleID, name, "", map[string]any{"index": index, "kind": string(kind)})
}

// observeBaselines feeds every numeric field of an emitted event's
// data into the baseline store, so a `baseline` condition source can
// score deviations without a rule needing a dedicated action to
// report metric samples.
func (e *Engine) observeBaselines(data map[string]any) {
	for k, v := range data {
		if f, ok := toFloat(v); ok {
			e.baselines.Observe(k, f)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (e *Engine) recordTrace(typ model.TraceType, summary, ruleID, ruleName, correlationID string, details map[string]any) {
	entry := model.TraceEntry{
		Timestamp:     time.Now(),
		Type:          typ,
		Summary:       summary,
		Source:        "engine",
		RuleID:        ruleID,
		RuleName:      ruleName,
		CorrelationID: correlationID,
		Details:       details,
	}
	e.traceBus.Publish(entry)
	e.auditLog.Record(entry)
}
