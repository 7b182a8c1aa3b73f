// Package action implements rule action execution (spec §4.5): each
// RuleAction variant is applied against the engine's live state, with
// per-rule serialization so a single rule's actions from concurrent
// firings never interleave. Grounded on the teacher's ActionHandler
// interface and createActionHandler dispatch
// (engine.RuleEngine.createActionHandler), generalized from three
// alerting-specific handlers to the full action-kind union.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruleforge/engine/internal/condition"
	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/event"
	"github.com/ruleforge/engine/internal/fact"
	"github.com/ruleforge/engine/internal/model"
)

// TimerScheduler is the subset of the timer package's Scheduler used
// by the set_timer/cancel_timer actions.
type TimerScheduler interface {
	Set(spec model.TimerSpec, ruleID, correlationID string) error
	Cancel(name string) bool
}

// ServiceCaller is the subset of the service package's Registry used
// by the call_service action.
type ServiceCaller interface {
	Call(ctx context.Context, serviceName, method string, args []any) (any, error)
}

// OnAction, if set, is called after every individual action executes
// (success or failure), letting a caller record per-action traces and
// metrics without Executor depending on those packages directly.
type OnAction func(ruleID string, index int, kind model.ActionKind, err error, d time.Duration)

// Executor applies RuleActions.
type Executor struct {
	Facts     *fact.Store
	Events    *event.Store
	Timers    TimerScheduler
	Services  ServiceCaller
	Evaluator *condition.Evaluator
	Logger    *slog.Logger
	OnAction  OnAction

	ruleLocksMu sync.Mutex
	ruleLocks   map[string]*sync.Mutex
}

// New creates an action executor.
func New(facts *fact.Store, events *event.Store, timers TimerScheduler, services ServiceCaller, evaluator *condition.Evaluator, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		Facts:     facts,
		Events:    events,
		Timers:    timers,
		Services:  services,
		Evaluator: evaluator,
		Logger:    logger,
		ruleLocks: make(map[string]*sync.Mutex),
	}
}

func (x *Executor) lockFor(ruleID string) *sync.Mutex {
	x.ruleLocksMu.Lock()
	defer x.ruleLocksMu.Unlock()
	l, ok := x.ruleLocks[ruleID]
	if !ok {
		l = &sync.Mutex{}
		x.ruleLocks[ruleID] = l
	}
	return l
}

// emittedKey carries the per-firing collector slice through ctx so
// emitEvent (and nested conditional/for_each calls sharing the same
// ctx) can report produced events back to ExecuteAll's caller without
// widening every action's signature.
type emittedKey struct{}

func collectEmitted(ctx context.Context) *[]model.Event {
	v, _ := ctx.Value(emittedKey{}).(*[]model.Event)
	return v
}

// ExecuteAll runs every action in order under ruleID's serialization
// lock. Per spec's ActionFailed policy, a failing action is logged and
// the remaining actions still run — except a call_service action whose
// OnError is "fail", which aborts the rest of the firing immediately.
// The returned error, if any, joins every action failure encountered.
// The returned events are those produced by emit_event actions (including
// ones nested in conditional/for_each bodies), in the order they fired,
// so a caller driving a cascade can dispatch them after this firing
// completes.
func (x *Executor) ExecuteAll(ctx context.Context, actions []model.RuleAction, ruleID string, evalCtx condition.Context) ([]model.Event, error) {
	lock := x.lockFor(ruleID)
	lock.Lock()
	defer lock.Unlock()

	var emitted []model.Event
	ctx = context.WithValue(ctx, emittedKey{}, &emitted)

	var failures []error
	for i, a := range actions {
		start := time.Now()
		err := x.execute(ctx, a, ruleID, evalCtx)
		if x.OnAction != nil {
			x.OnAction(ruleID, i, a.Kind, err, time.Since(start))
		}
		if err != nil {
			wrapped := fmt.Errorf("action %d (%s): %w", i, a.Kind, err)
			failures = append(failures, wrapped)
			x.Logger.Warn("action failed, continuing firing", "rule_id", ruleID, "index", i, "kind", a.Kind, "error", err)

			if a.Kind == model.ActionCallService && a.CallService != nil && a.CallService.OnError == "fail" {
				break
			}
		}
	}
	return emitted, errors.Join(failures...)
}

func (x *Executor) execute(ctx context.Context, a model.RuleAction, ruleID string, evalCtx condition.Context) error {
	switch a.Kind {
	case model.ActionSetFact:
		return x.setFact(a.SetFact, evalCtx)
	case model.ActionDeleteFact:
		return x.deleteFact(a.DeleteFact)
	case model.ActionEmitEvent:
		return x.emitEvent(ctx, a.EmitEvent, evalCtx)
	case model.ActionSetTimer:
		return x.setTimer(a.SetTimer, ruleID, correlationOf(evalCtx))
	case model.ActionCancelTimer:
		return x.cancelTimer(a.CancelTimer)
	case model.ActionCallService:
		return x.callService(ctx, a.CallService, evalCtx)
	case model.ActionLog:
		return x.log(a.Log, evalCtx)
	case model.ActionConditional:
		return x.conditional(ctx, a.Conditional, ruleID, evalCtx)
	case model.ActionForEach:
		return x.forEach(ctx, a.ForEach, ruleID, evalCtx)
	default:
		return errs.Newf(errs.InvalidArgument, "unknown action kind %q", a.Kind)
	}
}

func correlationOf(ctx condition.Context) string {
	if ctx.Ambient == nil {
		return ""
	}
	if v, ok := ctx.Ambient["correlationId"].(string); ok {
		return v
	}
	return ""
}

func causationOf(ctx condition.Context) string {
	if ctx.Ambient == nil {
		return ""
	}
	if v, ok := ctx.Ambient["causationId"].(string); ok {
		return v
	}
	return ""
}

func (x *Executor) resolveValue(v model.Value, ctx condition.Context) any {
	resolved, err := x.Evaluator.ResolveValue(v, ctx)
	if err != nil {
		return nil
	}
	return resolved
}

func (x *Executor) setFact(p *model.SetFactPayload, ctx condition.Context) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "set_fact action missing payload")
	}
	_, err := x.Facts.Set(p.Key, x.resolveValue(p.Value, ctx), "rule")
	return err
}

func (x *Executor) deleteFact(p *model.DeleteFactPayload) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "delete_fact action missing payload")
	}
	x.Facts.Delete(p.Key)
	return nil
}

func (x *Executor) emitEvent(ctx context.Context, p *model.EmitEventPayload, evalCtx condition.Context) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "emit_event action missing payload")
	}
	data := make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		data[k] = x.resolveValue(v, evalCtx)
	}
	corrID := p.CorrelationID
	if corrID == "" {
		corrID = correlationOf(evalCtx)
	}
	ev, err := x.Events.Append(model.EventDraft{
		Topic:         p.Topic,
		Data:          data,
		Source:        "rule",
		CorrelationID: corrID,
		CausationID:   causationOf(evalCtx),
	})
	if err != nil {
		return err
	}
	if collector := collectEmitted(ctx); collector != nil {
		*collector = append(*collector, ev)
	}
	return nil
}

func (x *Executor) setTimer(p *model.SetTimerPayload, ruleID, correlationID string) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "set_timer action missing payload")
	}
	if x.Timers == nil {
		return errs.New(errs.InvalidArgument, "no timer scheduler configured")
	}
	return x.Timers.Set(p.Timer, ruleID, correlationID)
}

func (x *Executor) cancelTimer(p *model.CancelTimerPayload) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "cancel_timer action missing payload")
	}
	if x.Timers == nil {
		return errs.New(errs.InvalidArgument, "no timer scheduler configured")
	}
	x.Timers.Cancel(p.Name)
	return nil
}

func (x *Executor) callService(ctx context.Context, p *model.CallServicePayload, evalCtx condition.Context) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "call_service action missing payload")
	}
	if x.Services == nil {
		return errs.New(errs.InvalidArgument, "no service registry configured")
	}
	args := make([]any, len(p.Args))
	for i, v := range p.Args {
		args[i] = x.resolveValue(v, evalCtx)
	}
	result, err := x.Services.Call(ctx, p.Service, p.Method, args)
	if err != nil {
		if p.OnError == "ignore" {
			x.Logger.Warn("call_service action failed, ignoring", "service", p.Service, "method", p.Method, "error", err)
			return nil
		}
		return err
	}
	if p.ResultKey != "" && evalCtx.Ambient != nil {
		evalCtx.Ambient[p.ResultKey] = result
	}
	return nil
}

func (x *Executor) log(p *model.LogPayload, ctx condition.Context) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "log action missing payload")
	}
	level := slog.LevelInfo
	switch p.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	x.Logger.Log(context.Background(), level, x.Evaluator.InterpolateString(p.Message, ctx))
	return nil
}

func (x *Executor) conditional(ctx context.Context, p *model.ConditionalPayload, ruleID string, evalCtx condition.Context) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "conditional action missing payload")
	}
	matched, err := x.Evaluator.EvaluateAll(p.Conditions, evalCtx)
	if err != nil {
		return err
	}
	branch := p.Else
	if matched {
		branch = p.Then
	}
	for i, a := range branch {
		if err := x.execute(ctx, a, ruleID, evalCtx); err != nil {
			return fmt.Errorf("conditional branch action %d: %w", i, err)
		}
	}
	return nil
}

func (x *Executor) forEach(ctx context.Context, p *model.ForEachPayload, ruleID string, evalCtx condition.Context) error {
	if p == nil {
		return errs.New(errs.InvalidArgument, "for_each action missing payload")
	}
	items := x.resolveValue(p.Items, evalCtx)
	list, ok := items.([]any)
	if !ok {
		return errs.Newf(errs.InvalidArgument, "for_each items resolved to %T, want a list", items)
	}

	for i, item := range list {
		iterAmbient := make(map[string]any, len(evalCtx.Ambient)+2)
		for k, v := range evalCtx.Ambient {
			iterAmbient[k] = v
		}
		iterAmbient["item"] = item
		iterAmbient["index"] = i
		iterCtx := condition.Context{
			Event:     evalCtx.Event,
			Ambient:   iterAmbient,
			Facts:     evalCtx.Facts,
			Lookups:   evalCtx.Lookups,
			Baselines: evalCtx.Baselines,
		}
		for j, a := range p.Body {
			if err := x.execute(ctx, a, ruleID, iterCtx); err != nil {
				return fmt.Errorf("for_each item %d action %d: %w", i, j, err)
			}
		}
	}
	return nil
}
