package action

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/engine/internal/condition"
	"github.com/ruleforge/engine/internal/event"
	"github.com/ruleforge/engine/internal/fact"
	"github.com/ruleforge/engine/internal/model"
)

type noopTimers struct{}

func (noopTimers) Set(spec model.TimerSpec, ruleID, correlationID string) error { return nil }
func (noopTimers) Cancel(name string) bool                                     { return true }

func newExecutor() (*Executor, *fact.Store, *event.Store) {
	facts := fact.New(0)
	events := event.New(0, 0)
	exec := New(facts, events, noopTimers{}, nil, condition.New(), nil)
	return exec, facts, events
}

func TestSetFactAction(t *testing.T) {
	exec, facts, _ := newExecutor()
	actions := []model.RuleAction{
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "k", Value: model.Lit("v")}},
	}
	_, err := exec.ExecuteAll(context.Background(), actions, "rule-1", condition.Context{Facts: facts})
	require.NoError(t, err)

	got, ok := facts.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got.Value)
}

func TestDeleteFactAction(t *testing.T) {
	exec, facts, _ := newExecutor()
	_, _ = facts.Set("k", 1, "test")
	actions := []model.RuleAction{{Kind: model.ActionDeleteFact, DeleteFact: &model.DeleteFactPayload{Key: "k"}}}
	_, err := exec.ExecuteAll(context.Background(), actions, "rule-1", condition.Context{Facts: facts})
	require.NoError(t, err)
	_, ok := facts.Get("k")
	assert.False(t, ok)
}

func TestEmitEventAction(t *testing.T) {
	exec, facts, events := newExecutor()
	actions := []model.RuleAction{
		{Kind: model.ActionEmitEvent, EmitEvent: &model.EmitEventPayload{
			Topic: "alert.raised",
			Data:  map[string]model.Value{"severity": model.Lit("high")},
		}},
	}
	emitted, err := exec.ExecuteAll(context.Background(), actions, "rule-1", condition.Context{Facts: facts})
	require.NoError(t, err)
	evs := events.ByTopic("alert.raised")
	require.Len(t, evs, 1)
	assert.Equal(t, "high", evs[0].Data["severity"])
	require.Len(t, emitted, 1)
	assert.Equal(t, "alert.raised", emitted[0].Topic)
}

func TestConditionalActionBranches(t *testing.T) {
	exec, facts, _ := newExecutor()
	payload := &model.ConditionalPayload{
		Conditions: []model.RuleCondition{{
			Source:   model.ConditionSource{Kind: model.SourceEvent, Field: "ok"},
			Operator: model.OpEq,
			Value:    model.Lit(true),
		}},
		Then: []model.RuleAction{{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "branch", Value: model.Lit("then")}}},
		Else: []model.RuleAction{{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "branch", Value: model.Lit("else")}}},
	}
	ctx := condition.Context{Facts: facts, Event: map[string]any{"ok": true}}
	_, err := exec.ExecuteAll(context.Background(), []model.RuleAction{{Kind: model.ActionConditional, Conditional: payload}}, "r1", ctx)
	require.NoError(t, err)

	got, _ := facts.Get("branch")
	assert.Equal(t, "then", got.Value)
}

func TestForEachActionBindsItem(t *testing.T) {
	exec, facts, _ := newExecutor()
	payload := &model.ForEachPayload{
		Items: model.RefTo("event", "ids"),
		Body: []model.RuleAction{
			{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "last", Value: model.RefTo("context", "item")}},
		},
	}
	ctx := condition.Context{Facts: facts, Event: map[string]any{"ids": []any{"a", "b", "c"}}}
	_, err := exec.ExecuteAll(context.Background(), []model.RuleAction{{Kind: model.ActionForEach, ForEach: payload}}, "r1", ctx)
	require.NoError(t, err)

	got, _ := facts.Get("last")
	assert.Equal(t, "c", got.Value)
}

func TestExecuteAllContinuesPastNonFatalActionError(t *testing.T) {
	exec, facts, _ := newExecutor()
	actions := []model.RuleAction{
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "k", Value: model.Lit(1)}},
		{Kind: "bogus"},
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "k2", Value: model.Lit(2)}},
	}
	_, err := exec.ExecuteAll(context.Background(), actions, "r1", condition.Context{Facts: facts})
	assert.Error(t, err)
	_, ok := facts.Get("k2")
	assert.True(t, ok, "actions after a non-fatal failure should still run")
}

func TestExecuteAllAbortsOnCallServiceFailOnError(t *testing.T) {
	exec, facts, _ := newExecutor()
	exec.Services = failingServiceCaller{}
	actions := []model.RuleAction{
		{Kind: model.ActionCallService, CallService: &model.CallServicePayload{
			Service: "crm", Method: "notify", OnError: "fail",
		}},
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "after", Value: model.Lit(true)}},
	}
	_, err := exec.ExecuteAll(context.Background(), actions, "r1", condition.Context{Facts: facts})
	assert.Error(t, err)
	_, ok := facts.Get("after")
	assert.False(t, ok, "actions after a call_service onError:fail failure must not run")
}

type failingServiceCaller struct{}

func (failingServiceCaller) Call(ctx context.Context, serviceName, method string, args []any) (any, error) {
	return nil, fmt.Errorf("service unavailable")
}

func TestPerRuleSerialization(t *testing.T) {
	exec, facts, _ := newExecutor()
	var counter int64
	var wg sync.WaitGroup

	actions := []model.RuleAction{
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "counter", Value: model.Lit(1)}},
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = exec.ExecuteAll(context.Background(), actions, "same-rule", condition.Context{Facts: facts})
			atomic.AddInt64(&counter, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), counter)
}

func TestLogActionDoesNotError(t *testing.T) {
	exec, facts, _ := newExecutor()
	actions := []model.RuleAction{{Kind: model.ActionLog, Log: &model.LogPayload{Level: "info", Message: "hello"}}}
	_, err := exec.ExecuteAll(context.Background(), actions, "r1", condition.Context{Facts: facts})
	require.NoError(t, err)
}

func TestLogActionInterpolatesMessage(t *testing.T) {
	exec, facts, _ := newExecutor()
	var buf bytes.Buffer
	exec.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	actions := []model.RuleAction{{Kind: model.ActionLog, Log: &model.LogPayload{
		Level: "info", Message: "user ${event.userId} signed up",
	}}}
	ctx := condition.Context{Facts: facts, Event: map[string]any{"userId": "u1"}}
	_, err := exec.ExecuteAll(context.Background(), actions, "r1", ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "user u1 signed up")
}

func TestSetFactActionInterpolatesLiteralValue(t *testing.T) {
	exec, facts, _ := newExecutor()
	actions := []model.RuleAction{
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{
			Key: "k", Value: model.Lit("hello ${event.name}"),
		}},
	}
	ctx := condition.Context{Facts: facts, Event: map[string]any{"name": "world"}}
	_, err := exec.ExecuteAll(context.Background(), actions, "r1", ctx)
	require.NoError(t, err)

	got, ok := facts.Get("k")
	require.True(t, ok)
	assert.Equal(t, "hello world", got.Value)
}

func TestSetTimerActionRequiresPayload(t *testing.T) {
	exec, facts, _ := newExecutor()
	_, err := exec.ExecuteAll(context.Background(), []model.RuleAction{{Kind: model.ActionSetTimer}}, "r1", condition.Context{Facts: facts})
	assert.Error(t, err)
}

func TestSetTimerActionDelegatesToScheduler(t *testing.T) {
	exec, facts, _ := newExecutor()
	spec := model.TimerSpec{Name: "t1", Duration: time.Second}
	_, err := exec.ExecuteAll(context.Background(), []model.RuleAction{{Kind: model.ActionSetTimer, SetTimer: &model.SetTimerPayload{Timer: spec}}}, "r1", condition.Context{Facts: facts})
	assert.NoError(t, err)
}

func TestOnActionHookFiresPerAction(t *testing.T) {
	exec, facts, _ := newExecutor()
	type call struct {
		index int
		kind  model.ActionKind
		err   error
	}
	var calls []call
	exec.OnAction = func(ruleID string, index int, kind model.ActionKind, err error, d time.Duration) {
		calls = append(calls, call{index, kind, err})
	}

	actions := []model.RuleAction{
		{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "k", Value: model.Lit(1)}},
		{Kind: "bogus"},
	}
	_, _ = exec.ExecuteAll(context.Background(), actions, "r1", condition.Context{Facts: facts})

	require.Len(t, calls, 2)
	assert.Equal(t, model.ActionSetFact, calls[0].kind)
	assert.NoError(t, calls[0].err)
	assert.Error(t, calls[1].err)
}
