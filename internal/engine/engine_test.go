package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/engine/internal/config"
	"github.com/ruleforge/engine/internal/model"
	"github.com/ruleforge/engine/internal/rule"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Config{
		MaxConcurrency:  4,
		MaxCascadeDepth: 10,
		ShutdownTimeout: 2 * time.Second,
	}
	cfg.Persistence.Adapter = "memory"
	e, err := New(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func countAuditType(entries []model.AuditEntry, typ model.TraceType) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestSimpleEventRule(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.RegisterRule(rule.Draft{
		Name:    "R1",
		Enabled: true,
		Trigger: model.EventTrigger("user.created"),
		Actions: []model.RuleAction{
			{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{
				Key: "user:last", Value: model.RefTo("event", "userId"),
			}},
		},
	})
	require.NoError(t, err)

	_, err = e.Emit(model.EventDraft{Topic: "user.created", Data: map[string]any{"userId": "U1"}})
	require.NoError(t, err)

	f, ok := e.facts.Get("user:last")
	require.True(t, ok)
	assert.Equal(t, "U1", f.Value)

	executed := e.auditLog.ByCategory(model.CategoryRule)
	assert.Equal(t, 1, countAuditType(executed, model.TraceRuleExecuted))
}

func TestGroupDisableCascade(t *testing.T) {
	e := newTestEngine(t)
	g := e.RegisterGroup("g1", "")
	require.NoError(t, e.SetGroupEnabled(g.ID, true))

	_, err := e.RegisterRule(rule.Draft{
		Name:    "R2",
		Enabled: true,
		Group:   g.ID,
		Trigger: model.EventTrigger("invoice.created"),
		Actions: []model.RuleAction{
			{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "billing.fired", Value: model.Lit(true)}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.SetGroupEnabled(g.ID, false))
	_, err = e.Emit(model.EventDraft{Topic: "invoice.created"})
	require.NoError(t, err)
	_, ok := e.facts.Get("billing.fired")
	assert.False(t, ok, "rule should not fire while its group is disabled")

	require.NoError(t, e.SetGroupEnabled(g.ID, true))
	_, err = e.Emit(model.EventDraft{Topic: "invoice.created"})
	require.NoError(t, err)
	f, ok := e.facts.Get("billing.fired")
	require.True(t, ok)
	assert.Equal(t, true, f.Value)
}

func TestSequenceTemporalRule(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.RegisterRule(rule.Draft{
		Name:    "R-seq",
		Enabled: true,
		Trigger: model.TemporalTrigger(model.TemporalPattern{
			Kind: model.TemporalSequence,
			Events: []model.EventMatcher{
				{Topic: "login.failed"}, {Topic: "login.failed"}, {Topic: "login.failed"},
			},
			Within:  5 * time.Minute,
			GroupBy: "userId",
		}),
		Actions: []model.RuleAction{
			{Kind: model.ActionSetFact, SetFact: &model.SetFactPayload{Key: "sequence.matched", Value: model.Lit(true)}},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Emit(model.EventDraft{Topic: "login.failed", Data: map[string]any{"userId": "u"}})
		require.NoError(t, err)
	}

	f, ok := e.facts.Get("sequence.matched")
	require.True(t, ok, "sequence pattern should have matched after 3 events")
	assert.Equal(t, true, f.Value)
}

// reentrancyCounter detects whether two calls ever run concurrently
// and tallies how many completed, standing in for spec scenario 4's
// "read k then write k+1" race: if the executor's per-rule lock ever
// let two firings of the same rule interleave, inFlight would already
// be true on entry and reentrant would be recorded.
type reentrancyCounter struct {
	mu        sync.Mutex
	inFlight  bool
	reentrant bool
	completed int
}

func (c *reentrancyCounter) Call(ctx context.Context, serviceName, method string, args []any) (any, error) {
	c.mu.Lock()
	if c.inFlight {
		c.reentrant = true
	}
	c.inFlight = true
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.inFlight = false
	c.completed++
	c.mu.Unlock()
	return nil, nil
}

func TestPerRuleSerializationUnderConcurrentEmits(t *testing.T) {
	e := newTestEngine(t)
	counter := &reentrancyCounter{}
	e.executor.Services = counter

	_, err := e.RegisterRule(rule.Draft{
		Name:    "R-counter",
		Enabled: true,
		Trigger: model.EventTrigger("bump"),
		Actions: []model.RuleAction{
			{Kind: model.ActionCallService, CallService: &model.CallServicePayload{Service: "counter", Method: "inc"}},
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Emit(model.EventDraft{Topic: "bump"})
		}()
	}
	wg.Wait()

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 2, counter.completed, "both concurrent firings of the same rule should complete")
	assert.False(t, counter.reentrant, "per-rule serialization must prevent two firings of the same rule running concurrently")
}

func TestRepeatingTimer(t *testing.T) {
	e := newTestEngine(t)
	err := e.SetTimer(model.TimerSpec{
		Name:     "t",
		Duration: 50 * time.Millisecond,
		OnExpire: model.EmitEventPayload{Topic: "tick"},
		Repeat:   &model.RepeatSpec{Interval: 50 * time.Millisecond, MaxCount: 3},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.events.ByTopic("tick")) == 3
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return e.timers.Pending() == 0
	}, time.Second, 20*time.Millisecond)
}

func TestCascadeDepthLimit(t *testing.T) {
	cfg := config.Config{MaxConcurrency: 2, MaxCascadeDepth: 10, ShutdownTimeout: 2 * time.Second}
	cfg.Persistence.Adapter = "memory"
	e, err := New(cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	e.Start()
	defer e.Stop()

	_, err = e.RegisterRule(rule.Draft{
		Name:    "R3",
		Enabled: true,
		Trigger: model.EventTrigger("x"),
		Actions: []model.RuleAction{
			{Kind: model.ActionEmitEvent, EmitEvent: &model.EmitEventPayload{Topic: "x"}},
		},
	})
	require.NoError(t, err)

	_, err = e.Emit(model.EventDraft{Topic: "x"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries := e.auditLog.ByCategory(model.CategoryRule)
		return countAuditType(entries, model.TraceRuleFailed) >= 1
	}, time.Second, 10*time.Millisecond)

	entries := e.auditLog.ByCategory(model.CategoryRule)
	assert.Equal(t, 10, countAuditType(entries, model.TraceRuleExecuted))
	assert.Equal(t, 1, countAuditType(entries, model.TraceRuleFailed))
}

func TestRuleDispatchOrderIsStableByPriorityThenID(t *testing.T) {
	e := newTestEngine(t)
	var mu sync.Mutex
	var fired []string

	names := []string{"A", "B", "C"}
	for _, n := range names {
		_, err := e.RegisterRule(rule.Draft{
			Name:     n,
			Enabled:  true,
			Priority: 1,
			Trigger:  model.EventTrigger("order.test"),
			Actions: []model.RuleAction{
				{Kind: model.ActionLog, Log: &model.LogPayload{Level: "info", Message: n}},
			},
		})
		require.NoError(t, err)
	}

	// ForEventTopic already applies the (-priority, id) stable sort
	// (internal/rule.Manager.collect) — this is the order dispatch
	// must reproduce.
	expected := e.rules.ForEventTopic("order.test")
	require.Len(t, expected, 3)

	orig := e.onAction
	e.executor.OnAction = func(ruleID string, index int, kind model.ActionKind, err error, d time.Duration) {
		mu.Lock()
		r, _ := e.rules.Get(ruleID)
		if r != nil {
			fired = append(fired, r.ID)
		}
		mu.Unlock()
		orig(ruleID, index, kind, err, d)
	}

	_, err := e.Emit(model.EventDraft{Topic: "order.test"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 3)
	for i, r := range expected {
		assert.Equal(t, r.ID, fired[i])
	}
}
