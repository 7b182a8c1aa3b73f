package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/engine/internal/event"
	"github.com/ruleforge/engine/internal/model"
)

func TestTimerFiresAfterDuration(t *testing.T) {
	events := event.New(0, 0)
	fired := make(chan model.Timer, 1)
	s := New(events, func(tm model.Timer) { fired <- tm })
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Set(model.TimerSpec{Name: "t1", Duration: 20 * time.Millisecond, OnExpire: model.EmitEventPayload{Topic: "timer.fired"}}, "rule-1", "corr-1"))

	select {
	case tm := <-fired:
		assert.Equal(t, "t1", tm.Name)
		assert.Equal(t, "rule-1", tm.RuleID)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	evs := events.ByTopic("timer.fired")
	require.Len(t, evs, 1)
	assert.Equal(t, "corr-1", evs[0].CorrelationID)
}

func TestSetRejectsEmptyName(t *testing.T) {
	s := New(nil, nil)
	err := s.Set(model.TimerSpec{Duration: time.Second}, "r", "")
	assert.Error(t, err)
}

func TestSetRejectsNonPositiveDuration(t *testing.T) {
	s := New(nil, nil)
	err := s.Set(model.TimerSpec{Name: "t", Duration: 0}, "r", "")
	assert.Error(t, err)
}

func TestCancelRemovesPendingTimer(t *testing.T) {
	events := event.New(0, 0)
	fired := make(chan model.Timer, 1)
	s := New(events, func(tm model.Timer) { fired <- tm })
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Set(model.TimerSpec{Name: "t1", Duration: 30 * time.Millisecond}, "r", ""))
	assert.True(t, s.Cancel("t1"))
	assert.False(t, s.Cancel("t1"))

	select {
	case <-fired:
		t.Fatal("cancelled timer should not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSetReplacesExistingTimerByName(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Set(model.TimerSpec{Name: "t1", Duration: time.Hour}, "r", ""))
	require.NoError(t, s.Set(model.TimerSpec{Name: "t1", Duration: 2 * time.Hour}, "r", ""))
	assert.Equal(t, 1, s.Pending())
}

func TestRepeatingTimerFiresMultipleTimes(t *testing.T) {
	events := event.New(0, 0)
	fired := make(chan model.Timer, 10)
	s := New(events, func(tm model.Timer) { fired <- tm })
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Set(model.TimerSpec{
		Name:     "repeat",
		Duration: 15 * time.Millisecond,
		Repeat:   &model.RepeatSpec{Interval: 15 * time.Millisecond, MaxCount: 3},
	}, "r", ""))

	count := 0
	timeout := time.After(2 * time.Second)
	for count < 3 {
		select {
		case <-fired:
			count++
		case <-timeout:
			t.Fatalf("expected 3 firings, got %d", count)
		}
	}
}

func TestPendingReflectsScheduledTimers(t *testing.T) {
	s := New(nil, nil)
	require.NoError(t, s.Set(model.TimerSpec{Name: "a", Duration: time.Hour}, "r", ""))
	require.NoError(t, s.Set(model.TimerSpec{Name: "b", Duration: time.Hour}, "r", ""))
	assert.Equal(t, 2, s.Pending())
}
