package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/engine/internal/model"
)

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	s := New(0, 0)
	ev, err := s.Append(model.EventDraft{Topic: "sensor.reading", Source: "test"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestAppendRejectsEmptyTopic(t *testing.T) {
	s := New(0, 0)
	_, err := s.Append(model.EventDraft{})
	assert.Error(t, err)
}

func TestByTopic(t *testing.T) {
	s := New(0, 0)
	_, _ = s.Append(model.EventDraft{Topic: "a"})
	_, _ = s.Append(model.EventDraft{Topic: "b"})
	_, _ = s.Append(model.EventDraft{Topic: "a"})

	evs := s.ByTopic("a")
	require.Len(t, evs, 2)
}

func TestByCorrelation(t *testing.T) {
	s := New(0, 0)
	_, _ = s.Append(model.EventDraft{Topic: "a", CorrelationID: "corr-1"})
	_, _ = s.Append(model.EventDraft{Topic: "b", CorrelationID: "corr-2"})
	_, _ = s.Append(model.EventDraft{Topic: "c", CorrelationID: "corr-1"})

	evs := s.ByCorrelation("corr-1")
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].Topic)
	assert.Equal(t, "c", evs[1].Topic)
}

func TestRetentionByCount(t *testing.T) {
	s := New(2, 0)
	_, _ = s.Append(model.EventDraft{Topic: "a"})
	_, _ = s.Append(model.EventDraft{Topic: "b"})
	_, _ = s.Append(model.EventDraft{Topic: "c"})

	assert.Equal(t, 2, s.Len())
	evs := s.Recent(10)
	require.Len(t, evs, 2)
	assert.Equal(t, "b", evs[0].Topic)
	assert.Equal(t, "c", evs[1].Topic)
}

func TestRetentionByAgeEvictsOnAppend(t *testing.T) {
	s := New(0, 10*time.Millisecond)
	_, _ = s.Append(model.EventDraft{Topic: "old"})
	time.Sleep(20 * time.Millisecond)
	_, _ = s.Append(model.EventDraft{Topic: "new"})

	assert.Equal(t, 1, s.Len())
	evs := s.ByTopic("old")
	assert.Empty(t, evs)
}

func TestEvictionClearsIndexes(t *testing.T) {
	s := New(1, 0)
	_, _ = s.Append(model.EventDraft{Topic: "a", CorrelationID: "corr"})
	_, _ = s.Append(model.EventDraft{Topic: "b", CorrelationID: "corr"})

	assert.Empty(t, s.ByTopic("a"))
	assert.Len(t, s.ByCorrelation("corr"), 1)
}

func TestListenReceivesAppendedEvents(t *testing.T) {
	s := New(0, 0)
	received := make(chan model.Event, 1)
	unsub := s.Listen(func(ev model.Event) { received <- ev })
	defer unsub()

	_, _ = s.Append(model.EventDraft{Topic: "x"})
	select {
	case ev := <-received:
		assert.Equal(t, "x", ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("listener did not receive event")
	}
}

func TestUnlistenStopsDelivery(t *testing.T) {
	s := New(0, 0)
	received := make(chan model.Event, 4)
	unsub := s.Listen(func(ev model.Event) { received <- ev })
	unsub()

	_, _ = s.Append(model.EventDraft{Topic: "x"})
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, received, 0)
}

func TestRecentOrdersOldestFirst(t *testing.T) {
	s := New(0, 0)
	_, _ = s.Append(model.EventDraft{Topic: "1"})
	_, _ = s.Append(model.EventDraft{Topic: "2"})
	_, _ = s.Append(model.EventDraft{Topic: "3"})

	evs := s.Recent(2)
	require.Len(t, evs, 2)
	assert.Equal(t, "2", evs[0].Topic)
	assert.Equal(t, "3", evs[1].Topic)
}
