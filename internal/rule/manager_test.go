package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/engine/internal/model"
)

func eventDraft(topic string) Draft {
	return Draft{
		Name:    "r-" + topic,
		Enabled: true,
		Trigger: model.EventTrigger(topic),
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	m := New(false)
	_, err := m.Register(Draft{Trigger: model.EventTrigger("x")})
	assert.Error(t, err)
}

func TestRegisterRejectsEventTriggerWithoutTopic(t *testing.T) {
	m := New(false)
	_, err := m.Register(Draft{Name: "r", Trigger: model.Trigger{Kind: model.TriggerEvent}})
	assert.Error(t, err)
}

func TestForEventTopicReturnsRegisteredRule(t *testing.T) {
	m := New(false)
	r, err := m.Register(eventDraft("sensor.reading"))
	require.NoError(t, err)

	found := m.ForEventTopic("sensor.reading")
	require.Len(t, found, 1)
	assert.Equal(t, r.ID, found[0].ID)
}

func TestForFactKeyExactAndWildcard(t *testing.T) {
	m := New(false)
	exact, _ := m.Register(Draft{Name: "exact", Enabled: true, Trigger: model.FactTrigger("device:1:status")})
	wild, _ := m.Register(Draft{Name: "wild", Enabled: true, Trigger: model.FactTrigger("device:*:status")})

	found := m.ForFactKey("device:1:status")
	ids := map[string]bool{}
	for _, r := range found {
		ids[r.ID] = true
	}
	assert.True(t, ids[exact.ID])
	assert.True(t, ids[wild.ID])
}

func TestSetEnabledAndDelete(t *testing.T) {
	m := New(false)
	r, _ := m.Register(eventDraft("x"))

	require.NoError(t, m.SetEnabled(r.ID, false))
	got, _ := m.Get(r.ID)
	assert.False(t, got.Enabled)

	require.NoError(t, m.Delete(r.ID))
	_, ok := m.Get(r.ID)
	assert.False(t, ok)
	assert.Empty(t, m.ForEventTopic("x"))
}

func TestRecordFiredIncrementsCount(t *testing.T) {
	m := New(false)
	r, _ := m.Register(eventDraft("x"))
	m.RecordFired(r.ID)
	m.RecordFired(r.ID)

	got, _ := m.Get(r.ID)
	assert.Equal(t, uint64(2), got.FireCount)
	assert.NotNil(t, got.LastFiredAt)
}

func TestCollectOrdersByPriorityThenID(t *testing.T) {
	m := New(false)
	low, _ := m.Register(Draft{Name: "low", Enabled: true, Priority: 1, Trigger: model.EventTrigger("t")})
	high, _ := m.Register(Draft{Name: "high", Enabled: true, Priority: 10, Trigger: model.EventTrigger("t")})

	found := m.ForEventTopic("t")
	require.Len(t, found, 2)
	assert.Equal(t, high.ID, found[0].ID)
	assert.Equal(t, low.ID, found[1].ID)
}

func TestStrictModeRejectsUnknownTriggerKind(t *testing.T) {
	m := New(true)
	_, err := m.Register(Draft{Name: "r", Trigger: model.Trigger{Kind: "bogus"}})
	assert.Error(t, err)
}

func TestNonStrictModeRecordsWarnings(t *testing.T) {
	m := New(false)
	r, err := m.Register(Draft{Name: "r", Trigger: model.Trigger{Kind: "bogus"}})
	require.NoError(t, err)
	assert.NotEmpty(t, r.Warnings)
}

func TestGetStats(t *testing.T) {
	m := New(false)
	_, _ = m.Register(eventDraft("a"))
	_, _ = m.Register(Draft{Name: "b", Enabled: false, Trigger: model.EventTrigger("b")})

	stats := m.GetStats()
	assert.Equal(t, 2, stats.TotalRules)
	assert.Equal(t, 1, stats.EnabledRules)
	assert.Equal(t, 2, stats.ByTriggerKind[model.TriggerEvent])
}
