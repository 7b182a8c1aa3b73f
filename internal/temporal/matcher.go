// Package temporal implements temporal pattern matching (spec §4.6):
// sequence, absence, count, and aggregate patterns evaluated over a
// sliding or tumbling window, partitioned by an optional groupBy key.
// Grounded on the teacher's background-routine idiom
// (engine.RuleEngine.cacheCleanupRoutine/ruleRefreshRoutine: a ticker
// driving periodic sweeps alongside event-driven updates).
package temporal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruleforge/engine/internal/condition"
	"github.com/ruleforge/engine/internal/event"
	"github.com/ruleforge/engine/internal/model"
)

// Match is reported when a tracked pattern is satisfied.
type Match struct {
	RuleID   string
	GroupKey string
	Events   []model.Event
	Value    float64 // count/aggregate result; unset for sequence/absence
	At       time.Time
}

// Callback receives every satisfied temporal pattern.
type Callback func(Match)

type sequenceState struct {
	startedAt time.Time
	collected []model.Event
	nextIdx   int
}

type absenceState struct {
	deadline time.Time
	seenAfter model.Event
	satisfied bool
}

type windowEntry struct {
	at    time.Time
	value float64
	event model.Event
}

type tracked struct {
	ruleID  string
	pattern model.TemporalPattern

	mu         sync.Mutex
	sequences  map[string]*sequenceState
	absences   map[string]*absenceState
	windows    map[string][]windowEntry
}

// Matcher tracks every registered temporal pattern and reports matches
// through Callback.
type Matcher struct {
	events    *event.Store
	evaluator *condition.Evaluator
	onMatch   Callback

	mu       sync.RWMutex
	patterns map[string]*tracked

	unlisten func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a temporal matcher bound to events, reporting matches to
// onMatch.
func New(events *event.Store, evaluator *condition.Evaluator, onMatch Callback) *Matcher {
	return &Matcher{
		events:    events,
		evaluator: evaluator,
		onMatch:   onMatch,
		patterns:  make(map[string]*tracked),
	}
}

// Register starts tracking pattern for ruleID.
func (m *Matcher) Register(ruleID string, pattern model.TemporalPattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[ruleID] = &tracked{
		ruleID:    ruleID,
		pattern:   pattern,
		sequences: make(map[string]*sequenceState),
		absences:  make(map[string]*absenceState),
		windows:   make(map[string][]windowEntry),
	}
}

// Unregister stops tracking ruleID's pattern.
func (m *Matcher) Unregister(ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.patterns, ruleID)
}

// Start subscribes to the event store and begins the absence-deadline
// sweep ticker.
func (m *Matcher) Start(sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	m.unlisten = m.events.Listen(m.onEvent)
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop unsubscribes and halts the sweep goroutine.
func (m *Matcher) Stop() {
	if m.unlisten != nil {
		m.unlisten()
	}
	if m.stopCh != nil {
		close(m.stopCh)
	}
	m.wg.Wait()
}

func (m *Matcher) onEvent(ev model.Event) {
	m.mu.RLock()
	trackedPatterns := make([]*tracked, 0, len(m.patterns))
	for _, t := range m.patterns {
		trackedPatterns = append(trackedPatterns, t)
	}
	m.mu.RUnlock()

	for _, t := range trackedPatterns {
		m.apply(t, ev)
	}
}

func (m *Matcher) apply(t *tracked, ev model.Event) {
	switch t.pattern.Kind {
	case model.TemporalSequence:
		m.applySequence(t, ev)
	case model.TemporalAbsence:
		m.applyAbsence(t, ev)
	case model.TemporalCount:
		m.applyCount(t, ev)
	case model.TemporalAggregate:
		m.applyAggregate(t, ev)
	}
}

func (m *Matcher) matches(em model.EventMatcher, ev model.Event) bool {
	if em.Topic != ev.Topic {
		return false
	}
	if len(em.Where) == 0 {
		return true
	}
	ok, err := m.evaluator.EvaluateAll(em.Where, condition.Context{Event: ev.Data})
	return err == nil && ok
}

func groupKey(pattern model.TemporalPattern, ev model.Event) string {
	if pattern.GroupBy == "" {
		return ""
	}
	v, ok := ev.Data[pattern.GroupBy]
	if !ok {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func (m *Matcher) applySequence(t *tracked, ev model.Event) {
	if len(t.pattern.Events) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupKey(t.pattern, ev)

	if state, ok := t.sequences[key]; ok && state.nextIdx < len(t.pattern.Events) && m.matches(t.pattern.Events[state.nextIdx], ev) {
		m.advanceSequence(t, key, state, ev)
		return
	}

	if m.matches(t.pattern.Events[0], ev) {
		t.sequences[key] = &sequenceState{startedAt: ev.Timestamp, collected: []model.Event{ev}, nextIdx: 1}
		if len(t.pattern.Events) == 1 {
			m.fireSequence(t, key, t.sequences[key])
			delete(t.sequences, key)
		}
	}
}

func (m *Matcher) advanceSequence(t *tracked, key string, state *sequenceState, ev model.Event) {
	if t.pattern.Within > 0 && ev.Timestamp.Sub(state.startedAt) > t.pattern.Within {
		delete(t.sequences, key)
		return
	}
	state.collected = append(state.collected, ev)
	state.nextIdx++
	if state.nextIdx >= len(t.pattern.Events) {
		m.fireSequence(t, key, state)
		delete(t.sequences, key)
	}
}

func (m *Matcher) fireSequence(t *tracked, key string, state *sequenceState) {
	m.onMatch(Match{RuleID: t.ruleID, GroupKey: key, Events: state.collected, At: time.Now()})
}

func (m *Matcher) applyAbsence(t *tracked, ev model.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupKey(t.pattern, ev)

	if m.matches(t.pattern.After, ev) {
		t.absences[key] = &absenceState{deadline: ev.Timestamp.Add(t.pattern.Within), seenAfter: ev}
		return
	}
	if m.matches(t.pattern.Expected, ev) {
		if state, ok := t.absences[key]; ok && !state.satisfied {
			delete(t.absences, key)
		}
	}
}

func (m *Matcher) applyCount(t *tracked, ev model.Event) {
	if !m.matches(t.pattern.Event, ev) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupKey(t.pattern, ev)
	entries := append(t.windows[key], windowEntry{at: ev.Timestamp, event: ev})
	entries = pruneWindow(entries, t.pattern.Window, ev.Timestamp)
	t.windows[key] = entries

	count := float64(len(entries))
	if compare(count, t.pattern.Threshold, t.pattern.Comparison) {
		collected := make([]model.Event, len(entries))
		for i, e := range entries {
			collected[i] = e.event
		}
		m.onMatch(Match{RuleID: t.ruleID, GroupKey: key, Events: collected, Value: count, At: time.Now()})
		if !t.pattern.Sliding {
			t.windows[key] = nil
		}
	}
}

func (m *Matcher) applyAggregate(t *tracked, ev model.Event) {
	if !m.matches(t.pattern.Event, ev) {
		return
	}
	value, ok := numericField(ev.Data, t.pattern.Field)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := groupKey(t.pattern, ev)
	entries := append(t.windows[key], windowEntry{at: ev.Timestamp, value: value, event: ev})
	entries = pruneWindow(entries, t.pattern.Window, ev.Timestamp)
	t.windows[key] = entries

	result := aggregate(entries, t.pattern.Function)
	if compare(result, t.pattern.Threshold, t.pattern.Comparison) {
		collected := make([]model.Event, len(entries))
		for i, e := range entries {
			collected[i] = e.event
		}
		m.onMatch(Match{RuleID: t.ruleID, GroupKey: key, Events: collected, Value: result, At: time.Now()})
		if !t.pattern.Sliding {
			t.windows[key] = nil
		}
	}
}

func pruneWindow(entries []windowEntry, window time.Duration, now time.Time) []windowEntry {
	if window <= 0 {
		return entries
	}
	cutoff := now.Add(-window)
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].at.After(cutoff) })
	return entries[idx:]
}

func aggregate(entries []windowEntry, fn model.AggregateFunction) float64 {
	if len(entries) == 0 {
		return 0
	}
	switch fn {
	case model.AggCount:
		return float64(len(entries))
	case model.AggSum:
		var sum float64
		for _, e := range entries {
			sum += e.value
		}
		return sum
	case model.AggAvg:
		var sum float64
		for _, e := range entries {
			sum += e.value
		}
		return sum / float64(len(entries))
	case model.AggMin:
		min := entries[0].value
		for _, e := range entries[1:] {
			if e.value < min {
				min = e.value
			}
		}
		return min
	case model.AggMax:
		max := entries[0].value
		for _, e := range entries[1:] {
			if e.value > max {
				max = e.value
			}
		}
		return max
	default:
		return 0
	}
}

func compare(actual, threshold float64, cmp model.Comparison) bool {
	switch cmp {
	case model.CmpGte:
		return actual >= threshold
	case model.CmpLte:
		return actual <= threshold
	case model.CmpEq:
		return actual == threshold
	default:
		return false
	}
}

func numericField(data map[string]any, field string) (float64, bool) {
	v, ok := data[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// sweep evaluates every pending absence deadline, firing a match for
// any whose expected event never arrived.
func (m *Matcher) sweep() {
	m.mu.RLock()
	trackedPatterns := make([]*tracked, 0, len(m.patterns))
	for _, t := range m.patterns {
		trackedPatterns = append(trackedPatterns, t)
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, t := range trackedPatterns {
		if t.pattern.Kind != model.TemporalAbsence {
			continue
		}
		t.mu.Lock()
		for key, state := range t.absences {
			if state.satisfied || now.Before(state.deadline) {
				continue
			}
			state.satisfied = true
			m.onMatch(Match{RuleID: t.ruleID, GroupKey: key, Events: []model.Event{state.seenAfter}, At: now})
			delete(t.absences, key)
		}
		t.mu.Unlock()
	}
}
