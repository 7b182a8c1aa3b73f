// Package rule implements the rule registry (spec §4.3): rules indexed
// by trigger kind for O(1) dispatch, grounded on the teacher's
// compiledRules map-behind-RWMutex idiom
// (engine.RuleEngine.compiledRules in the alerting engine), generalized
// from a flat slice to per-trigger-kind indexes.
package rule

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/fact"
	"github.com/ruleforge/engine/internal/model"
)

// Manager is the rule registry.
type Manager struct {
	mu    sync.RWMutex
	rules map[string]*model.Rule

	// byEventTopic and byFactKey index rule ids by the concrete
	// topic/pattern their trigger matches, so dispatch avoids scanning
	// every registered rule.
	byEventTopic map[string]map[string]struct{}
	byFactKey    map[string]map[string]struct{} // exact fact trigger keys
	wildcardFact []string                       // rule ids whose fact trigger contains '*', scanned explicitly
	byTimer      map[string]map[string]struct{}
	temporal     map[string]struct{} // rule ids with a temporal trigger

	strict bool // reject unknown schema keys instead of warning
}

// New creates an empty rule manager. strict controls whether
// unrecognized payload keys during registration are rejected (true) or
// recorded as warnings (false) — see DESIGN.md's open-question
// decision.
func New(strict bool) *Manager {
	return &Manager{
		rules:        make(map[string]*model.Rule),
		byEventTopic: make(map[string]map[string]struct{}),
		byFactKey:    make(map[string]map[string]struct{}),
		byTimer:      make(map[string]map[string]struct{}),
		temporal:     make(map[string]struct{}),
		strict:       strict,
	}
}

// Draft is the caller-facing description of a rule to register.
type Draft struct {
	Name        string
	Description string
	Priority    int
	Enabled     bool
	Tags        []string
	Group       string
	Trigger     model.Trigger
	Conditions  []model.RuleCondition
	Actions     []model.RuleAction
}

// Register validates and stores draft as a new rule, returning a copy
// of the stored rule (including its assigned id).
func (m *Manager) Register(draft Draft) (*model.Rule, error) {
	if draft.Name == "" {
		return nil, errs.New(errs.ValidationError, "rule name must not be empty")
	}
	if draft.Trigger.Kind == "" {
		return nil, errs.New(errs.ValidationError, "rule trigger kind must not be empty")
	}

	warnings, err := validate(draft)
	if err != nil {
		return nil, err
	}
	if m.strict && len(warnings) > 0 {
		return nil, errs.WithIssues(errs.ValidationError, "rule schema validation failed", warnings)
	}

	now := time.Now()
	tags := make(map[string]struct{}, len(draft.Tags))
	for _, t := range draft.Tags {
		tags[t] = struct{}{}
	}

	r := &model.Rule{
		ID:          uuid.NewString(),
		Name:        draft.Name,
		Description: draft.Description,
		Priority:    draft.Priority,
		Enabled:     draft.Enabled,
		Tags:        tags,
		Group:       draft.Group,
		Trigger:     draft.Trigger,
		Conditions:  draft.Conditions,
		Actions:     draft.Actions,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Warnings:    warnings,
	}

	m.mu.Lock()
	m.rules[r.ID] = r
	m.index(r)
	m.mu.Unlock()

	return r.Clone(), nil
}

// validate checks a draft's structural invariants and returns
// non-fatal warnings for unknown/suspicious shapes (spec §3, open
// question #1).
func validate(draft Draft) ([]string, error) {
	var warnings []string

	switch draft.Trigger.Kind {
	case model.TriggerEvent:
		if draft.Trigger.Topic == "" {
			return nil, errs.New(errs.ValidationError, "event trigger requires a topic")
		}
	case model.TriggerFact:
		if draft.Trigger.Pattern == "" {
			return nil, errs.New(errs.ValidationError, "fact trigger requires a pattern")
		}
	case model.TriggerTimer:
		if draft.Trigger.Name == "" {
			return nil, errs.New(errs.ValidationError, "timer trigger requires a name")
		}
	case model.TriggerTemporal:
		if draft.Trigger.Temporal == nil {
			return nil, errs.New(errs.ValidationError, "temporal trigger requires a pattern")
		}
	default:
		warnings = append(warnings, "unrecognized trigger kind: "+string(draft.Trigger.Kind))
	}

	for i, a := range draft.Actions {
		if a.Kind == "" {
			warnings = append(warnings, "action index out of range or missing kind")
			_ = i
		}
	}

	return warnings, nil
}

// index must be called with mu held.
func (m *Manager) index(r *model.Rule) {
	switch r.Trigger.Kind {
	case model.TriggerEvent:
		if m.byEventTopic[r.Trigger.Topic] == nil {
			m.byEventTopic[r.Trigger.Topic] = make(map[string]struct{})
		}
		m.byEventTopic[r.Trigger.Topic][r.ID] = struct{}{}
	case model.TriggerFact:
		if !containsWildcard(r.Trigger.Pattern) {
			if m.byFactKey[r.Trigger.Pattern] == nil {
				m.byFactKey[r.Trigger.Pattern] = make(map[string]struct{})
			}
			m.byFactKey[r.Trigger.Pattern][r.ID] = struct{}{}
		} else {
			m.wildcardFact = append(m.wildcardFact, r.ID)
		}
	case model.TriggerTimer:
		if m.byTimer[r.Trigger.Name] == nil {
			m.byTimer[r.Trigger.Name] = make(map[string]struct{})
		}
		m.byTimer[r.Trigger.Name][r.ID] = struct{}{}
	case model.TriggerTemporal:
		m.temporal[r.ID] = struct{}{}
	}
}

func containsWildcard(pattern string) bool {
	for _, c := range pattern {
		if c == '*' {
			return true
		}
	}
	return false
}

func (m *Manager) unindex(r *model.Rule) {
	switch r.Trigger.Kind {
	case model.TriggerEvent:
		delete(m.byEventTopic[r.Trigger.Topic], r.ID)
	case model.TriggerFact:
		delete(m.byFactKey[r.Trigger.Pattern], r.ID)
		for i, id := range m.wildcardFact {
			if id == r.ID {
				m.wildcardFact = append(m.wildcardFact[:i], m.wildcardFact[i+1:]...)
				break
			}
		}
	case model.TriggerTimer:
		delete(m.byTimer[r.Trigger.Name], r.ID)
	case model.TriggerTemporal:
		delete(m.temporal, r.ID)
	}
}

// Get returns the rule with id, or ok=false if absent.
func (m *Manager) Get(id string) (*model.Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Delete removes a rule from the registry.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return errs.Newf(errs.NotFound, "rule %s not found", id)
	}
	m.unindex(r)
	delete(m.rules, id)
	return nil
}

// SetEnabled flips a rule's own enabled flag (independent of its
// group's enabled flag).
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return errs.Newf(errs.NotFound, "rule %s not found", id)
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now()
	r.Version++
	return nil
}

// ClearGroup strips groupID from every rule currently assigned to it,
// used when a group is deleted so its members fall back to ungrouped.
func (m *Manager) ClearGroup(groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.Group == groupID {
			r.Group = ""
			r.UpdatedAt = time.Now()
			r.Version++
		}
	}
}

// RecordFired bumps a rule's fire count and last-fired timestamp.
func (m *Manager) RecordFired(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return
	}
	r.FireCount++
	now := time.Now()
	r.LastFiredAt = &now
}

// ForEventTopic returns every rule (clones, priority-descending)
// whose trigger is an event trigger on topic, regardless of enabled
// state.
func (m *Manager) ForEventTopic(topic string) []*model.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byEventTopic[topic]
	return m.collect(ids)
}

// ForFactKey returns every rule whose fact trigger matches key,
// regardless of enabled state, combining the exact-key index with an explicit scan of
// wildcard-pattern rules.
func (m *Manager) ForFactKey(key string) []*model.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make(map[string]struct{})
	for id := range m.byFactKey[key] {
		ids[id] = struct{}{}
	}
	for _, id := range m.wildcardFact {
		r, ok := m.rules[id]
		if !ok {
			continue
		}
		if fact.MatchesPattern(r.Trigger.Pattern, key) {
			ids[id] = struct{}{}
		}
	}
	return m.collect(ids)
}

// ForTimer returns every rule whose timer trigger matches name,
// regardless of enabled state.
func (m *Manager) ForTimer(name string) []*model.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byTimer[name])
}

// Temporal returns every rule with a temporal trigger, regardless of
// enabled state.
func (m *Manager) Temporal() []*model.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.temporal)
}

// All returns a clone of every registered rule, regardless of enabled
// state.
func (m *Manager) All() []*model.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// collect must be called with mu held (read or write). It does not
// filter by enabled state — callers combine it with a group lookup to
// apply EffectivelyEnabled.
func (m *Manager) collect(ids map[string]struct{}) []*model.Rule {
	out := make([]*model.Rule, 0, len(ids))
	for id := range ids {
		r, ok := m.rules[id]
		if !ok {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats summarizes the registry for observability.
type Stats struct {
	TotalRules   int
	EnabledRules int
	ByTriggerKind map[model.TriggerKind]int
}

// GetStats mirrors the teacher's GetRuleStats shape, generalized to
// the indexed trigger-kind registry.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByTriggerKind: make(map[model.TriggerKind]int)}
	for _, r := range m.rules {
		stats.TotalRules++
		if r.Enabled {
			stats.EnabledRules++
		}
		stats.ByTriggerKind[r.Trigger.Kind]++
	}
	return stats
}
