// Package group implements rule-group cascade enable/disable (spec
// §4.8), grounded on the teacher's map-behind-RWMutex registry idiom
// (the same shape as engine.RuleEngine.compiledRules, applied to
// groups instead of rules).
package group

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/model"
)

// Manager is the rule-group registry.
type Manager struct {
	mu     sync.RWMutex
	groups map[string]*model.RuleGroup
}

// New creates an empty group manager.
func New() *Manager {
	return &Manager{groups: make(map[string]*model.RuleGroup)}
}

// Create registers a new, enabled-by-default group.
func (m *Manager) Create(name, description string) *model.RuleGroup {
	now := time.Now()
	g := &model.RuleGroup{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.groups[g.ID] = g
	m.mu.Unlock()

	cp := *g
	return &cp
}

// Get returns the group with id, or ok=false if absent.
func (m *Manager) Get(id string) (*model.RuleGroup, bool) {
	if id == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, false
	}
	cp := *g
	return &cp, true
}

// SetEnabled flips a group's enabled flag, cascading to every member
// rule's effective enabled state (model.EffectivelyEnabled reads this
// flag directly, so no per-rule fan-out is needed here).
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return errs.Newf(errs.NotFound, "rule group %s not found", id)
	}
	g.Enabled = enabled
	g.UpdatedAt = time.Now()
	return nil
}

// Delete removes a group. Member rules are not deleted; their Group
// field becomes a dangling reference, which EffectivelyEnabled treats
// as "no group" once Get reports not-found.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return errs.Newf(errs.NotFound, "rule group %s not found", id)
	}
	delete(m.groups, id)
	return nil
}

// All returns every registered group.
func (m *Manager) All() []*model.RuleGroup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.RuleGroup, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		out = append(out, &cp)
	}
	return out
}
