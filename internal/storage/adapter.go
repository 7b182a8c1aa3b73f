// Package storage defines the StorageAdapter boundary (spec §9
// component K) for persisting audit entries and timer snapshots, plus
// an in-memory reference implementation. The engine writes audit
// batches through it when audit persistence is configured; nothing in
// the engine or the timer scheduler calls SaveTimers or LoadTimers, so
// timers are not saved or replayed across restarts.
// Concrete disk-backed adapters (Postgres, etc.) are explicitly out of
// scope (see DESIGN.md's dropped-dependency notes for sqlx/lib/pq);
// the interface is grounded on the teacher's repository pattern
// (database.AlertRepository/RuleRepository: narrow, context-aware CRUD
// surfaces behind an interface) generalized to an append-only batch
// writer instead of relational CRUD.
package storage

import (
	"context"
	"sync"

	"github.com/ruleforge/engine/internal/model"
)

// Adapter persists audit entries and timer snapshots for an engine
// that wants state to survive a restart. All methods must be safe for
// concurrent use.
type Adapter interface {
	// AppendAudit durably records a batch of audit entries.
	AppendAudit(ctx context.Context, entries []model.AuditEntry) error
	// LoadAudit returns up to limit persisted audit entries, most
	// recent first.
	LoadAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
	// SaveTimers replaces the persisted timer snapshot wholesale.
	SaveTimers(ctx context.Context, timers []model.Timer) error
	// LoadTimers returns the last persisted timer snapshot.
	LoadTimers(ctx context.Context) ([]model.Timer, error)
	// Close releases any resources held by the adapter.
	Close() error
}

// MemoryAdapter is a process-local Adapter implementation, suitable
// for tests and for deployments that accept losing audit/timer state
// across restarts.
type MemoryAdapter struct {
	mu     sync.Mutex
	audit  []model.AuditEntry
	timers []model.Timer
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

func (m *MemoryAdapter) AppendAudit(_ context.Context, entries []model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entries...)
	return nil
}

func (m *MemoryAdapter) LoadAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.audit[n-1-i]
	}
	return out, nil
}

func (m *MemoryAdapter) SaveTimers(_ context.Context, timers []model.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers = append([]model.Timer(nil), timers...)
	return nil
}

func (m *MemoryAdapter) LoadTimers(_ context.Context) ([]model.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Timer(nil), m.timers...), nil
}

func (m *MemoryAdapter) Close() error { return nil }
