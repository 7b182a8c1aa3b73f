// Package audit implements the append-only AuditLog and the
// bounded-fan-out TraceBus (spec §4.9/§6). Grounded on the fact
// store's subscriber queue idiom (internal/fact.Store.Subscribe) for
// the TraceBus, and on the teacher's cacheCleanupRoutine ticker for
// the AuditLog's periodic batch flush to an optional storage.Adapter.
package audit

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ruleforge/engine/internal/model"
	"github.com/ruleforge/engine/internal/storage"
)

// TraceBus fans every TraceEntry out to subscribers through a bounded,
// drop-oldest queue per subscriber.
type TraceBus struct {
	mu        sync.Mutex
	subs      map[uint64]chan model.TraceEntry
	nextID    uint64
	queueSize int
}

// NewTraceBus creates a trace bus whose subscriber queues hold
// queueSize entries (0 defaults to 256).
func NewTraceBus(queueSize int) *TraceBus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &TraceBus{subs: make(map[uint64]chan model.TraceEntry), queueSize: queueSize}
}

// Subscribe registers a channel-based listener and returns an
// unsubscribe function.
func (b *TraceBus) Subscribe() (<-chan model.TraceEntry, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan model.TraceEntry, b.queueSize)
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}
}

// Publish fans entry out to every subscriber, dropping the oldest
// queued entry for any subscriber that is behind.
func (b *TraceBus) Publish(entry model.TraceEntry) {
	b.mu.Lock()
	chans := make([]chan model.TraceEntry, 0, len(b.subs))
	for _, ch := range b.subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- entry:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- entry:
			default:
			}
		}
	}
}

// Log is the append-only, categorized audit trail: every TraceEntry
// published to it is retained (subject to a bounded in-memory window)
// and optionally batched out to a storage.Adapter.
type Log struct {
	mu      sync.RWMutex
	ring    *list.List
	maxMem  int
	adapter storage.Adapter
	logger  *slog.Logger

	batchMu   sync.Mutex
	pending   []model.AuditEntry
	batchSize int
}

// NewLog creates an audit log retaining at most maxMemEntries entries
// in memory, flushing batches of batchSize to adapter (nil disables
// persistence).
func NewLog(maxMemEntries, batchSize int, adapter storage.Adapter, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Log{
		ring:      list.New(),
		maxMem:    maxMemEntries,
		adapter:   adapter,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Record converts a TraceEntry to its audited form, appends it to the
// in-memory window, and queues it for persistence.
func (l *Log) Record(trace model.TraceEntry) model.AuditEntry {
	if trace.ID == "" {
		trace.ID = uuid.NewString()
	}
	entry := model.FromTrace(trace)

	l.mu.Lock()
	l.ring.PushBack(entry)
	for l.maxMem > 0 && l.ring.Len() > l.maxMem {
		l.ring.Remove(l.ring.Front())
	}
	l.mu.Unlock()

	if l.adapter != nil {
		l.enqueue(entry)
	}
	return entry
}

func (l *Log) enqueue(entry model.AuditEntry) {
	l.batchMu.Lock()
	l.pending = append(l.pending, entry)
	var batch []model.AuditEntry
	if len(l.pending) >= l.batchSize {
		batch = l.pending
		l.pending = nil
	}
	l.batchMu.Unlock()

	if batch != nil {
		l.flush(batch)
	}
}

func (l *Log) flush(batch []model.AuditEntry) {
	if err := l.adapter.AppendAudit(context.Background(), batch); err != nil {
		l.logger.Error("audit batch persistence failed", "count", len(batch), "error", err)
	}
}

// FlushPending forces any partially filled batch out to the adapter,
// intended to be called on a maintenance schedule or engine shutdown.
func (l *Log) FlushPending() {
	if l.adapter == nil {
		return
	}
	l.batchMu.Lock()
	batch := l.pending
	l.pending = nil
	l.batchMu.Unlock()

	if len(batch) > 0 {
		l.flush(batch)
	}
}

// Recent returns up to n most recently recorded entries, newest first.
func (l *Log) Recent(n int) []model.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := l.ring.Len()
	if n <= 0 || n > total {
		n = total
	}
	out := make([]model.AuditEntry, 0, n)
	e := l.ring.Back()
	for i := 0; i < n && e != nil; i++ {
		out = append(out, e.Value.(model.AuditEntry))
		e = e.Prev()
	}
	return out
}

// ByCategory returns retained entries matching category, newest
// first.
func (l *Log) ByCategory(category model.Category) []model.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.AuditEntry
	for e := l.ring.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(model.AuditEntry)
		if entry.Category == category {
			out = append(out, entry)
		}
	}
	return out
}

// Len returns the number of entries currently retained in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ring.Len()
}
