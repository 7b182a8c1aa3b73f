// Package event implements the bounded-retention event store (spec
// §4.2): a ring buffer indexed by topic and correlation id, grounded
// on the teacher's container/list-based recent-alerts ring
// (internal/engine alertHistory) generalized to arbitrary topics.
package event

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/model"
)

// Listener receives every event appended to the store, after retention
// trimming, in append order.
type Listener func(model.Event)

// Store is the bounded, indexed event ring.
type Store struct {
	mu       sync.RWMutex
	ring     *list.List // of *model.Event, oldest at Front
	byTopic  map[string]map[*list.Element]struct{}
	byCorr   map[string]map[*list.Element]struct{}
	maxLen   int
	maxAge   time.Duration

	listenMu  sync.Mutex
	listeners map[uint64]Listener
	nextLID   uint64
}

// New creates an event store retaining at most maxEvents events, and
// dropping any event older than maxAge on every Append (0 disables the
// corresponding bound).
func New(maxEvents int, maxAge time.Duration) *Store {
	return &Store{
		ring:      list.New(),
		byTopic:   make(map[string]map[*list.Element]struct{}),
		byCorr:    make(map[string]map[*list.Element]struct{}),
		maxLen:    maxEvents,
		maxAge:    maxAge,
		listeners: make(map[uint64]Listener),
	}
}

// Append records draft as a new event, assigning it an id and
// timestamp, trims retention, and fans out to listeners.
func (s *Store) Append(draft model.EventDraft) (model.Event, error) {
	if draft.Topic == "" {
		return model.Event{}, errs.New(errs.InvalidArgument, "event topic must not be empty")
	}

	ev := model.Event{
		ID:            uuid.NewString(),
		Topic:         draft.Topic,
		Data:          draft.Data,
		Timestamp:     time.Now(),
		Source:        draft.Source,
		CorrelationID: draft.CorrelationID,
		CausationID:   draft.CausationID,
	}

	s.mu.Lock()
	elem := s.ring.PushBack(&ev)
	s.index(elem, &ev)
	s.trim()
	s.mu.Unlock()

	s.fanOut(ev)
	return ev, nil
}

func (s *Store) index(elem *list.Element, ev *model.Event) {
	if s.byTopic[ev.Topic] == nil {
		s.byTopic[ev.Topic] = make(map[*list.Element]struct{})
	}
	s.byTopic[ev.Topic][elem] = struct{}{}

	if ev.CorrelationID != "" {
		if s.byCorr[ev.CorrelationID] == nil {
			s.byCorr[ev.CorrelationID] = make(map[*list.Element]struct{})
		}
		s.byCorr[ev.CorrelationID][elem] = struct{}{}
	}
}

func (s *Store) unindex(elem *list.Element, ev *model.Event) {
	if bucket, ok := s.byTopic[ev.Topic]; ok {
		delete(bucket, elem)
		if len(bucket) == 0 {
			delete(s.byTopic, ev.Topic)
		}
	}
	if ev.CorrelationID != "" {
		if bucket, ok := s.byCorr[ev.CorrelationID]; ok {
			delete(bucket, elem)
			if len(bucket) == 0 {
				delete(s.byCorr, ev.CorrelationID)
			}
		}
	}
}

// trim must be called with mu held.
func (s *Store) trim() {
	for s.maxLen > 0 && s.ring.Len() > s.maxLen {
		s.evictFront()
	}
	if s.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.maxAge)
	for {
		front := s.ring.Front()
		if front == nil {
			return
		}
		ev := front.Value.(*model.Event)
		if ev.Timestamp.After(cutoff) {
			return
		}
		s.evictFront()
	}
}

func (s *Store) evictFront() {
	front := s.ring.Front()
	if front == nil {
		return
	}
	ev := front.Value.(*model.Event)
	s.unindex(front, ev)
	s.ring.Remove(front)
}

// ByTopic returns every retained event for topic, oldest first.
func (s *Store) ByTopic(topic string) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.byTopic[topic]
	return s.collectOrdered(bucket)
}

// ByCorrelation returns every retained event sharing correlationID,
// oldest first.
func (s *Store) ByCorrelation(correlationID string) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.byCorr[correlationID]
	return s.collectOrdered(bucket)
}

// collectOrdered walks the ring once (oldest to newest), keeping only
// elements present in bucket, so results stay in append order without
// needing to sort.
func (s *Store) collectOrdered(bucket map[*list.Element]struct{}) []model.Event {
	if len(bucket) == 0 {
		return nil
	}
	out := make([]model.Event, 0, len(bucket))
	for e := s.ring.Front(); e != nil; e = e.Next() {
		if _, ok := bucket[e]; ok {
			out = append(out, *e.Value.(*model.Event))
		}
	}
	return out
}

// Recent returns up to n most recent events across all topics, oldest
// first within the returned slice.
func (s *Store) Recent(n int) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.ring.Len()
	if n <= 0 || n > total {
		n = total
	}
	out := make([]model.Event, 0, n)
	skip := total - n
	i := 0
	for e := s.ring.Front(); e != nil; e = e.Next() {
		if i >= skip {
			out = append(out, *e.Value.(*model.Event))
		}
		i++
	}
	return out
}

// Len returns the number of events currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.Len()
}

// Listen registers listener for every appended event and returns an
// unsubscribe function.
func (s *Store) Listen(listener Listener) func() {
	s.listenMu.Lock()
	s.nextLID++
	id := s.nextLID
	s.listeners[id] = listener
	s.listenMu.Unlock()

	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Store) fanOut(ev model.Event) {
	s.listenMu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenMu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
