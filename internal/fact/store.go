// Package fact implements the versioned fact store (spec §4.1): a
// primary key/value map with a segment-wildcard pattern index and a
// bounded-queue subscriber fan-out, grounded on the teacher's
// map-behind-RWMutex idiom (internal/engine.RuleEngine.compiledRules).
package fact

import (
	"strings"
	"sync"
	"time"

	"github.com/ruleforge/engine/internal/errs"
	"github.com/ruleforge/engine/internal/model"
)

// ChangeKind discriminates a subscriber notification.
type ChangeKind string

const (
	ChangeSet    ChangeKind = "set"
	ChangeDelete ChangeKind = "delete"
)

// Subscriber receives fact changes through a bounded, drop-oldest
// per-subscriber queue so a slow subscriber never stalls Set/Delete.
type Subscriber func(f model.Fact, kind ChangeKind)

type subscription struct {
	id     uint64
	queue  chan notification
	cancel chan struct{}
	once   sync.Once
}

type notification struct {
	fact model.Fact
	kind ChangeKind
}

// Store is the versioned fact store.
type Store struct {
	mu    sync.RWMutex
	byKey map[string]model.Fact
	// wildcardIndex[arity] holds every currently-stored key with that
	// many ':'-separated segments, so an arity-n wildcard query only
	// scans the matching bucket.
	wildcardIndex map[int]map[string]struct{}

	subMu       sync.Mutex
	subs        map[uint64]*subscription
	nextSubID   uint64
	queueSize   int
}

// New creates an empty fact store. queueSize bounds each subscriber's
// notification queue (0 defaults to 64).
func New(queueSize int) *Store {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Store{
		byKey:         make(map[string]model.Fact),
		wildcardIndex: make(map[int]map[string]struct{}),
		subs:          make(map[uint64]*subscription),
		queueSize:     queueSize,
	}
}

func arity(key string) int {
	return strings.Count(key, ":") + 1
}

// Set upserts key with value, incrementing version if the key already
// exists (starting at 1 otherwise) and notifying subscribers.
func (s *Store) Set(key string, value any, source string) (model.Fact, error) {
	if key == "" {
		return model.Fact{}, errs.New(errs.InvalidArgument, "fact key must not be empty")
	}

	now := time.Now().UnixMilli()

	s.mu.Lock()
	existing, ok := s.byKey[key]
	version := uint64(1)
	if ok {
		version = existing.Version + 1
	}
	f := model.Fact{Key: key, Value: value, Timestamp: now, Source: source, Version: version}
	s.byKey[key] = f
	if !ok {
		n := arity(key)
		if s.wildcardIndex[n] == nil {
			s.wildcardIndex[n] = make(map[string]struct{})
		}
		s.wildcardIndex[n][key] = struct{}{}
	}
	s.mu.Unlock()

	kind := ChangeSet
	s.notify(f, kind)
	return f, nil
}

// Get returns the fact at key, or ok=false if absent.
func (s *Store) Get(key string) (model.Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.byKey[key]
	return f, ok
}

// Delete removes key, returning whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	f, ok := s.byKey[key]
	if ok {
		delete(s.byKey, key)
		n := arity(key)
		if bucket, present := s.wildcardIndex[n]; present {
			delete(bucket, key)
			if len(bucket) == 0 {
				delete(s.wildcardIndex, n)
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.notify(f, ChangeDelete)
	}
	return ok
}

// Query returns every fact whose key matches pattern. A pattern with
// no '*' segments is treated as an exact key lookup; otherwise only
// the bucket with matching segment-arity is scanned.
func (s *Store) Query(pattern string) []model.Fact {
	if !strings.Contains(pattern, "*") {
		if f, ok := s.Get(pattern); ok {
			return []model.Fact{f}
		}
		return nil
	}

	segs := strings.Split(pattern, ":")
	n := len(segs)

	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.wildcardIndex[n]
	if !ok {
		return nil
	}
	var out []model.Fact
	for key := range bucket {
		if matchExact(segs, strings.Split(key, ":")) {
			out = append(out, s.byKey[key])
		}
	}
	return out
}

// matchExact compares same-arity segment slices with '*' as a single-segment wildcard.
func matchExact(pattern, key []string) bool {
	for i, p := range pattern {
		if p == "*" {
			continue
		}
		if p != key[i] {
			return false
		}
	}
	return true
}

// matchMulti compares a pattern that may contain '**' (zero-or-more
// segments) against a concrete key. Used by subscriber topic
// filtering, not by Query (spec §4.1: '**' is subscriber-only).
func matchMulti(pattern, key string) bool {
	return matchMultiSegs(strings.Split(pattern, ":"), strings.Split(key, ":"))
}

func matchMultiSegs(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	head := pattern[0]
	if head == "**" {
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(key); i++ {
			if matchMultiSegs(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if head != "*" && head != key[0] {
		return false
	}
	return matchMultiSegs(pattern[1:], key[1:])
}

// Filter returns every fact for which predicate returns true.
func (s *Store) Filter(predicate func(model.Fact) bool) []model.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Fact
	for _, f := range s.byKey {
		if predicate(f) {
			out = append(out, f)
		}
	}
	return out
}

// GetAll returns every fact currently stored.
func (s *Store) GetAll() []model.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Fact, 0, len(s.byKey))
	for _, f := range s.byKey {
		out = append(out, f)
	}
	return out
}

// Subscribe registers callback for every fact change matching
// topicPattern ("**" allowed for multi-segment match; "" matches
// everything). It returns an unsubscribe function. Per spec §4.1,
// subscribers must not call back into Set/Delete synchronously; that
// invariant is documented, not enforced.
func (s *Store) Subscribe(topicPattern string, callback Subscriber) func() {
	sub := &subscription{
		queue:  make(chan notification, s.queueSize),
		cancel: make(chan struct{}),
	}

	s.subMu.Lock()
	s.nextSubID++
	sub.id = s.nextSubID
	s.subs[sub.id] = sub
	s.subMu.Unlock()

	go func() {
		for {
			select {
			case n := <-sub.queue:
				if topicPattern == "" || matchMulti(topicPattern, n.fact.Key) {
					callback(n.fact, n.kind)
				}
			case <-sub.cancel:
				return
			}
		}
	}()

	return func() {
		sub.once.Do(func() {
			close(sub.cancel)
			s.subMu.Lock()
			delete(s.subs, sub.id)
			s.subMu.Unlock()
		})
	}
}

// notify fans a change out to every subscriber's bounded queue,
// dropping the oldest queued notification if a subscriber is behind.
func (s *Store) notify(f model.Fact, kind ChangeKind) {
	s.subMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	n := notification{fact: f, kind: kind}
	for _, sub := range subs {
		select {
		case sub.queue <- n:
		default:
			select {
			case <-sub.queue:
			default:
			}
			select {
			case sub.queue <- n:
			default:
			}
		}
	}
}

// Len returns the number of facts currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// MatchesPattern reports whether key matches a single-segment wildcard
// pattern, exported so the rule manager can apply the same semantics
// when indexing fact triggers by pattern.
func MatchesPattern(pattern, key string) bool {
	segs, keySegs := strings.Split(pattern, ":"), strings.Split(key, ":")
	if len(segs) != len(keySegs) {
		return false
	}
	return matchExact(segs, keySegs)
}
