// Package baseline implements the statistical baseline provider (spec
// §9 component M) behind the condition package's BaselineProvider
// interface: a per-metric rolling mean/variance used to score new
// observations by standard deviations from the running mean (a
// z-score), grounded on the teacher's in-process aggregation shape
// (engine.RuleEngine.enrichContext's Aggregated map), implemented here
// with Welford's online algorithm since no example repo carries a
// statistics library.
package baseline

import (
	"math"
	"sync"

	"github.com/ruleforge/engine/internal/errs"
)

type metricState struct {
	count int64
	mean  float64
	m2    float64
	last  float64
}

// Store tracks a running mean/variance per metric name and scores new
// observations as z-scores against it.
type Store struct {
	mu      sync.Mutex
	metrics map[string]*metricState
}

// New creates an empty baseline store.
func New() *Store {
	return &Store{metrics: make(map[string]*metricState)}
}

// Observe folds value into metric's running statistics (Welford's
// algorithm), so later Score calls reflect it.
func (s *Store) Observe(metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.metrics[metric]
	if !ok {
		st = &metricState{}
		s.metrics[metric] = st
	}
	st.count++
	delta := value - st.mean
	st.mean += delta / float64(st.count)
	delta2 := value - st.mean
	st.m2 += delta * delta2
	st.last = value
}

// Score returns how many standard deviations the metric's most
// recently observed value sits from its running mean, satisfying
// condition.BaselineProvider. sensitivity scales the reported score
// (higher sensitivity amplifies small deviations), matching the
// ConditionSource.Sensitivity field's intent.
func (s *Store) Score(metric string, sensitivity float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.metrics[metric]
	if !ok || st.count < 2 {
		return 0, errs.Newf(errs.NotFound, "no baseline established yet for metric %q", metric)
	}

	variance := st.m2 / float64(st.count-1)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0, nil
	}

	if sensitivity <= 0 {
		sensitivity = 1
	}
	return sensitivity * math.Abs(st.last-st.mean) / stddev, nil
}

// Reset clears a metric's accumulated statistics.
func (s *Store) Reset(metric string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metrics, metric)
}
