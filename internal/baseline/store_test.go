package baseline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreErrorsBeforeEnoughObservations(t *testing.T) {
	s := New()
	s.Observe("request_rate", 10)
	_, err := s.Score("request_rate", 1)
	assert.Error(t, err)
}

func TestScoreFlagsDeviationFromMean(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		s.Observe("request_rate", 100)
	}
	s.Observe("request_rate", 500)

	score, err := s.Score("request_rate", 1)
	require.NoError(t, err)
	assert.Greater(t, score, 1.0)
}

func TestScoreLowForValueNearMean(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			s.Observe("latency_ms", 45)
		} else {
			s.Observe("latency_ms", 55)
		}
	}
	s.Observe("latency_ms", 51)

	score, err := s.Score("latency_ms", 1)
	require.NoError(t, err)
	assert.Less(t, score, 1.0)
}

func TestResetClearsMetric(t *testing.T) {
	s := New()
	s.Observe("m", 1)
	s.Observe("m", 2)
	s.Reset("m")
	_, err := s.Score("m", 1)
	assert.Error(t, err)
}

func TestSensitivityScalesScore(t *testing.T) {
	s := New()
	for i := 0; i < 20; i++ {
		s.Observe("m", 10)
	}
	s.Observe("m", 30)

	low, err := s.Score("m", 1)
	require.NoError(t, err)
	high, err := s.Score("m", 2)
	require.NoError(t, err)
	assert.InDelta(t, low*2, high, 0.0001)
}
