package maintenance

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsEmptyName(t *testing.T) {
	s := New(nil)
	err := s.Register(Job{Schedule: "* * * * *", Run: func() error { return nil }})
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidSchedule(t *testing.T) {
	s := New(nil)
	err := s.Register(Job{Name: "bad", Schedule: "not a schedule", Run: func() error { return nil }})
	assert.Error(t, err)
}

func TestJobRunsOnSchedule(t *testing.T) {
	s := New(nil)
	var calls int32
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Schedule: "@every 1s",
		Run:      func() error { atomic.AddInt32(&calls, 1); return nil },
	}))
	s.Start()
	defer s.Stop()

	time.Sleep(1500 * time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&calls), int32(0))
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := New(nil)
	var calls int32
	require.NoError(t, s.Register(Job{
		Name:     "failing",
		Schedule: "@every 1s",
		Run: func() error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		},
	}))
	s.Start()
	defer s.Stop()

	time.Sleep(2500 * time.Millisecond)
	assert.Greater(t, atomic.LoadInt32(&calls), int32(1))
}

func TestUnregisterStopsFutureRuns(t *testing.T) {
	s := New(nil)
	var calls int32
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Schedule: "@every 10ms",
		Run:      func() error { atomic.AddInt32(&calls, 1); return nil },
	}))
	s.Start()
	s.Unregister("tick")
	time.Sleep(10 * time.Millisecond)
	snapshot := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, snapshot, atomic.LoadInt32(&calls))
	s.Stop()
}
