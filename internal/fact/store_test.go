package fact

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/engine/internal/model"
)

func TestSetAndGet(t *testing.T) {
	s := New(0)

	f, err := s.Set("device:42:status", "online", "test")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Version)

	got, ok := s.Get("device:42:status")
	require.True(t, ok)
	assert.Equal(t, "online", got.Value)
}

func TestSetIncrementsVersion(t *testing.T) {
	s := New(0)
	_, _ = s.Set("k", 1, "a")
	_, _ = s.Set("k", 2, "a")
	f, _ := s.Set("k", 3, "a")
	assert.Equal(t, uint64(3), f.Version)
}

func TestSetRejectsEmptyKey(t *testing.T) {
	s := New(0)
	_, err := s.Set("", 1, "a")
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	s := New(0)
	_, _ = s.Set("k", 1, "a")
	assert.True(t, s.Delete("k"))
	assert.False(t, s.Delete("k"))
	_, ok := s.Get("k")
	assert.False(t, ok)
}

func TestQueryExact(t *testing.T) {
	s := New(0)
	_, _ = s.Set("device:42:status", "on", "a")
	facts := s.Query("device:42:status")
	require.Len(t, facts, 1)
}

func TestQueryWildcard(t *testing.T) {
	s := New(0)
	_, _ = s.Set("device:1:status", "on", "a")
	_, _ = s.Set("device:2:status", "off", "a")
	_, _ = s.Set("device:1:battery", 80, "a")

	facts := s.Query("device:*:status")
	assert.Len(t, facts, 2)

	facts = s.Query("device:1:*")
	assert.Len(t, facts, 2)
}

func TestQueryOnlyScansMatchingArityBucket(t *testing.T) {
	s := New(0)
	_, _ = s.Set("a:b", 1, "x")
	_, _ = s.Set("a:b:c", 2, "x")

	facts := s.Query("*:b")
	require.Len(t, facts, 1)
	assert.Equal(t, "a:b", facts[0].Key)
}

func TestFilter(t *testing.T) {
	s := New(0)
	_, _ = s.Set("k1", 10, "a")
	_, _ = s.Set("k2", 20, "a")
	out := s.Filter(func(f model.Fact) bool {
		v, ok := f.Value.(int)
		return ok && v > 15
	})
	require.Len(t, out, 1)
	assert.Equal(t, "k2", out[0].Key)
}

func TestSubscribeReceivesSetAndDelete(t *testing.T) {
	s := New(4)
	var mu sync.Mutex
	var kinds []ChangeKind

	unsub := s.Subscribe("device:**", func(f model.Fact, kind ChangeKind) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})
	defer unsub()

	_, _ = s.Set("device:1:status", "on", "a")
	s.Delete("device:1:status")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, kinds, 2)
	assert.Equal(t, ChangeSet, kinds[0])
	assert.Equal(t, ChangeDelete, kinds[1])
}

func TestSubscribeFiltersByTopic(t *testing.T) {
	s := New(4)
	received := make(chan model.Fact, 10)
	unsub := s.Subscribe("device:**", func(f model.Fact, kind ChangeKind) {
		received <- f
	})
	defer unsub()

	_, _ = s.Set("sensor:1:reading", 1, "a")
	_, _ = s.Set("device:1:status", "on", "a")
	time.Sleep(20 * time.Millisecond)

	require.Len(t, received, 1)
	assert.Equal(t, "device:1:status", (<-received).Key)
}

func TestMatchesPattern(t *testing.T) {
	assert.True(t, MatchesPattern("device:*:status", "device:42:status"))
	assert.False(t, MatchesPattern("device:*:status", "device:42:battery"))
	assert.False(t, MatchesPattern("device:*", "device:42:status"))
}

func TestMatchMultiSubscriberWildcard(t *testing.T) {
	assert.True(t, matchMulti("device:**", "device:42:status"))
	assert.True(t, matchMulti("**", "anything:at:all"))
	assert.False(t, matchMulti("device:**", "sensor:42:status"))
}

func TestConcurrentSetIsRaceFree(t *testing.T) {
	s := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = s.Set("k", n, "a")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, s.Len())
}

func TestGetAll(t *testing.T) {
	s := New(0)
	_, _ = s.Set("k1", 1, "a")
	_, _ = s.Set("k2", 2, "a")
	assert.Len(t, s.GetAll(), 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := New(4)
	received := make(chan struct{}, 10)
	unsub := s.Subscribe("", func(f model.Fact, kind ChangeKind) {
		received <- struct{}{}
	})
	_, _ = s.Set("k", 1, "a")
	time.Sleep(10 * time.Millisecond)
	unsub()
	for len(received) > 0 {
		<-received
	}
	_, _ = s.Set("k", 2, "a")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, received, 0)
}
