package blackboard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_TaskNamespaceIsolation(t *testing.T) {
	s := NewStore()
	s.SetTask("t1", "plan", "do the thing")
	s.SetTask("t2", "plan", "do the other thing")

	v1, ok := s.GetTask("t1", "plan")
	require.True(t, ok)
	assert.Equal(t, "do the thing", v1)

	v2, _ := s.GetTask("t2", "plan")
	assert.Equal(t, "do the other thing", v2)

	_, ok = s.GetGlobal("plan")
	assert.False(t, ok)
}

func TestStore_GlobalNamespace(t *testing.T) {
	s := NewStore()
	s.SetGlobal(AdapterCircuitKey("claude-cli"), CircuitOpen)

	v, ok := s.GetGlobal("adapter.circuit:claude-cli")
	require.True(t, ok)
	assert.Equal(t, CircuitOpen, v)

	s.DeleteGlobal(AdapterCircuitKey("claude-cli"))
	_, ok = s.GetGlobal(AdapterCircuitKey("claude-cli"))
	assert.False(t, ok)
}

func TestStore_SubscribeReceivesChanges(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe(8)
	defer cancel()

	s.SetTask("t1", "status", "building")

	select {
	case change := <-ch:
		assert.Equal(t, "t1", change.TaskID)
		assert.Equal(t, "status", change.Key)
		assert.Equal(t, "building", change.Value)
	case <-time.After(time.Second):
		t.Fatal("expected change notification")
	}
}

func TestStore_SlowSubscriberDoesNotBlockWriters(t *testing.T) {
	s := NewStore()
	_, cancel := s.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.SetGlobal(fmt.Sprintf("k%d", i), "v")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a full subscriber channel")
	}
}

func TestStore_Digest(t *testing.T) {
	s := NewStore()
	s.SetTask("t1", "b", "2")
	s.SetTask("t1", "a", "1")

	assert.Equal(t, "a=1\nb=2", s.Digest("t1", 0))

	// Truncated digests keep whole lines only.
	assert.Equal(t, "a=1", s.Digest("t1", 5))
}

func TestStore_DropTask(t *testing.T) {
	s := NewStore()
	s.SetTask("t1", "k", "v")
	s.DropTask("t1")

	_, ok := s.GetTask("t1", "k")
	assert.False(t, ok)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("k%d", j)
				s.SetTask("shared", key, "v")
				s.GetTask("shared", key)
				s.SetGlobal(key, "g")
			}
		}(i)
	}
	wg.Wait()

	_, ok := s.GetTask("shared", "k0")
	assert.True(t, ok)
}
