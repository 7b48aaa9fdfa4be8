package shared

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolPreservesPerKeyOrder(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]int{}

	p := NewPool(4, 64, func(_ int, job [2]any) {
		mu.Lock()
		defer mu.Unlock()
		key := job[0].(string)
		got[key] = append(got[key], job[1].(int))
	})
	for i := 0; i < 20; i++ {
		require.True(t, p.TrySubmit("A", [2]any{"A", i}))
		require.True(t, p.TrySubmit("B", [2]any{"B", i}))
	}
	p.Close()

	for _, key := range []string{"A", "B"} {
		require.Len(t, got[key], 20)
		for i, v := range got[key] {
			assert.Equal(t, i, v)
		}
	}
}

func TestPoolRejectsWhenFullOrClosed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := NewPool(1, 1, func(_ int, _ int) {
		started <- struct{}{}
		<-release
	})

	require.True(t, p.TrySubmit("k", 1))
	<-started
	require.True(t, p.TrySubmit("k", 2))
	assert.False(t, p.TrySubmit("k", 3), "queue of one is already full")
	assert.Equal(t, 1, p.Depth())

	close(release)
	p.Close()
	assert.False(t, p.TrySubmit("k", 4))
	p.Close()
}

func TestShardIsStable(t *testing.T) {
	assert.Equal(t, 0, Shard("anything", 1))
	assert.Equal(t, Shard("XAUUSD", 8), Shard("XAUUSD", 8))
	assert.Less(t, Shard("XAUUSD", 8), 8)
}
