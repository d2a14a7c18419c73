package messages

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesClearThemselves(t *testing.T) {
	l := NewLog(TTLs{LevelInfo: 20 * time.Millisecond})
	l.Info("Loading `ndvi`...")
	l.Error("stays")

	require.Len(t, l.Snapshot(), 2)
	assert.Eventually(t, func() bool {
		s := l.Snapshot()
		return len(s) == 1 && s[0].Text == "stays"
	}, time.Second, 5*time.Millisecond)
}

func TestAppendOrderAndIDs(t *testing.T) {
	l := NewLog(TTLs{})
	a := l.Info("a")
	b := l.Warn("b")
	assert.Less(t, a, b)

	s := l.Snapshot()
	require.Len(t, s, 2)
	assert.Equal(t, "a", s[0].Text)
	assert.Equal(t, LevelWarning, s[1].Level)
}

func TestSubscribersSeeEveryChange(t *testing.T) {
	l := NewLog(TTLs{})
	var mu sync.Mutex
	var sizes []int
	l.Subscribe(func(entries []Entry) {
		mu.Lock()
		sizes = append(sizes, len(entries))
		mu.Unlock()
	})

	l.Info("one")
	l.Info("two")
	l.Clear()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 0}, sizes)
}

func TestSubscribersNeverGoBackwards(t *testing.T) {
	l := NewLog(TTLs{})
	var mu sync.Mutex
	var newest []uint64
	l.Subscribe(func(entries []Entry) {
		var id uint64
		if len(entries) > 0 {
			id = entries[len(entries)-1].ID
		}
		mu.Lock()
		newest = append(newest, id)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Info("tick")
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, newest, 400)
	for i := 1; i < len(newest); i++ {
		assert.GreaterOrEqual(t, newest[i], newest[i-1])
	}
	assert.EqualValues(t, 400, newest[len(newest)-1])
}

func TestClearStopsTimers(t *testing.T) {
	l := NewLog(TTLs{LevelInfo: 10 * time.Millisecond})
	l.Info("x")
	l.Clear()
	assert.Empty(t, l.Snapshot())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.timers)
}
