package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrabReleaseOrder(t *testing.T) {
	m := New("test", 64)

	var mu sync.Mutex
	var order []int64

	var wg sync.WaitGroup
	for _, pos := range []int64{3, 1, 2} {
		pos := pos
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.Grab(pos))
			mu.Lock()
			order = append(order, pos)
			mu.Unlock()
			m.Release(pos)
		}()
	}
	wg.Wait()

	assert.Equal(t, []int64{1, 2, 3}, order)
	assert.Equal(t, int64(4), m.Current())
}

func TestSelfCancelAdvances(t *testing.T) {
	m := New("test", 64)
	require.NoError(t, m.Grab(1))
	m.Release(1)
	m.SelfCancel(2)
	assert.Equal(t, int64(3), m.Current())
}

func TestInterruptWakesWaiter(t *testing.T) {
	m := New("test", 64)
	require.NoError(t, m.Grab(1))

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Grab(2)
	}()

	// give the goroutine a chance to block on pos 2
	time.Sleep(10 * time.Millisecond)
	ok := m.Interrupt(2)
	assert.True(t, ok)

	m.Release(1)

	select {
	case err := <-errCh:
		var gerr *GrabError
		require.ErrorAs(t, err, &gerr)
		assert.Equal(t, ErrInterrupted, gerr.Kind)
	case <-time.After(time.Second):
		t.Fatal("grab did not return after interrupt")
	}
}

func TestInterruptPastPositionFails(t *testing.T) {
	m := New("test", 64)
	require.NoError(t, m.Grab(1))
	m.Release(1)
	assert.False(t, m.Interrupt(1))
}
