// internal/pool/pool_test.go
package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	p := New(3, 10)
	defer p.Shutdown(true)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() error {
			defer wg.Done()
			n.Add(1)
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), n.Load())
}

func TestWorkerSurvivesErrorsAndPanics(t *testing.T) {
	p := New(1, 10)
	defer p.Shutdown(true)

	require.NoError(t, p.Submit(func() error { return errors.New("boom") }))
	require.NoError(t, p.Submit(func() error { panic("kaboom") }))

	ran := make(chan struct{})
	require.NoError(t, p.Submit(func() error { close(ran); return nil }))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("single worker did not recover after a failing task")
	}
}

func TestLongTasksOccupyWorkers(t *testing.T) {
	p := New(2, 10)
	release := make(chan struct{})
	started := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(func() error {
			started <- struct{}{}
			<-release
			return nil
		}))
	}

	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third task started while both workers were busy")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, p.Active())
	assert.Equal(t, 1, p.Pending())

	close(release)
	<-started
	p.Shutdown(true)
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := New(1, 1)
	p.Shutdown(true)
	assert.ErrorIs(t, p.Submit(func() error { return nil }), ErrClosed)
}

func TestSubmitQueueFull(t *testing.T) {
	p := New(1, 1)
	block := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, p.Submit(func() error { close(running); <-block; return nil }))
	<-running
	require.NoError(t, p.Submit(func() error { return nil }))
	assert.ErrorIs(t, p.Submit(func() error { return nil }), ErrQueueFull)
	close(block)
	p.Shutdown(true)
}
