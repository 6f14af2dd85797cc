package ioloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	l, _ := startLoop(t)

	var got []int
	for i := 0; i < 50; i++ {
		i := i
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Call(context.Background(), func() {}))

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_SerializesConcurrentPosts(t *testing.T) {
	l, _ := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.Call(context.Background(), func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var final int
	require.NoError(t, l.Call(context.Background(), func() { final = counter }))
	assert.Equal(t, 2000, final)
}

func TestLoop_AssertOnLoop(t *testing.T) {
	l, _ := startLoop(t)

	assert.False(t, l.OnLoop())
	assert.Panics(t, l.AssertOnLoop)

	var onLoop bool
	require.NoError(t, l.Call(context.Background(), func() {
		l.AssertOnLoop()
		onLoop = l.OnLoop()
	}))
	assert.True(t, onLoop)
}

func TestLoop_AssertOnLoopBetweenTasks(t *testing.T) {
	l, cancel := startLoop(t)
	require.NoError(t, l.Call(context.Background(), func() {}))

	panicked := make(chan bool, 1)
	go func() {
		defer func() { panicked <- recover() != nil }()
		l.AssertOnLoop()
	}()
	assert.True(t, <-panicked)

	cancel()
	<-l.Done()
	assert.Panics(t, l.AssertOnLoop)
}

func TestLoop_ClosedAfterCancel(t *testing.T) {
	l, cancel := startLoop(t)
	cancel()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrClosed)
}

func TestLoop_CallHonorsContext(t *testing.T) {
	l, _ := startLoop(t)

	release := make(chan struct{})
	require.NoError(t, l.Post(func() { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Call(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
