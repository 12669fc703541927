package main

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestPipelineSetRestartWaitsForStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	active := make(map[string]int)
	starts := 0
	maxActive := 0
	release := make(chan struct{})
	run := func(ctx context.Context, channel string) error {
		mu.Lock()
		starts++
		active[channel]++
		if active[channel] > maxActive {
			maxActive = active[channel]
		}
		mu.Unlock()
		<-ctx.Done()
		// a capture finishing its last write
		<-release
		mu.Lock()
		active[channel]--
		mu.Unlock()
		return ctx.Err()
	}
	startCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return starts
	}

	set := newPipelineSet(ctx, run, log.WithField("test", true))
	set.Sync([]string{"somebody"})
	require.Eventually(t, func() bool { return startCount() == 1 }, time.Second, time.Millisecond)

	set.Sync(nil)
	set.Sync([]string{"somebody"})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, startCount())

	close(release)
	require.Eventually(t, func() bool {
		set.Sync([]string{"somebody"})
		return startCount() == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, set.Wait())
	require.Equal(t, 1, maxActive)
}

func TestPipelineSetStopsRemoved(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan string, 2)
	run := func(ctx context.Context, channel string) error {
		<-ctx.Done()
		stopped <- channel
		return ctx.Err()
	}

	set := newPipelineSet(ctx, run, log.WithField("test", true))
	set.Sync([]string{"a", "b"})
	set.Sync([]string{"b"})
	select {
	case channel := <-stopped:
		require.Equal(t, "a", channel)
	case <-time.After(time.Second):
		t.Fatal("removed channel kept running")
	}

	cancel()
	require.NoError(t, set.Wait())
	require.Equal(t, "b", <-stopped)
}
