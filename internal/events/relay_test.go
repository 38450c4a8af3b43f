package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRelay(t *testing.T) *Relay {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRelay(rdb, "docgen")
}

func TestRelayForwardsAcrossConnections(t *testing.T) {
	relay := setupRelay(t)
	ctx := context.Background()

	ch, cancel := relay.Subscribe("job-1")
	defer cancel()
	// 等订阅建立
	time.Sleep(50 * time.Millisecond)

	relay.Forward(ctx, ProgressEvent{
		JobID:     "job-1",
		Stage:     StageGeneratingOutline,
		Progress:  10,
		Timestamp: time.Now().UTC(),
	})

	select {
	case ev := <-ch:
		assert.Equal(t, StageGeneratingOutline, ev.Stage)
		assert.Equal(t, 10, ev.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("expected relayed event")
	}
}

func TestRelayClosesOnTerminalEvent(t *testing.T) {
	relay := setupRelay(t)
	ctx := context.Background()

	ch, cancel := relay.Subscribe("job-1")
	defer cancel()
	time.Sleep(50 * time.Millisecond)

	relay.Forward(ctx, ProgressEvent{JobID: "job-1", Stage: StageCompleted, Progress: 100, Timestamp: time.Now().UTC()})

	select {
	case ev, ok := <-ch:
		require.True(t, ok)
		assert.Equal(t, StageCompleted, ev.Stage)
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal event")
	}

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("channel must close after terminal event")
	}
}

func TestRelayIsolatesJobs(t *testing.T) {
	relay := setupRelay(t)
	ctx := context.Background()

	ch, cancel := relay.Subscribe("job-1")
	defer cancel()
	time.Sleep(50 * time.Millisecond)

	relay.Forward(ctx, ProgressEvent{JobID: "job-2", Stage: StageRefining, Progress: 90, Timestamp: time.Now().UTC()})

	select {
	case <-ch:
		t.Fatal("job-1 subscriber must not receive job-2 events")
	case <-time.After(100 * time.Millisecond):
	}
}

// Bus 带转发出口时，本地发布同时进入桥接通道
func TestBusSinkBridgesToRelay(t *testing.T) {
	relay := setupRelay(t)
	bus := NewBus().WithSink(relay.Forward)
	ctx := context.Background()

	remote, cancel := relay.Subscribe("job-1")
	defer cancel()
	time.Sleep(50 * time.Millisecond)

	bus.Publish(ctx, ProgressEvent{JobID: "job-1", Stage: StageGeneratingSections, Progress: 45})

	select {
	case ev := <-remote:
		assert.Equal(t, StageGeneratingSections, ev.Stage)
		assert.Equal(t, 45, ev.Progress)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("expected bridged event")
	}
}
