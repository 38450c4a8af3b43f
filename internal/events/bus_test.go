package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.Publish(ctx, ProgressEvent{JobID: "job-1", Stage: StageGeneratingOutline, Progress: 10})

	select {
	case ev := <-ch:
		assert.Equal(t, StageGeneratingOutline, ev.Stage)
		assert.Equal(t, 10, ev.Progress)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}

func TestBusIsolatesJobs(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	ch1, cancel1 := bus.Subscribe("job-1")
	defer cancel1()
	_, cancel2 := bus.Subscribe("job-2")
	defer cancel2()

	bus.Publish(ctx, ProgressEvent{JobID: "job-2", Stage: StageRefining, Progress: 90})

	select {
	case <-ch1:
		t.Fatal("job-1 subscriber must not receive job-2 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusDropsWhenSubscriberSlow(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	// 填满缓冲后继续发布不得阻塞
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(ctx, ProgressEvent{JobID: "job-1", Stage: StageGeneratingSections, Progress: i})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestBusCloseEndsStream(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe("job-1")
	defer cancel()

	bus.Close("job-1")

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, bus.SubscriberCount("job-1"))
}

func TestBusCancelIdempotent(t *testing.T) {
	bus := NewBus()

	_, cancel := bus.Subscribe("job-1")
	require.Equal(t, 1, bus.SubscriberCount("job-1"))

	cancel()
	cancel()
	assert.Zero(t, bus.SubscriberCount("job-1"))

	// 取消后发布不应 panic
	bus.Publish(context.Background(), ProgressEvent{JobID: "job-1"})
}
