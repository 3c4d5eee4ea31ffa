package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestBusDeliversInOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := NewBus(4)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(KindServiceStatusChanged, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	})

	go bus.Run(ctx)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(ctx, Event{Kind: KindServiceStatusChanged, Message: fmt.Sprint(i)}))
	}
	bus.Close()
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 10)
	for i, m := range got {
		assert.Equal(t, fmt.Sprint(i), m)
	}
}

func TestBusRoutesByKind(t *testing.T) {
	bus := NewBus(8)
	ctx := context.Background()

	var errorsSeen, allSeen int
	bus.Subscribe(KindErrorOccurred, func(Event) { errorsSeen++ })
	bus.SubscribeAll(func(Event) { allSeen++ })

	go bus.Run(ctx)
	bus.ErrorOccurred(ctx, "Dropbox", "ScheduleUpload", "only one schedule may run")
	require.NoError(t, bus.Publish(ctx, Event{Kind: KindTaskRun}))
	bus.Close()
	bus.Wait()

	assert.Equal(t, 1, errorsSeen)
	assert.Equal(t, 2, allSeen)
}

func TestBusHandlerPanicDoesNotStopDispatch(t *testing.T) {
	bus := NewBus(2)
	ctx := context.Background()

	delivered := 0
	bus.Subscribe(KindTaskRun, func(e Event) {
		if e.Message == "boom" {
			panic("handler failure")
		}
		delivered++
	})

	go bus.Run(ctx)
	require.NoError(t, bus.Publish(ctx, Event{Kind: KindTaskRun, Message: "boom"}))
	require.NoError(t, bus.Publish(ctx, Event{Kind: KindTaskRun, Message: "ok"}))
	bus.Close()
	bus.Wait()

	assert.Equal(t, 1, delivered)
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewBus(1)
	bus.Close()
	err := bus.Publish(context.Background(), Event{Kind: KindTaskRun})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestPublishBlocksWhenFull(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.Publish(context.Background(), Event{Kind: KindTaskRun}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, Event{Kind: KindTaskRun})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTaskRunDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	bus.TaskRun("SensorDBPipeline", "ARCHIVE_DATA", nil, map[string]any{"task": "ARCHIVE_DATA"})
	// Channel is full; this one is dropped instead of blocking.
	bus.TaskRun("SensorDBPipeline", "ARCHIVE_DATA", fmt.Errorf("disk full"), nil)

	var got []Event
	bus.Subscribe(KindTaskRun, func(e Event) { got = append(got, e) })
	bus.Close()
	bus.Run(context.Background())

	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.Equal(t, "ARCHIVE_DATA", got[0].Fields["task"])
}
