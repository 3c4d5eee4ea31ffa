// Package events carries asynchronous, user-visible notifications from
// background workers to a single dispatch goroutine.
//
// Producers publish into a bounded channel; one dispatcher drains it and calls
// subscribers in order. Each event is delivered exactly once to every
// subscriber of its kind, in FIFO order per producer.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/pipelined/pkg/logger"
)

// Kind names an event type.
type Kind string

const (
	// KindErrorOccurred reports a configuration or usage error of a component.
	KindErrorOccurred Kind = "ErrorOccurred"

	// KindServiceStatusChanged reports a new last-upload status.
	KindServiceStatusChanged Kind = "ServiceStatusChanged"

	// KindTaskRun reports that a scheduled action was dispatched.
	KindTaskRun Kind = "TaskRun"
)

// Event is one notification.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Component string         `json:"component"`
	Function  string         `json:"function,omitempty"`
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Handler receives dispatched events.
type Handler func(Event)

// ErrClosed is returned when publishing to a stopped bus.
var ErrClosed = errors.New("event bus closed")

// Bus is a bounded FIFO between publishers and one dispatch goroutine.
type Bus struct {
	ch chan Event

	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewBus creates a bus whose channel holds up to size pending events.
// Call Run to start dispatching.
func NewBus(size int) *Bus {
	if size < 1 {
		size = 1
	}
	return &Bus{
		ch:       make(chan Event, size),
		handlers: make(map[Kind][]Handler),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Subscribe registers h for one kind of event.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event, blocking while the channel is full.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- e:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorOccurred publishes an error event for a component function.
func (b *Bus) ErrorOccurred(ctx context.Context, component, function, message string) {
	logger.Log.Warn().
		Str("component", component).
		Str("function", function).
		Msg(message)
	if err := b.Publish(ctx, Event{
		Kind:      KindErrorOccurred,
		Component: component,
		Function:  function,
		Message:   message,
	}); err != nil {
		logger.Log.Error().Err(err).Str("component", component).Msg("Failed to dispatch error event")
	}
}

// TaskRun reports the outcome of a dispatched action. Unlike Publish it never
// blocks the scheduler: when the channel is full the event is dropped.
func (b *Bus) TaskRun(component, action string, err error, fields map[string]any) {
	e := Event{
		ID:        uuid.New().String(),
		Kind:      KindTaskRun,
		Component: component,
		Function:  action,
		Success:   err == nil,
		Message:   "Task completed",
		At:        time.Now(),
		Fields:    fields,
	}
	if err != nil {
		e.Message = err.Error()
	}
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- e:
	default:
		logger.Log.Debug().Str("component", component).Str("action", action).Msg("Event channel full, dropping task run event")
	}
}

// Run dispatches events until Close is called or ctx is cancelled.
// Events still buffered at Close are delivered before Run returns.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case e := <-b.ch:
			b.dispatch(e)
		case <-ctx.Done():
			return
		case <-b.done:
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

// Close stops the bus and waits for Run to finish if it was started.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Wait blocks until Run has returned.
func (b *Bus) Wait() {
	<-b.stopped
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Kind]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log.Error().Interface("panic", r).Str("kind", string(e.Kind)).Msg("Event handler panicked")
				}
			}()
			h(e)
		}()
	}
}
