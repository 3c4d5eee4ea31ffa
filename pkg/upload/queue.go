// Package upload serializes file transfers to remote archives.
//
// Each Queue has at most one worker goroutine. The worker is started by the
// first enqueue, drains the queue in FIFO order and exits when it is empty;
// the next enqueue starts a fresh one. Items move through
//
//	Queued -> Uploading -> Succeeded (removed)
//	                    -> Failed(n) -> Queued        (n < max)
//	                                 -> Abandoned     (n == max, or permanent error)
//
// Failures never reach the caller. The outcome of each terminal transition is
// written to the last upload status record, which callers poll.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/metrics"
	"github.com/guido-cesarano/pipelined/pkg/netcheck"
	"github.com/guido-cesarano/pipelined/pkg/status"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Kind names one of the independent queues.
type Kind string

const (
	KindRegular  Kind = "regular"
	KindDatabase Kind = "database"
)

var (
	ErrClosed        = errors.New("upload queue closed")
	ErrUnknownRemote = errors.New("unknown remote archive")
)

// MessageOffline prefixes the status written when the worker finds no usable
// network.
const MessageOffline = "No network connection available"

// Journal keeps a history of finished items. Errors are logged by the queue.
type Journal interface {
	Complete(ctx context.Context, queue string, item tasks.Item) error
	Abandon(ctx context.Context, queue string, item tasks.Item, reason string) error
}

// Options configures a Queue.
type Options struct {
	Kind         Kind
	Remotes      []archive.Remote
	Connectivity netcheck.Connectivity
	Status       *status.Recorder
	Journal      Journal

	// MaxFailures caps attempts per item. Defaults to tasks.MaxFailures.
	MaxFailures int

	// RemoveOnSuccess deletes the local file after a successful upload.
	RemoveOnSuccess bool

	// BreakerFailures is the number of consecutive failures after which a
	// remote is considered down and the worker stops draining. Defaults to 5.
	BreakerFailures int

	// BreakerTimeout is how long a remote stays down before one probe
	// attempt is allowed. Defaults to 30s.
	BreakerTimeout time.Duration
}

// Queue is one FIFO of pending uploads with a single on-demand worker.
type Queue struct {
	kind            Kind
	remotes         map[string]archive.Remote
	breakers        map[string]*gobreaker.CircuitBreaker
	net             netcheck.Connectivity
	status          *status.Recorder
	journal         Journal
	maxFailures     int
	removeOnSuccess bool
	ctx             context.Context
	log             zerolog.Logger

	mu       sync.Mutex
	items    []tasks.Item
	inflight *tasks.Item
	running  bool
	done     chan struct{}
	closed   bool
}

// New creates a queue. Uploads run with ctx.
func New(ctx context.Context, opts Options) *Queue {
	if opts.MaxFailures < 1 {
		opts.MaxFailures = tasks.MaxFailures
	}
	if opts.BreakerFailures < 1 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.Connectivity == nil {
		opts.Connectivity = netcheck.NewChecker(nil)
	}

	q := &Queue{
		kind:            opts.Kind,
		remotes:         make(map[string]archive.Remote, len(opts.Remotes)),
		breakers:        make(map[string]*gobreaker.CircuitBreaker, len(opts.Remotes)),
		net:             opts.Connectivity,
		status:          opts.Status,
		journal:         opts.Journal,
		maxFailures:     opts.MaxFailures,
		removeOnSuccess: opts.RemoveOnSuccess,
		ctx:             ctx,
		log:             logger.For("upload").With().Str("queue", string(opts.Kind)).Logger(),
	}
	for _, r := range opts.Remotes {
		q.remotes[r.ID()] = r
		q.breakers[r.ID()] = q.newBreaker(r.ID(), opts.BreakerFailures, opts.BreakerTimeout)
	}
	return q
}

func (q *Queue) newBreaker(remote string, failures int, timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("%s/%s", q.kind, remote),
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			q.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Remote archive health changed")
		},
	})
}

// Kind returns which queue this is.
func (q *Queue) Kind() Kind { return q.kind }

// Enqueue adds an item unless an item with the same remote and file is
// already queued or being uploaded. It reports whether the item was added.
// Either way a worker is started if none is running, so a repeated request
// retries items left behind while offline.
func (q *Queue) Enqueue(item tasks.Item) (bool, error) {
	if _, ok := q.remotes[item.RemoteTarget]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownRemote, item.RemoteTarget)
	}
	if err := tasks.CheckFolder(item.Folder); err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}

	added := !q.containsLocked(item)
	if added {
		item.FailureCount = 0
		if item.EnqueuedAt.IsZero() {
			item.EnqueuedAt = time.Now()
		}
		q.items = append(q.items, item)
		metrics.QueueDepth.WithLabelValues(string(q.kind)).Set(float64(len(q.items)))
		q.log.Debug().Str("file", item.FilePath).Str("remote", item.RemoteTarget).Msg("Enqueued upload")
	}
	q.startLocked()
	return added, nil
}

func (q *Queue) containsLocked(item tasks.Item) bool {
	if q.inflight != nil && q.inflight.Same(item) {
		return true
	}
	for _, it := range q.items {
		if it.Same(item) {
			return true
		}
	}
	return false
}

func (q *Queue) startLocked() {
	if q.running || len(q.items) == 0 {
		return
	}
	q.running = true
	q.done = make(chan struct{})
	go q.work(q.done)
}

// Len is the number of items waiting, not counting one being uploaded.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the waiting items in order.
func (q *Queue) Items() []tasks.Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]tasks.Item(nil), q.items...)
}

// Running reports whether a worker is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until no worker is running.
func (q *Queue) Wait() {
	for {
		q.mu.Lock()
		if !q.running {
			q.mu.Unlock()
			return
		}
		done := q.done
		q.mu.Unlock()
		<-done
	}
}

// Close rejects further enqueues and waits for the current attempt to end.
// Items still waiting are dropped with the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Wait()
}

func (q *Queue) work(done chan struct{}) {
	defer close(done)
	q.log.Debug().Msg("Upload worker started")

	for {
		q.mu.Lock()
		if q.closed || len(q.items) == 0 {
			q.running = false
			q.mu.Unlock()
			q.log.Debug().Msg("Upload worker exiting")
			return
		}
		item := q.items[0]
		q.mu.Unlock()

		if reason, ok := q.blocked(item); ok {
			// Everything stays queued until a later enqueue restarts the worker.
			metrics.UploadsProcessed.WithLabelValues(string(q.kind), "offline").Inc()
			q.log.Warn().Str("file", item.FilePath).Str("remote", item.RemoteTarget).Msg(reason)
			q.saveStatus(false, fmt.Sprintf("%s: %s was not uploaded", reason, item.FilePath))

			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		q.items = q.items[1:]
		q.inflight = &item
		metrics.QueueDepth.WithLabelValues(string(q.kind)).Set(float64(len(q.items)))
		q.mu.Unlock()

		q.process(item)

		q.mu.Lock()
		q.inflight = nil
		q.mu.Unlock()
	}
}

// blocked reports why the head item cannot be attempted right now.
func (q *Queue) blocked(item tasks.Item) (string, bool) {
	if !q.net.Online(item.Network) {
		if item.Network == tasks.NetworkWifiOnly {
			return MessageOffline + " (Wi-Fi only)", true
		}
		return MessageOffline, true
	}
	if cb := q.breakers[item.RemoteTarget]; cb != nil && cb.State() == gobreaker.StateOpen {
		return "Remote archive " + item.RemoteTarget + " is unavailable", true
	}
	return "", false
}

func (q *Queue) process(item tasks.Item) {
	start := time.Now()
	if item.FailureCount == 0 {
		metrics.QueueLatency.WithLabelValues(string(q.kind)).Observe(start.Sub(item.EnqueuedAt).Seconds())
	}

	err := q.attempt(item)
	metrics.UploadDuration.WithLabelValues(string(q.kind), item.RemoteTarget).Observe(time.Since(start).Seconds())

	if err == nil {
		q.succeed(item)
		return
	}

	item.FailureCount++
	l := q.log.With().Err(err).Str("file", item.FilePath).Int("failures", item.FailureCount).Logger()

	if archive.IsPermanent(err) || item.FailureCount >= q.maxFailures {
		metrics.UploadsProcessed.WithLabelValues(string(q.kind), "failed").Inc()
		l.Error().Msg("Upload abandoned")
		msg := archive.Describe(err)
		if q.journal != nil {
			if jerr := q.journal.Abandon(q.ctx, string(q.kind), item, msg); jerr != nil {
				q.log.Error().Err(jerr).Msg("Failed to journal abandoned upload")
			}
		}
		q.saveStatus(false, msg)
		return
	}

	metrics.UploadsProcessed.WithLabelValues(string(q.kind), "retry").Inc()
	l.Warn().Msg("Upload failed, re-queued")
	q.mu.Lock()
	q.items = append(q.items, item)
	metrics.QueueDepth.WithLabelValues(string(q.kind)).Set(float64(len(q.items)))
	q.mu.Unlock()
}

// attempt runs one transfer through the remote's breaker. Permanent errors
// say nothing about the remote's health and do not count against it.
func (q *Queue) attempt(item tasks.Item) error {
	remote := q.remotes[item.RemoteTarget]
	cb := q.breakers[item.RemoteTarget]

	var permanent error
	_, err := cb.Execute(func() (interface{}, error) {
		ok, err := remote.Add(q.ctx, item)
		if err == nil && !ok {
			err = archive.ErrRejected
		}
		if archive.IsPermanent(err) {
			permanent = err
			return nil, nil
		}
		return nil, err
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func (q *Queue) succeed(item tasks.Item) {
	metrics.UploadsProcessed.WithLabelValues(string(q.kind), "success").Inc()
	q.log.Info().Str("file", item.FilePath).Str("remote", item.RemoteTarget).Msg("Upload succeeded")

	if q.removeOnSuccess {
		if err := os.Remove(item.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			q.log.Warn().Err(err).Str("file", item.FilePath).Msg("Failed to remove uploaded file")
		}
	}
	if q.journal != nil {
		if err := q.journal.Complete(q.ctx, string(q.kind), item); err != nil {
			q.log.Error().Err(err).Msg("Failed to journal completed upload")
		}
	}
	q.saveStatus(true, status.MessageSuccess)
}

func (q *Queue) saveStatus(success bool, msg string) {
	if q.status == nil {
		return
	}
	q.status.Save(q.ctx, success, msg)
}
