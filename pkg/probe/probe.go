// Package probe defines the sensors a SensorPipeline collects from.
//
// A probe is a small capability interface rather than a base type: anything
// that can be configured, started and stopped is a probe. Most probes are
// built from a SampleFunc with Func, which supplies the run loop.
package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/logger"
)

// Reading is one sample produced by a probe.
type Reading struct {
	Probe string `json:"probe"`

	// Timestamp is when the sample was taken.
	Timestamp time.Time `json:"timestamp"`

	// TimezoneOffset is the local offset from UTC in seconds at sampling time.
	TimezoneOffset int `json:"timezoneOffset"`

	Values map[string]any `json:"values"`
}

// Sink receives readings.
type Sink interface {
	Record(r Reading) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Reading) error

func (f SinkFunc) Record(r Reading) error { return f(r) }

// Probe is a source of readings.
type Probe interface {
	Name() string

	// Configure sets the collection interval and how long one run samples
	// for. A zero duration takes a single sample per run.
	Configure(interval, duration time.Duration)

	// Start begins a run that delivers readings to sink until the configured
	// duration has elapsed or Stop is called. It does not block.
	Start(ctx context.Context, sink Sink) error

	Stop()
}

// Sensitive is implemented by probes that can omit personal data.
type Sensitive interface {
	SetHideSensitiveData(hide bool)
}

// ErrRunning is returned by Start while a previous run is still active.
var ErrRunning = errors.New("probe already running")

// Options is passed to every sample.
type Options struct {
	HideSensitiveData bool
}

// SampleFunc takes one sample.
type SampleFunc func(ctx context.Context, opts Options) (map[string]any, error)

// sampleEvery is the pace of repeated samples within a run that has a duration.
const sampleEvery = time.Second

// Sampler is a Probe driven by a SampleFunc.
type Sampler struct {
	name   string
	sample SampleFunc
	now    func() time.Time

	mu       sync.Mutex
	interval time.Duration
	duration time.Duration
	opts     Options
	cancel   context.CancelFunc
	done     chan struct{}
}

// Func builds a probe named name from a sample function.
func Func(name string, sample SampleFunc) *Sampler {
	return &Sampler{name: name, sample: sample, now: time.Now}
}

func (s *Sampler) Name() string { return s.name }

func (s *Sampler) Configure(interval, duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
	s.duration = duration
}

// Interval returns the configured collection interval.
func (s *Sampler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Sampler) SetHideSensitiveData(hide bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.HideSensitiveData = hide
}

func (s *Sampler) Start(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrRunning
		}
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if s.duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, cancel, sink, s.duration > 0, s.opts, s.done)
	return nil
}

func (s *Sampler) run(ctx context.Context, cancel context.CancelFunc, sink Sink, repeat bool, opts Options, done chan struct{}) {
	defer close(done)
	defer cancel()

	log := logger.For("probe").With().Str("probe", s.name).Logger()
	ticker := time.NewTicker(sampleEvery)
	defer ticker.Stop()

	for {
		values, err := s.sample(ctx, opts)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("Sample failed")
			}
		} else {
			if err := sink.Record(s.reading(values)); err != nil {
				log.Error().Err(err).Msg("Failed to record reading")
			}
		}

		if !repeat {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) reading(values map[string]any) Reading {
	now := s.now()
	_, offset := now.Zone()
	return Reading{
		Probe:          s.name,
		Timestamp:      now,
		TimezoneOffset: offset,
		Values:         values,
	}
}

// Stop ends the current run and waits for it.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the current run, if any, has finished.
func (s *Sampler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}
