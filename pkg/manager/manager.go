// Package manager is the long-lived scheduler that invokes pipeline actions at
// their configured intervals. Pipelines only register and unregister actions;
// the timing itself is delegated to robfig/cron.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Pipeline is a component that receives scheduled callbacks.
type Pipeline interface {
	Name() string
	OnRun(ctx context.Context, action string)
}

// Manager registers periodic actions on behalf of pipelines.
type Manager interface {
	// RegisterPeriodicAction runs owner.OnRun(action) now and then every interval.
	// Registering an action that is already scheduled replaces its interval.
	RegisterPeriodicAction(owner Pipeline, action string, interval time.Duration) error

	// UnregisterPeriodicAction stops future runs. A run already in progress
	// is not interrupted.
	UnregisterPeriodicAction(owner Pipeline, action string) error
}

// Registration describes one scheduled action.
type Registration struct {
	Pipeline string        `json:"pipeline"`
	Action   string        `json:"action"`
	Interval time.Duration `json:"interval"`
	Next     time.Time     `json:"next"`
}

type entry struct {
	id       cron.EntryID
	pipeline string
	action   string
	interval time.Duration
}

// CronManager implements Manager on top of a cron scheduler.
//
// Overlapping runs of the same action are skipped: a slow run delays nothing
// else but its own next tick. The guard outlives re-registration, so the
// immediate run of a replaced action also waits its turn.
type CronManager struct {
	cron *cron.Cron
	ctx  context.Context
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]entry
	running map[string]*atomic.Bool
	wg      sync.WaitGroup
}

// NewCronManager creates a manager. Actions receive ctx on every run.
func NewCronManager(ctx context.Context) *CronManager {
	l := logger.For("manager")
	return &CronManager{
		cron:    cron.New(cron.WithLogger(cronLogger{l})),
		ctx:     ctx,
		log:     l,
		entries: make(map[string]entry),
		running: make(map[string]*atomic.Bool),
	}
}

func entryKey(pipeline, action string) string {
	return pipeline + "/" + action
}

func (m *CronManager) RegisterPeriodicAction(owner Pipeline, action string, interval time.Duration) error {
	if interval < time.Second {
		return fmt.Errorf("interval %s for %s/%s must be at least 1s", interval, owner.Name(), action)
	}
	key := entryKey(owner.Name(), action)

	m.mu.Lock()
	busy, ok := m.running[key]
	if !ok {
		busy = new(atomic.Bool)
		m.running[key] = busy
	}
	job := cron.NewChain(cron.Recover(cronLogger{m.log})).Then(cron.FuncJob(func() {
		if !busy.CompareAndSwap(false, true) {
			m.log.Debug().Str("pipeline", owner.Name()).Str("action", action).Msg("Previous run still in progress, skipping")
			return
		}
		defer busy.Store(false)
		owner.OnRun(m.ctx, action)
	}))
	if old, ok := m.entries[key]; ok {
		m.cron.Remove(old.id)
	}
	id := m.cron.Schedule(cron.Every(interval), job)
	m.entries[key] = entry{id: id, pipeline: owner.Name(), action: action, interval: interval}
	m.mu.Unlock()

	m.log.Info().
		Str("pipeline", owner.Name()).
		Str("action", action).
		Dur("interval", interval).
		Msg("Registered periodic action")

	// First run happens immediately rather than one interval from now.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		job.Run()
	}()
	return nil
}

func (m *CronManager) UnregisterPeriodicAction(owner Pipeline, action string) error {
	key := entryKey(owner.Name(), action)

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	m.cron.Remove(e.id)
	delete(m.entries, key)

	m.log.Info().
		Str("pipeline", owner.Name()).
		Str("action", action).
		Msg("Unregistered periodic action")
	return nil
}

// Lister reports the actions currently scheduled.
type Lister interface {
	Registrations() []Registration
}

// Registrations lists scheduled actions ordered by pipeline and action.
func (m *CronManager) Registrations() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Registration, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, Registration{
			Pipeline: e.pipeline,
			Action:   e.action,
			Interval: e.interval,
			Next:     m.cron.Entry(e.id).Next,
		})
	}
	sortRegistrations(out)
	return out
}

func sortRegistrations(regs []Registration) {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].Pipeline != regs[j].Pipeline {
			return regs[i].Pipeline < regs[j].Pipeline
		}
		return regs[i].Action < regs[j].Action
	})
}

// Start begins ticking in a background goroutine.
func (m *CronManager) Start() {
	m.cron.Start()
}

// Stop halts scheduling and waits for running actions to finish.
func (m *CronManager) Stop() {
	<-m.cron.Stop().Done()
	m.wg.Wait()
}

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
