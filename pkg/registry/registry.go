// Package registry keeps a pipeline's set of periodic tasks consistent with the
// manager that schedules them and with the preferences store that lets them
// survive restarts.
//
// Persisted layout (all values are association lists, see tasks.EncodePeriods):
//
//	active.tasks   [[name, periodSeconds], ...]
//	task_target    [[name, target], ...]
//	task_enabled   [[name, enabled], ...]
//	task_<param>   [[name, value], ...]   one list per declared parameter
//
// Adding a name that is already present is a no-op: the first registration
// wins and its target and period are kept. Callers that want to change a task
// use UpdateTask, which removes and re-adds it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/events"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/manager"
	"github.com/guido-cesarano/pipelined/pkg/metrics"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Default preference keys.
const (
	KeyActiveTasks = "active.tasks"
	KeyTargets     = "task_target"
	KeyEnabled     = "task_enabled"
	paramKeyPrefix = "task_"
)

// ErrUnknownTask is returned for operations on names that are not registered.
var ErrUnknownTask = errors.New("unknown task")

// Handler performs a task's work when its action fires.
type Handler func(ctx context.Context, e tasks.Entry) error

// Registry is the task map of one pipeline. It implements manager.Pipeline.
type Registry struct {
	name      string
	action    string
	store     prefs.Store
	handler   Handler
	bus       *events.Bus
	tasksKey  string
	keyPrefix string
	paramKeys []string
	log       zerolog.Logger

	mu      sync.Mutex
	mgr     manager.Manager
	entries map[string]tasks.Entry
}

// Option customizes a Registry.
type Option func(*Registry)

// WithHandler sets the function run when a task's action fires.
func WithHandler(h Handler) Option {
	return func(r *Registry) { r.handler = h }
}

// WithParams declares entry parameters persisted under task_<param>.
func WithParams(keys ...string) Option {
	return func(r *Registry) { r.paramKeys = append(r.paramKeys, keys...) }
}

// WithTasksKey overrides the preference key holding the period list.
func WithTasksKey(key string) Option {
	return func(r *Registry) { r.tasksKey = key }
}

// WithKeyPrefix prefixes the target, enabled and parameter keys so two
// registries can share one preferences namespace.
func WithKeyPrefix(prefix string) Option {
	return func(r *Registry) { r.keyPrefix = prefix }
}

// WithBus routes handler failures to the error event channel.
func WithBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// New creates a registry named name whose tasks fire as action+taskName.
//
// mgr may be nil while the manager is still being bound; tasks added in the
// meantime are persisted and registered once Bind is called.
func New(name, action string, store prefs.Store, mgr manager.Manager, opts ...Option) *Registry {
	r := &Registry{
		name:     name,
		action:   action,
		store:    store,
		mgr:      mgr,
		tasksKey: KeyActiveTasks,
		entries:  make(map[string]tasks.Entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logger.For(name)
	return r
}

// Name is the owner name used with the manager.
func (r *Registry) Name() string { return r.name }

// ActionFor returns the scheduled action name of a task.
func (r *Registry) ActionFor(taskName string) string {
	return r.action + taskName
}

// AddTask schedules e, starting immediately, unless a task with the same name
// already exists, in which case nothing changes and false is returned.
func (r *Registry) AddTask(ctx context.Context, e tasks.Entry) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[e.Name]; ok {
		r.log.Info().
			Str("task", e.Name).
			Int("period", existing.Period).
			Int("requested_period", e.Period).
			Msg("Task already active, keeping existing registration")
		return false, nil
	}

	e.Enabled = true
	e.Params = copyParams(e.Params)
	if err := r.register(e); err != nil {
		return false, err
	}
	r.entries[e.Name] = e
	if err := r.persist(ctx); err != nil {
		// Undo a task that could not be saved.
		r.unregister(e.Name)
		delete(r.entries, e.Name)
		return false, err
	}
	metrics.RegisteredTasks.WithLabelValues(r.name).Set(float64(len(r.entries)))

	r.log.Info().Str("task", e.Name).Str("target", e.Target).Int("period", e.Period).Msg("Registered task")
	return true, nil
}

// RemoveTask unregisters a task. Removing an unknown name only logs.
func (r *Registry) RemoveTask(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		r.log.Info().Str("task", name).Msg("Task is not active")
		return false, nil
	}
	if e.Enabled {
		r.unregister(name)
	}
	delete(r.entries, name)
	metrics.RegisteredTasks.WithLabelValues(r.name).Set(float64(len(r.entries)))

	r.log.Info().Str("task", name).Msg("Unregistered task")
	return true, r.persist(ctx)
}

// UpdateTask replaces a task by removing it and adding e.
func (r *Registry) UpdateTask(ctx context.Context, e tasks.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, err := r.RemoveTask(ctx, e.Name); err != nil {
		return err
	}
	_, err := r.AddTask(ctx, e)
	return err
}

// SetEnabled schedules or unschedules an existing task without forgetting it.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if e.Enabled == enabled {
		return nil
	}
	e.Enabled = enabled
	if enabled {
		if err := r.register(e); err != nil {
			return err
		}
	} else {
		r.unregister(name)
	}
	r.entries[name] = e
	return r.persist(ctx)
}

// Reschedule sets the period and enabled flag of an existing task in place.
// The manager only sees a registration when the task ends up enabled, so
// disabling never triggers a run.
func (r *Registry) Reschedule(ctx context.Context, name string, period int, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if e.Period == period && e.Enabled == enabled {
		return nil
	}
	next := e
	next.Period = period
	next.Enabled = enabled
	if err := next.Validate(); err != nil {
		return err
	}

	if e.Enabled {
		r.unregister(name)
	}
	if err := r.register(next); err != nil {
		return err
	}
	r.entries[name] = next
	r.log.Info().Str("task", name).Int("period", period).Bool("enabled", enabled).Msg("Rescheduled task")
	return r.persist(ctx)
}

// Restore reloads persisted tasks and registers every enabled one with the
// manager. It runs whenever the pipeline is (re)created by its host.
//
// Corrupt state is not an error: it is logged and treated as no tasks.
func (r *Registry) Restore(ctx context.Context) int {
	loaded, err := r.load(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Persisted tasks unreadable, starting with no active tasks")
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, e := range loaded {
		if _, ok := r.entries[e.Name]; ok {
			continue
		}
		if err := r.register(e); err != nil {
			r.log.Error().Err(err).Str("task", e.Name).Msg("Failed to re-register task")
			continue
		}
		r.entries[e.Name] = e
		restored++
	}
	metrics.RegisteredTasks.WithLabelValues(r.name).Set(float64(len(r.entries)))

	r.log.Info().Int("restored", restored).Msg("Restored tasks from preferences")
	return restored
}

// Bind attaches the manager once it becomes available and registers every
// enabled task added while unbound.
func (r *Registry) Bind(mgr manager.Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.mgr = mgr
	var errs []error
	for _, e := range r.sortedEntries() {
		if err := r.register(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Destroy unregisters every task and forgets them in memory. Persisted state
// is kept so a later Restore brings them back.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, e := range r.entries {
		if e.Enabled {
			r.unregister(name)
		}
	}
	r.entries = make(map[string]tasks.Entry)
	metrics.RegisteredTasks.WithLabelValues(r.name).Set(0)
	r.log.Info().Msg("Pipeline destroyed")
}

// Get returns a task by name.
func (r *Registry) Get(name string) (tasks.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}

// Tasks lists all tasks ordered by name.
func (r *Registry) Tasks() []tasks.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedEntries()
}

// Active lists the names of enabled tasks.
func (r *Registry) Active() []string {
	return lo.FilterMap(r.Tasks(), func(e tasks.Entry, _ int) (string, bool) {
		return e.Name, e.Enabled
	})
}

// OnRun dispatches a scheduled action to the handler of the task it names.
func (r *Registry) OnRun(ctx context.Context, action string) {
	if !strings.HasPrefix(action, r.action) {
		r.log.Warn().Str("action", action).Msg("Ignoring action for another pipeline")
		return
	}
	name := strings.TrimPrefix(action, r.action)

	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok || !e.Enabled {
		r.log.Debug().Str("task", name).Msg("Action fired for inactive task")
		return
	}
	if r.handler == nil {
		return
	}

	r.log.Info().Str("task", name).Str("target", e.Target).Msg("Running task")
	start := time.Now()
	err := r.handler(ctx, e)
	if r.bus != nil {
		r.bus.TaskRun(r.name, action, err, map[string]any{
			"task":        name,
			"target":      e.Target,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	if err != nil {
		metrics.TaskRuns.WithLabelValues(r.name, "failed").Inc()
		r.log.Error().Err(err).Str("task", name).Msg("Task run failed")
		if r.bus != nil {
			r.bus.ErrorOccurred(ctx, r.name, action, err.Error())
		}
		return
	}
	metrics.TaskRuns.WithLabelValues(r.name, "success").Inc()
}

// register must be called with mu held.
func (r *Registry) register(e tasks.Entry) error {
	if !e.Enabled {
		return nil
	}
	if r.mgr == nil {
		r.log.Warn().Str("task", e.Name).Msg("Manager not bound yet, registration deferred")
		return nil
	}
	return r.mgr.RegisterPeriodicAction(r, r.ActionFor(e.Name), e.Interval())
}

// unregister must be called with mu held.
func (r *Registry) unregister(name string) {
	if r.mgr == nil {
		return
	}
	if err := r.mgr.UnregisterPeriodicAction(r, r.ActionFor(name)); err != nil {
		r.log.Error().Err(err).Str("task", name).Msg("Failed to unregister task")
	}
}

func (r *Registry) sortedEntries() []tasks.Entry {
	names := lo.Keys(r.entries)
	sort.Strings(names)
	out := make([]tasks.Entry, 0, len(names))
	for _, n := range names {
		e := r.entries[n]
		e.Params = copyParams(e.Params)
		out = append(out, e)
	}
	return out
}

// persist writes the full task map in one commit. Must be called with mu held.
func (r *Registry) persist(ctx context.Context) error {
	periods := make(map[string]int, len(r.entries))
	targets := make(map[string]string, len(r.entries))
	enabled := make(map[string]bool, len(r.entries))
	params := make(map[string]map[string]string, len(r.paramKeys))
	for _, k := range r.paramKeys {
		params[k] = make(map[string]string)
	}
	for name, e := range r.entries {
		periods[name] = e.Period
		targets[name] = e.Target
		enabled[name] = e.Enabled
		for _, k := range r.paramKeys {
			if v, ok := e.Params[k]; ok {
				params[k][name] = v
			}
		}
	}

	values := make(map[string]string, 3+len(r.paramKeys))
	var err error
	if values[r.tasksKey], err = tasks.EncodePeriods(periods); err != nil {
		return err
	}
	if values[r.keyPrefix+KeyTargets], err = tasks.EncodeStrings(targets); err != nil {
		return err
	}
	if values[r.keyPrefix+KeyEnabled], err = tasks.EncodeFlags(enabled); err != nil {
		return err
	}
	for _, k := range r.paramKeys {
		if values[r.paramKey(k)], err = tasks.EncodeStrings(params[k]); err != nil {
			return err
		}
	}

	if err := r.store.SetMany(ctx, values); err != nil {
		return fmt.Errorf("persist %s tasks: %w", r.name, err)
	}
	return nil
}

// load decodes the persisted task map.
func (r *Registry) load(ctx context.Context) ([]tasks.Entry, error) {
	raw, err := prefs.GetString(ctx, r.store, r.tasksKey)
	if err != nil {
		return nil, err
	}
	periods, err := tasks.DecodePeriods(r.tasksKey, raw)
	if err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, nil
	}

	raw, err = prefs.GetString(ctx, r.store, r.keyPrefix+KeyTargets)
	if err != nil {
		return nil, err
	}
	targets, err := tasks.DecodeStrings(r.keyPrefix+KeyTargets, raw)
	if err != nil {
		return nil, err
	}

	raw, err = prefs.GetString(ctx, r.store, r.keyPrefix+KeyEnabled)
	if err != nil {
		return nil, err
	}
	enabled, err := tasks.DecodeFlags(r.keyPrefix+KeyEnabled, raw)
	if err != nil {
		return nil, err
	}

	params := make(map[string]map[string]string, len(r.paramKeys))
	for _, k := range r.paramKeys {
		raw, err = prefs.GetString(ctx, r.store, r.paramKey(k))
		if err != nil {
			return nil, err
		}
		if params[k], err = tasks.DecodeStrings(r.paramKey(k), raw); err != nil {
			return nil, err
		}
	}

	names := lo.Keys(periods)
	sort.Strings(names)
	out := make([]tasks.Entry, 0, len(names))
	for _, name := range names {
		e := tasks.Entry{
			Name:    name,
			Target:  targets[name],
			Period:  periods[name],
			Enabled: true,
		}
		if v, ok := enabled[name]; ok {
			e.Enabled = v
		}
		for _, k := range r.paramKeys {
			if v, ok := params[k][name]; ok {
				if e.Params == nil {
					e.Params = make(map[string]string)
				}
				e.Params[k] = v
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Registry) paramKey(k string) string {
	return r.keyPrefix + paramKeyPrefix + k
}

func copyParams(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
