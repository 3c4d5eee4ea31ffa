package manager

import (
	"context"
	"sync"
	"time"
)

// Call is one register or unregister request seen by a RecordingManager.
type Call struct {
	Op       string
	Pipeline string
	Action   string
	Interval time.Duration
}

const (
	OpRegister   = "register"
	OpUnregister = "unregister"
)

// RecordingManager records calls without scheduling anything. Trigger runs an
// action by hand. It stands in for the real manager in tests and in dry runs.
type RecordingManager struct {
	mu     sync.Mutex
	calls  []Call
	owners map[string]Pipeline
	regs   map[string]Registration
}

func NewRecordingManager() *RecordingManager {
	return &RecordingManager{
		owners: make(map[string]Pipeline),
		regs:   make(map[string]Registration),
	}
}

func (r *RecordingManager) RegisterPeriodicAction(owner Pipeline, action string, interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: OpRegister, Pipeline: owner.Name(), Action: action, Interval: interval})
	key := entryKey(owner.Name(), action)
	r.owners[key] = owner
	r.regs[key] = Registration{Pipeline: owner.Name(), Action: action, Interval: interval}
	return nil
}

func (r *RecordingManager) UnregisterPeriodicAction(owner Pipeline, action string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: OpUnregister, Pipeline: owner.Name(), Action: action})
	key := entryKey(owner.Name(), action)
	delete(r.owners, key)
	delete(r.regs, key)
	return nil
}

// Calls returns a copy of every call so far.
func (r *RecordingManager) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Registered reports whether the action is currently registered.
func (r *RecordingManager) Registered(pipeline, action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.owners[entryKey(pipeline, action)]
	return ok
}

// Trigger runs a registered action synchronously. It returns false if the
// action is not registered.
func (r *RecordingManager) Trigger(ctx context.Context, pipeline, action string) bool {
	r.mu.Lock()
	owner, ok := r.owners[entryKey(pipeline, action)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	owner.OnRun(ctx, action)
	return true
}

// Registrations lists the actions currently registered. Next is left zero.
func (r *RecordingManager) Registrations() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	sortRegistrations(out)
	return out
}
