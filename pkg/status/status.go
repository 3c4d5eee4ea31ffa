// Package status keeps the single last-upload status record that callers poll
// instead of receiving upload errors directly.
package status

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/events"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
)

// Preference keys of the record.
const (
	KeyTime   = "lastupload.time"
	KeyStatus = "lastupload.status"
	KeyReport = "lastupload.report"
)

// TimeLayout is the timestamp format of the record.
const TimeLayout = "2006/01/02 15:04:05"

// Messages used for well known outcomes.
const (
	MessageSuccess     = "success"
	MessageProcessKill = "Activity Got Killed"
)

// Record is one status snapshot.
type Record struct {
	Time    string `json:"time"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Recorder writes the record to preferences and announces every change.
type Recorder struct {
	store     prefs.Store
	bus       *events.Bus
	component string
	now       func() time.Time

	mu     sync.Mutex
	writes int
}

// NewRecorder creates a recorder. bus may be nil when nobody listens.
func NewRecorder(store prefs.Store, bus *events.Bus, component string) *Recorder {
	return &Recorder{
		store:     store,
		bus:       bus,
		component: component,
		now:       time.Now,
	}
}

// Save overwrites the record. Failures to persist are logged, not returned:
// status reporting must never break the upload path.
func (r *Recorder) Save(ctx context.Context, success bool, message string) Record {
	rec := Record{
		Time:    r.now().Format(TimeLayout),
		Success: success,
		Message: message,
	}

	r.mu.Lock()
	r.writes++
	r.mu.Unlock()

	err := r.store.SetMany(ctx, map[string]string{
		KeyTime:   rec.Time,
		KeyStatus: strconv.FormatBool(rec.Success),
		KeyReport: rec.Message,
	})
	if err != nil {
		logger.Log.Error().Err(err).Str("component", r.component).Msg("Failed to save upload status")
	}

	if r.bus != nil {
		if err := r.bus.Publish(ctx, events.Event{
			Kind:      events.KindServiceStatusChanged,
			Component: r.component,
			Success:   rec.Success,
			Message:   rec.Message,
		}); err != nil {
			logger.Log.Warn().Err(err).Str("component", r.component).Msg("Status change not dispatched")
		}
	}
	return rec
}

// Last reads the record. A missing record reports success with an empty
// message, matching a fresh install.
func (r *Recorder) Last(ctx context.Context) (Record, error) {
	rec := Record{Success: true}

	t, _, err := r.store.Get(ctx, KeyTime)
	if err != nil {
		return rec, err
	}
	rec.Time = t

	s, ok, err := r.store.Get(ctx, KeyStatus)
	if err != nil {
		return rec, err
	}
	if ok {
		if b, perr := strconv.ParseBool(s); perr == nil {
			rec.Success = b
		}
	}

	rec.Message, _, err = r.store.Get(ctx, KeyReport)
	return rec, err
}

// Writes returns how many times Save has been called.
func (r *Recorder) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}
