// Package pipeline wires registries, upload queues and the sensor store into
// the two pipelines the server hosts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/events"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/manager"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
	"github.com/guido-cesarano/pipelined/pkg/registry"
	"github.com/guido-cesarano/pipelined/pkg/status"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/guido-cesarano/pipelined/pkg/upload"
	"github.com/rs/zerolog"
)

const (
	// ActionUpload prefixes the scheduled action of every upload task.
	ActionUpload = "UPLOAD_DATA"

	// ParamFolder is the remote folder parameter of an upload task.
	ParamFolder = "folder"

	// KeyWifiOnly persists the network constraint of the upload pipeline.
	KeyWifiOnly = "upload.wifi_only"

	DefaultUploadName = "UploadPipeline"
)

// ErrScheduleExists is returned in exclusive mode when another upload task is
// already scheduled.
var ErrScheduleExists = errors.New("an upload is already scheduled")

// UploadConfig configures an UploadPipeline.
type UploadConfig struct {
	Name string

	// Remote is the id of the archive every item is sent to.
	Remote string

	// Exclusive allows at most one scheduled upload task.
	Exclusive bool

	// WifiOnly is the initial network constraint, overridden by the persisted
	// value on Restore.
	WifiOnly bool
}

// UploadPipeline schedules periodic uploads of files and folders and accepts
// one-off uploads.
type UploadPipeline struct {
	cfg      UploadConfig
	store    prefs.Store
	uploads  *upload.Service
	status   *status.Recorder
	bus      *events.Bus
	registry *registry.Registry
	log      zerolog.Logger

	mu       sync.Mutex
	wifiOnly bool

	// tasksMu serializes task changes so the exclusive check and the add
	// act on the same state.
	tasksMu sync.Mutex
}

// NewUploadPipeline creates the pipeline. mgr may be nil until Bind.
func NewUploadPipeline(cfg UploadConfig, store prefs.Store, mgr manager.Manager, uploads *upload.Service, rec *status.Recorder, bus *events.Bus) *UploadPipeline {
	if cfg.Name == "" {
		cfg.Name = DefaultUploadName
	}
	p := &UploadPipeline{
		cfg:      cfg,
		store:    store,
		uploads:  uploads,
		status:   rec,
		bus:      bus,
		wifiOnly: cfg.WifiOnly,
		log:      logger.For(cfg.Name),
	}
	p.registry = registry.New(cfg.Name, ActionUpload, store, mgr,
		registry.WithHandler(p.run),
		registry.WithParams(ParamFolder),
		registry.WithBus(bus),
	)
	return p
}

// Registry exposes the task registry, the manager-facing side of the pipeline.
func (p *UploadPipeline) Registry() *registry.Registry { return p.registry }

// Name is the pipeline name.
func (p *UploadPipeline) Name() string { return p.cfg.Name }

// Restore reloads the network constraint and the scheduled tasks.
func (p *UploadPipeline) Restore(ctx context.Context) int {
	raw, err := prefs.GetString(ctx, p.store, KeyWifiOnly)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not read network constraint")
	} else if raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			p.mu.Lock()
			p.wifiOnly = v
			p.mu.Unlock()
		}
	}
	return p.registry.Restore(ctx)
}

// Bind attaches the manager.
func (p *UploadPipeline) Bind(mgr manager.Manager) error {
	return p.registry.Bind(mgr)
}

// Destroy unschedules every task and records that the process went away.
func (p *UploadPipeline) Destroy(ctx context.Context) {
	p.registry.Destroy()
	p.status.Save(ctx, false, status.MessageProcessKill)
}

// AddUploadTask schedules target to be uploaded into folder every period
// seconds. A name already in use keeps its existing schedule.
func (p *UploadPipeline) AddUploadTask(ctx context.Context, name, target, folder string, period int) (bool, error) {
	if strings.TrimSpace(target) == "" {
		return false, fmt.Errorf("%w: empty target for %q", tasks.ErrInvalidEntry, name)
	}
	if err := tasks.CheckFolder(folder); err != nil {
		return false, err
	}
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	if p.cfg.Exclusive {
		active := p.registry.Active()
		if len(active) > 0 && active[0] != name {
			p.reportError(ctx, "AddUploadTask", fmt.Sprintf("Only one scheduled upload is allowed, remove %q first", active[0]))
			return false, ErrScheduleExists
		}
	}
	return p.registry.AddTask(ctx, uploadEntry(name, target, folder, period))
}

// RemoveUploadTask unschedules a task.
func (p *UploadPipeline) RemoveUploadTask(ctx context.Context, name string) (bool, error) {
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	return p.registry.RemoveTask(ctx, name)
}

// UpdateUploadTask replaces the target, folder and period of a task.
func (p *UploadPipeline) UpdateUploadTask(ctx context.Context, name, target, folder string, period int) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: empty target for %q", tasks.ErrInvalidEntry, name)
	}
	if err := tasks.CheckFolder(folder); err != nil {
		return err
	}
	p.tasksMu.Lock()
	defer p.tasksMu.Unlock()
	return p.registry.UpdateTask(ctx, uploadEntry(name, target, folder, period))
}

func uploadEntry(name, target, folder string, period int) tasks.Entry {
	e := tasks.Entry{Name: name, Target: target, Period: period}
	if folder != "" {
		e.Params = map[string]string{ParamFolder: folder}
	}
	return e
}

// Tasks lists the upload tasks.
func (p *UploadPipeline) Tasks() []tasks.Entry {
	return p.registry.Tasks()
}

// SetWifiOnly restricts new uploads to Wi-Fi and persists the choice.
func (p *UploadPipeline) SetWifiOnly(ctx context.Context, wifiOnly bool) error {
	p.mu.Lock()
	p.wifiOnly = wifiOnly
	p.mu.Unlock()
	return prefs.Set(ctx, p.store, KeyWifiOnly, strconv.FormatBool(wifiOnly))
}

// WifiOnly reports the current network constraint.
func (p *UploadPipeline) WifiOnly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wifiOnly
}

func (p *UploadPipeline) network() tasks.NetworkConstraint {
	if p.WifiOnly() {
		return tasks.NetworkWifiOnly
	}
	return tasks.NetworkAny
}

// UploadNow enqueues path on the regular queue: a file as one item, a
// directory as one item per regular file in it. It returns how many items were
// newly queued.
func (p *UploadPipeline) UploadNow(ctx context.Context, path, folder string) (int, error) {
	if err := tasks.CheckFolder(folder); err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("cannot upload %s: %w", path, err)
	}

	files := []string{path}
	if fi.IsDir() {
		if files, err = archive.Files(path); err != nil {
			return 0, fmt.Errorf("cannot list %s: %w", path, err)
		}
	}

	queued := 0
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		ok, err := p.uploads.Upload(tasks.Item{
			FilePath:     abs,
			RemoteTarget: p.cfg.Remote,
			Folder:       folder,
			Network:      p.network(),
			EnqueuedAt:   time.Now(),
		})
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	p.log.Info().Str("path", path).Int("files", len(files)).Int("queued", queued).Msg("Upload requested")
	return queued, nil
}

// Status returns the last upload status.
func (p *UploadPipeline) Status(ctx context.Context) (status.Record, error) {
	return p.status.Last(ctx)
}

func (p *UploadPipeline) reportError(ctx context.Context, function, message string) {
	if p.bus == nil {
		p.log.Warn().Str("function", function).Msg(message)
		return
	}
	p.bus.ErrorOccurred(ctx, p.cfg.Name, function, message)
}

func (p *UploadPipeline) run(ctx context.Context, e tasks.Entry) error {
	_, err := p.UploadNow(ctx, e.Target, e.Param(ParamFolder))
	return err
}
