package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/events"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/manager"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
	"github.com/guido-cesarano/pipelined/pkg/probe"
	"github.com/guido-cesarano/pipelined/pkg/registry"
	"github.com/guido-cesarano/pipelined/pkg/sensordb"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/guido-cesarano/pipelined/pkg/upload"
	"github.com/rs/zerolog"
)

// Scheduled actions of a SensorPipeline.
const (
	ActionCollect     = "COLLECT_"
	ActionArchiveData = "ARCHIVE_DATA"
	ActionExportData  = "EXPORT_DATA"
	ActionClearBackup = "CLEAR_BACKUP"
)

const (
	// KeyActiveSensors holds the collection schedule.
	KeyActiveSensors = "active.sensors"

	// KeyActiveSchedules holds the maintenance schedule.
	KeyActiveSchedules = "active.schedules"

	// KeyHideSensitive persists the sensitive data flag.
	KeyHideSensitive = "sensor.hide_sensitive"

	scheduleKeyPrefix = "schedule."

	DefaultSensorName = "SensorPipeline"

	// DefaultMaintenancePeriod applies when a schedule is enabled without a period.
	DefaultMaintenancePeriod = 86400
)

var (
	ErrUnknownProbe  = errors.New("unknown probe")
	ErrUnknownAction = errors.New("unknown maintenance action")
)

// SensorConfig configures a SensorPipeline.
type SensorConfig struct {
	Name string

	// ArchiveDir receives database backups until they are uploaded.
	ArchiveDir string

	// ExportDir receives CSV exports.
	ExportDir string

	// Remote and Folder address archive uploads.
	Remote string
	Folder string

	// WifiOnly restricts archive uploads to Wi-Fi.
	WifiOnly bool

	// Durations sets how long one collection run samples, per probe.
	// Probes not listed take a single sample.
	Durations map[string]time.Duration

	// Periods overrides DefaultMaintenancePeriod per maintenance action.
	Periods map[string]int

	HideSensitiveData bool
}

// SensorPipeline collects probe readings into the sensor database on a
// schedule and archives, exports and clears that database on another.
type SensorPipeline struct {
	cfg         SensorConfig
	store       prefs.Store
	db          *sensordb.Store
	uploads     *upload.Service
	bus         *events.Bus
	probes      map[string]probe.Probe
	collections *registry.Registry
	maintenance *registry.Registry
	log         zerolog.Logger

	mu   sync.Mutex
	hide bool
}

// NewSensorPipeline creates the pipeline over the given probes. mgr may be nil
// until Bind.
func NewSensorPipeline(cfg SensorConfig, store prefs.Store, mgr manager.Manager, db *sensordb.Store, uploads *upload.Service, probes map[string]probe.Probe, bus *events.Bus) *SensorPipeline {
	if cfg.Name == "" {
		cfg.Name = DefaultSensorName
	}
	p := &SensorPipeline{
		cfg:     cfg,
		store:   store,
		db:      db,
		uploads: uploads,
		bus:     bus,
		probes:  probes,
		hide:    cfg.HideSensitiveData,
		log:     logger.For(cfg.Name),
	}
	p.collections = registry.New(cfg.Name, ActionCollect, store, mgr,
		registry.WithHandler(p.collect),
		registry.WithTasksKey(KeyActiveSensors),
		registry.WithBus(bus),
	)
	p.maintenance = registry.New(cfg.Name, "", store, mgr,
		registry.WithHandler(p.maintain),
		registry.WithTasksKey(KeyActiveSchedules),
		registry.WithKeyPrefix(scheduleKeyPrefix),
		registry.WithBus(bus),
	)
	return p
}

// Name is the pipeline name.
func (p *SensorPipeline) Name() string { return p.cfg.Name }

// Probes lists the names of the available probes.
func (p *SensorPipeline) Probes() []string {
	names := make([]string, 0, len(p.probes))
	for n := range p.probes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Restore reloads the sensitive data flag and both schedules.
func (p *SensorPipeline) Restore(ctx context.Context) int {
	raw, err := prefs.GetString(ctx, p.store, KeyHideSensitive)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not read sensitive data flag")
	} else if raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			p.mu.Lock()
			p.hide = v
			p.mu.Unlock()
		}
	}
	return p.collections.Restore(ctx) + p.maintenance.Restore(ctx)
}

// Bind attaches the manager to both schedules.
func (p *SensorPipeline) Bind(mgr manager.Manager) error {
	return errors.Join(p.collections.Bind(mgr), p.maintenance.Bind(mgr))
}

// Destroy unschedules everything and stops running probes.
func (p *SensorPipeline) Destroy() {
	p.collections.Destroy()
	p.maintenance.Destroy()
	for _, pr := range p.probes {
		pr.Stop()
	}
}

// AddSensorCollection collects sensor every period seconds.
func (p *SensorPipeline) AddSensorCollection(ctx context.Context, sensor string, period int) (bool, error) {
	if err := p.checkProbe(ctx, "AddSensorCollection", sensor); err != nil {
		return false, err
	}
	return p.collections.AddTask(ctx, tasks.Entry{Name: sensor, Target: sensor, Period: period})
}

// RemoveSensorCollection stops collecting sensor.
func (p *SensorPipeline) RemoveSensorCollection(ctx context.Context, sensor string) (bool, error) {
	removed, err := p.collections.RemoveTask(ctx, sensor)
	if removed {
		if pr, ok := p.probes[sensor]; ok {
			pr.Stop()
		}
	}
	return removed, err
}

// UpdateSensorCollection changes the period of a collection.
func (p *SensorPipeline) UpdateSensorCollection(ctx context.Context, sensor string, period int) error {
	if err := p.checkProbe(ctx, "UpdateSensorCollection", sensor); err != nil {
		return err
	}
	return p.collections.UpdateTask(ctx, tasks.Entry{Name: sensor, Target: sensor, Period: period})
}

// Collections lists the collection tasks.
func (p *SensorPipeline) Collections() []tasks.Entry {
	return p.collections.Tasks()
}

func (p *SensorPipeline) checkProbe(ctx context.Context, function, sensor string) error {
	if _, ok := p.probes[sensor]; ok {
		return nil
	}
	p.reportError(ctx, function, fmt.Sprintf("No probe named %q", sensor))
	return fmt.Errorf("%w: %s", ErrUnknownProbe, sensor)
}

// SetSchedule enables or disables one maintenance action. A zero period keeps
// the current one, or the default for a schedule that never existed.
func (p *SensorPipeline) SetSchedule(ctx context.Context, action string, enabled bool, period int) error {
	switch action {
	case ActionArchiveData, ActionExportData, ActionClearBackup:
	default:
		p.reportError(ctx, "SetSchedule", fmt.Sprintf("Unknown action %q", action))
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	current, exists := p.maintenance.Get(action)
	if period <= 0 {
		switch {
		case exists:
			period = current.Period
		case p.cfg.Periods[action] > 0:
			period = p.cfg.Periods[action]
		default:
			period = DefaultMaintenancePeriod
		}
	}

	switch {
	case !exists && !enabled:
		return nil
	case !exists:
		_, err := p.maintenance.AddTask(ctx, tasks.Entry{Name: action, Target: action, Period: period})
		return err
	default:
		return p.maintenance.Reschedule(ctx, action, period, enabled)
	}
}

// Schedules lists the maintenance schedules.
func (p *SensorPipeline) Schedules() []tasks.Entry {
	return p.maintenance.Tasks()
}

// SetHideSensitiveData controls whether probes omit personal data.
func (p *SensorPipeline) SetHideSensitiveData(ctx context.Context, hide bool) error {
	p.mu.Lock()
	p.hide = hide
	p.mu.Unlock()
	return prefs.Set(ctx, p.store, KeyHideSensitive, strconv.FormatBool(hide))
}

// HideSensitiveData reports the sensitive data flag.
func (p *SensorPipeline) HideSensitiveData() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hide
}

// Archive backs up the database into the archive directory and queues every
// pending backup for upload. It returns how many backups were newly queued.
func (p *SensorPipeline) Archive(ctx context.Context) (int, error) {
	path, err := p.db.Archive(p.cfg.ArchiveDir)
	if err != nil {
		return 0, err
	}
	if path == "" {
		p.log.Debug().Msg("Nothing new to archive")
	}
	return p.UploadDB(ctx)
}

// UploadDB queues every backup waiting in the archive directory on the
// database queue. Uploaded backups are deleted locally.
func (p *SensorPipeline) UploadDB(ctx context.Context) (int, error) {
	files, err := archive.Files(p.cfg.ArchiveDir)
	if err != nil {
		return 0, err
	}
	network := tasks.NetworkAny
	if p.cfg.WifiOnly {
		network = tasks.NetworkWifiOnly
	}

	queued := 0
	for _, f := range files {
		if !strings.HasSuffix(f, sensordb.BackupExt) {
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		ok, err := p.uploads.UploadDB(tasks.Item{
			FilePath:     abs,
			RemoteTarget: p.cfg.Remote,
			Folder:       p.cfg.Folder,
			Network:      network,
			EnqueuedAt:   time.Now(),
		})
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		p.log.Info().Int("queued", queued).Msg("Database archives queued for upload")
	}
	return queued, nil
}

// Export writes the readings as CSV into the export directory.
func (p *SensorPipeline) Export(context.Context) (string, error) {
	return p.db.Export(p.cfg.ExportDir)
}

// ClearBackups deletes backups still waiting in the archive directory.
func (p *SensorPipeline) ClearBackups(context.Context) (int, error) {
	return sensordb.ClearBackups(p.cfg.ArchiveDir)
}

func (p *SensorPipeline) collect(ctx context.Context, e tasks.Entry) error {
	pr, ok := p.probes[e.Target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProbe, e.Target)
	}
	pr.Configure(e.Interval(), p.cfg.Durations[e.Target])
	if s, ok := pr.(probe.Sensitive); ok {
		s.SetHideSensitiveData(p.HideSensitiveData())
	}
	err := pr.Start(ctx, p.db)
	if errors.Is(err, probe.ErrRunning) {
		p.log.Debug().Str("probe", e.Target).Msg("Previous collection still running")
		return nil
	}
	return err
}

func (p *SensorPipeline) maintain(ctx context.Context, e tasks.Entry) error {
	switch e.Name {
	case ActionArchiveData:
		_, err := p.Archive(ctx)
		return err
	case ActionExportData:
		_, err := p.Export(ctx)
		return err
	case ActionClearBackup:
		n, err := p.ClearBackups(ctx)
		if n > 0 {
			p.log.Info().Int("removed", n).Msg("Cleared archive backups")
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownAction, e.Name)
}

func (p *SensorPipeline) reportError(ctx context.Context, function, message string) {
	if p.bus == nil {
		p.log.Warn().Str("function", function).Msg(message)
		return
	}
	p.bus.ErrorOccurred(ctx, p.cfg.Name, function, message)
}
