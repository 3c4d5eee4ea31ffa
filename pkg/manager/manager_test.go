package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingPipeline struct {
	name string
	runs atomic.Int32
	last atomic.Value
}

func (p *countingPipeline) Name() string { return p.name }

func (p *countingPipeline) OnRun(_ context.Context, action string) {
	p.runs.Add(1)
	p.last.Store(action)
}

func TestCronManagerRunsImmediatelyAndPeriodically(t *testing.T) {
	m := NewCronManager(context.Background())
	m.Start()
	defer m.Stop()

	p := &countingPipeline{name: "GoogleDrivePipeline"}
	if err := m.RegisterPeriodicAction(p, "UPLOAD_DATAbackup", time.Second); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Immediate run
	deadline := time.Now().Add(500 * time.Millisecond)
	for p.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.runs.Load() == 0 {
		t.Fatal("Expected an immediate run")
	}

	// Wait for 2 seconds to allow at least one scheduled tick
	time.Sleep(2100 * time.Millisecond)
	if p.runs.Load() < 2 {
		t.Errorf("Expected at least 2 runs, got %d", p.runs.Load())
	}
	if p.last.Load() != "UPLOAD_DATAbackup" {
		t.Errorf("Unexpected action %v", p.last.Load())
	}
}

func TestCronManagerUnregister(t *testing.T) {
	m := NewCronManager(context.Background())
	m.Start()
	defer m.Stop()

	p := &countingPipeline{name: "SensorDBPipeline"}
	if err := m.RegisterPeriodicAction(p, "ARCHIVE_DATA", time.Hour); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if n := len(m.Registrations()); n != 1 {
		t.Fatalf("Expected 1 registration, got %d", n)
	}

	if err := m.UnregisterPeriodicAction(p, "ARCHIVE_DATA"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if n := len(m.Registrations()); n != 0 {
		t.Errorf("Expected no registrations, got %d", n)
	}

	// Unknown action is a no-op
	if err := m.UnregisterPeriodicAction(p, "EXPORT_DATA"); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestCronManagerReplacesInterval(t *testing.T) {
	m := NewCronManager(context.Background())
	p := &countingPipeline{name: "p"}

	_ = m.RegisterPeriodicAction(p, "a", time.Hour)
	_ = m.RegisterPeriodicAction(p, "a", 2*time.Hour)

	regs := m.Registrations()
	if len(regs) != 1 {
		t.Fatalf("Expected 1 registration, got %d", len(regs))
	}
	if regs[0].Interval != 2*time.Hour {
		t.Errorf("Expected replaced interval, got %s", regs[0].Interval)
	}
	m.Stop()
}

type blockingPipeline struct {
	release chan struct{}
	started atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
}

func (p *blockingPipeline) Name() string { return "SensorDBPipeline" }

func (p *blockingPipeline) OnRun(_ context.Context, _ string) {
	p.started.Add(1)
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	<-p.release
}

func TestCronManagerReRegisterSkipsWhileRunning(t *testing.T) {
	m := NewCronManager(context.Background())
	p := &blockingPipeline{release: make(chan struct{})}

	if err := m.RegisterPeriodicAction(p, "ARCHIVE_DATA", time.Hour); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for p.started.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.started.Load() != 1 {
		t.Fatal("Expected the first run to start")
	}

	// Re-registering while the first run is still going must not start a
	// second one.
	if err := m.RegisterPeriodicAction(p, "ARCHIVE_DATA", 2*time.Hour); err != nil {
		t.Fatalf("Re-register failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	close(p.release)
	m.Stop()

	if got := p.started.Load(); got != 1 {
		t.Errorf("Expected 1 run, got %d", got)
	}
	if got := p.peak.Load(); got != 1 {
		t.Errorf("Expected at most 1 concurrent run, got %d", got)
	}
}

func TestCronManagerRejectsSubSecond(t *testing.T) {
	m := NewCronManager(context.Background())
	if err := m.RegisterPeriodicAction(&countingPipeline{name: "p"}, "a", 10*time.Millisecond); err == nil {
		t.Error("Expected error for sub-second interval")
	}
}

func TestRecordingManager(t *testing.T) {
	r := NewRecordingManager()
	p := &countingPipeline{name: "p"}

	_ = r.RegisterPeriodicAction(p, "a", time.Minute)
	if !r.Trigger(context.Background(), "p", "a") {
		t.Fatal("Expected trigger to run")
	}
	if p.runs.Load() != 1 {
		t.Errorf("Expected 1 run, got %d", p.runs.Load())
	}

	_ = r.UnregisterPeriodicAction(p, "a")
	if r.Trigger(context.Background(), "p", "a") {
		t.Error("Expected trigger to fail after unregister")
	}
	if len(r.Calls()) != 2 {
		t.Errorf("Expected 2 calls, got %v", r.Calls())
	}
}
