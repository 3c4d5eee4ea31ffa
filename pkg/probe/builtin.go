package probe

import (
	"context"
	"os"
	"runtime"
	"time"
)

// Names of the built-in probes.
const (
	NameRuntime = "runtime"
	NameClock   = "clock"
)

// NewRuntime samples Go runtime statistics of this process. Host identity is
// omitted when sensitive data is hidden.
func NewRuntime() *Sampler {
	return Func(NameRuntime, func(_ context.Context, opts Options) (map[string]any, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		values := map[string]any{
			"goroutines":  runtime.NumGoroutine(),
			"heap_alloc":  ms.HeapAlloc,
			"heap_inuse":  ms.HeapInuse,
			"num_gc":      ms.NumGC,
			"cpus":        runtime.NumCPU(),
			"go_version":  runtime.Version(),
			"total_alloc": ms.TotalAlloc,
		}
		if !opts.HideSensitiveData {
			if host, err := os.Hostname(); err == nil {
				values["hostname"] = host
			}
			values["pid"] = os.Getpid()
		}
		return values, nil
	})
}

// NewClock samples the wall clock and the local time zone.
func NewClock() *Sampler {
	return Func(NameClock, func(_ context.Context, _ Options) (map[string]any, error) {
		now := time.Now()
		zone, offset := now.Zone()
		return map[string]any{
			"unix":   now.Unix(),
			"zone":   zone,
			"offset": offset,
			"utc":    now.UTC().Format(time.RFC3339),
		}, nil
	})
}

// Builtins returns a fresh instance of every built-in probe keyed by name.
func Builtins() map[string]Probe {
	return map[string]Probe{
		NameRuntime: NewRuntime(),
		NameClock:   NewClock(),
	}
}
