// Package tasks defines the core data structures shared by pipelines: periodic
// task entries kept in a registry and file items waiting in an upload queue.
package tasks

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Entry is one registered periodic job.
//
// Names are unique within a registry. Target is whatever the job operates on:
// a database name, a folder path or a sensor identifier. Params carries
// pipeline-specific extras (for example the remote folder of an upload task)
// and is persisted alongside the entry.
type Entry struct {
	Name    string            `json:"name"`
	Target  string            `json:"target"`
	Period  int               `json:"period_seconds"`
	Enabled bool              `json:"enabled"`
	Params  map[string]string `json:"params,omitempty"`
}

// Interval returns the period as a duration.
func (e Entry) Interval() time.Duration {
	return time.Duration(e.Period) * time.Second
}

// Validate checks the invariants of a new entry.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEntry)
	}
	if e.Period < 1 {
		return fmt.Errorf("%w: period %d for %q must be >= 1", ErrInvalidEntry, e.Period, e.Name)
	}
	return nil
}

// Param returns a parameter value or "" if unset.
func (e Entry) Param(key string) string {
	if e.Params == nil {
		return ""
	}
	return e.Params[key]
}

// NetworkConstraint restricts which connectivity an upload may use.
type NetworkConstraint int

const (
	NetworkAny NetworkConstraint = iota
	NetworkWifiOnly
)

func (n NetworkConstraint) String() string {
	if n == NetworkWifiOnly {
		return "wifi_only"
	}
	return "any"
}

// ParseNetworkConstraint accepts "any" and "wifi_only" (case-insensitive).
func ParseNetworkConstraint(s string) (NetworkConstraint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return NetworkAny, nil
	case "wifi_only", "wifi":
		return NetworkWifiOnly, nil
	}
	return NetworkAny, fmt.Errorf("unknown network constraint %q", s)
}

// MaxFailures is the number of failed attempts after which an item is abandoned.
const MaxFailures = 3

// Item is one file waiting to be transferred to a remote archive.
type Item struct {
	// FilePath is the absolute local path of the file.
	FilePath string `json:"file_path"`

	// RemoteTarget identifies the remote archive the file goes to.
	RemoteTarget string `json:"remote_target"`

	// Folder is an optional destination prefix inside the remote archive.
	Folder string `json:"folder,omitempty"`

	Network NetworkConstraint `json:"network"`

	// FailureCount is incremented by the queue worker on every failed attempt.
	FailureCount int `json:"failure_count"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CheckFolder rejects remote folders that climb out of the archive root.
func CheckFolder(folder string) error {
	for _, seg := range strings.Split(filepath.ToSlash(folder), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: folder %q leaves the archive root", ErrInvalidEntry, folder)
		}
	}
	return nil
}

// Key is the identity used for de-duplication: remote id plus cleaned file path.
func (i Item) Key() string {
	return i.RemoteTarget + "|" + filepath.Clean(i.FilePath)
}

// Same reports whether two items refer to the same transfer.
func (i Item) Same(other Item) bool {
	return i.Key() == other.Key()
}
