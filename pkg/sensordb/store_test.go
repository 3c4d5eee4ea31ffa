package sensordb

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guido-cesarano/pipelined/pkg/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func reading(name string, ts int64, values map[string]any) probe.Reading {
	return probe.Reading{Probe: name, Timestamp: time.Unix(ts, 0), TimezoneOffset: 3600, Values: values}
}

func TestRecordAndIterate(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.Record(reading("runtime", 200, map[string]any{"goroutines": 4})))
	require.NoError(t, s.Record(reading("clock", 300, map[string]any{"unix": 300})))
	require.NoError(t, s.Record(reading("runtime", 100, map[string]any{"goroutines": 3})))
	// Same probe and timestamp must not overwrite each other.
	require.NoError(t, s.Record(reading("runtime", 100, map[string]any{"goroutines": 5})))

	n, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var order []string
	require.NoError(t, s.Readings(func(r probe.Reading) error {
		order = append(order, r.Probe+"@"+time.Unix(r.Timestamp.Unix(), 0).UTC().Format("150405"))
		return nil
	}))
	assert.Equal(t, []string{"clock@000500", "runtime@000140", "runtime@000140", "runtime@000320"}, order)
}

func TestRecordRejectsBadProbeName(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.Record(reading("", 1, nil)))
	assert.Error(t, s.Record(reading("a/b", 1, nil)))
}

func TestExportWritesCSV(t *testing.T) {
	s := newStore(t)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	require.NoError(t, s.Record(reading("clock", 42, map[string]any{"unix": 42})))

	dir := filepath.Join(t.TempDir(), "export")
	path, err := s.Export(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "SensorData_1700000000.csv"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"probe", "timestamp", "timezoneOffset", "value"},
		{"clock", "42", "3600", `{"unix":42}`},
	}, rows)

	n, _ := s.Count()
	assert.Equal(t, 1, n, "export keeps readings")
}

func TestArchiveBacksUpAndDrops(t *testing.T) {
	s := newStore(t)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	dir := t.TempDir()

	path, err := s.Archive(dir)
	require.NoError(t, err)
	assert.Empty(t, path, "nothing to archive")

	require.NoError(t, s.Record(reading("clock", 1, map[string]any{"unix": 1})))
	require.NoError(t, s.Record(reading("clock", 2, map[string]any{"unix": 2})))

	path, err = s.Archive(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "SensorData_1700000000.bak"), path)

	n, _ := s.Count()
	assert.Zero(t, n)

	// The backup can be loaded into a fresh database.
	restored := newStore(t)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, restored.db.Load(f, 16))
	n, err = restored.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestArchiveInSameSecondKeepsEveryBackup(t *testing.T) {
	s := newStore(t)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	dir := t.TempDir()

	require.NoError(t, s.Record(reading("clock", 1, map[string]any{"unix": 1})))
	first, err := s.Archive(dir)
	require.NoError(t, err)
	require.NoError(t, s.Record(reading("clock", 2, map[string]any{"unix": 2})))
	second, err := s.Archive(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "SensorData_1700000000.bak"), first)
	assert.Equal(t, filepath.Join(dir, "SensorData_1700000000_1.bak"), second)

	// Both readings survive across the two backups.
	total := 0
	for _, path := range []string{first, second} {
		restored := newStore(t)
		f, err := os.Open(path)
		require.NoError(t, err)
		require.NoError(t, restored.db.Load(f, 16))
		f.Close()
		n, err := restored.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n, path)
		total += n
	}
	assert.Equal(t, 2, total)

	removed, err := ClearBackups(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestClearBackups(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"SensorData_1.bak", "SensorData_2.bak", "SensorData_3.csv", "other.bak"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	removed, err := ClearBackups(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, _ := filepath.Glob(filepath.Join(dir, "*"))
	assert.ElementsMatch(t, []string{filepath.Join(dir, "SensorData_3.csv"), filepath.Join(dir, "other.bak")}, left)
}
