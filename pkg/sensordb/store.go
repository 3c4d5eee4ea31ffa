// Package sensordb stores probe readings in an embedded badger database and
// produces the archive and export files of the sensor pipeline.
package sensordb

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/probe"
	"github.com/rs/zerolog"
)

// DBName prefixes the archive and export files.
const DBName = "SensorData"

// File extensions of the artifacts written by the store.
const (
	BackupExt = ".bak"
	ExportExt = ".csv"
)

const readingPrefix = "reading/"

// Store is a badger database of readings keyed by probe and time.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a database that lives only as long as the process.
func OpenInMemory() (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Store, error) {
	log := logger.For("sensordb")
	db, err := badger.Open(opts.WithLogger(blogger{log}))
	if err != nil {
		return nil, fmt.Errorf("could not open sensor database: %w", err)
	}
	return &Store{db: db, log: log, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func readingKey(r probe.Reading) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", readingPrefix, r.Probe, r.Timestamp.UnixNano(), uuid.New().String()))
}

// Record stores one reading. It implements probe.Sink.
func (s *Store) Record(r probe.Reading) error {
	if r.Probe == "" || strings.Contains(r.Probe, "/") {
		return fmt.Errorf("invalid probe name %q", r.Probe)
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("could not marshal reading: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(readingKey(r), value)
	})
}

// Readings calls fn for every stored reading, ordered by probe name and time.
// Iteration stops at the first error returned by fn.
func (s *Store) Readings(fn func(probe.Reading) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(readingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r probe.Reading
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			})
			if err != nil {
				return fmt.Errorf("could not decode reading %s: %w", it.Item().Key(), err)
			}
			if err := fn(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// Count returns the number of stored readings.
func (s *Store) Count() (int, error) {
	keys, err := s.readingKeys()
	return len(keys), err
}

// Archive writes a full backup of the database into dir and then drops the
// archived readings, so the next archive only carries new data. It returns
// the backup path. An empty database produces no file.
func (s *Store) Archive(dir string) (string, error) {
	keys, err := s.readingKeys()
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}

	path, err := s.writeFile(dir, BackupExt, func(f *os.File) error {
		_, err := s.db.Backup(f, 0)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("could not archive sensor database: %w", err)
	}

	// Only readings known before the backup are dropped. One recorded in
	// between is archived again next time rather than lost.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return path, fmt.Errorf("archived to %s but could not clear readings: %w", path, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return path, fmt.Errorf("archived to %s but could not clear readings: %w", path, err)
	}
	s.log.Info().Str("file", path).Int("readings", len(keys)).Msg("Archived sensor database")
	return path, nil
}

func (s *Store) readingKeys() ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(readingPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// Export writes all readings as CSV into dir and returns the file path.
// Readings stay in the database.
func (s *Store) Export(dir string) (string, error) {
	path, err := s.writeFile(dir, ExportExt, func(f *os.File) error {
		w := csv.NewWriter(f)
		if err := w.Write([]string{"probe", "timestamp", "timezoneOffset", "value"}); err != nil {
			return err
		}
		err := s.Readings(func(r probe.Reading) error {
			value, err := json.Marshal(r.Values)
			if err != nil {
				return err
			}
			return w.Write([]string{
				r.Probe,
				strconv.FormatInt(r.Timestamp.Unix(), 10),
				strconv.Itoa(r.TimezoneOffset),
				string(value),
			})
		})
		if err != nil {
			return err
		}
		w.Flush()
		return w.Error()
	})
	if err != nil {
		return "", fmt.Errorf("could not export sensor database: %w", err)
	}
	s.log.Info().Str("file", path).Msg("Exported sensor database")
	return path, nil
}

// maxNameAttempts bounds the suffixes tried when several artifacts are
// written within the same second.
const maxNameAttempts = 100

// writeFile creates DBName_<unix><ext> in dir through a temporary file so a
// half-written artifact is never picked up by an upload. An existing file is
// never replaced: a second artifact in the same second gets a _<n> suffix.
func (s *Store) writeFile(dir, ext string, write func(*os.File) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, "."+DBName+"-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	base := fmt.Sprintf("%s_%d", DBName, s.now().Unix())
	for i := 0; i < maxNameAttempts; i++ {
		name := base + ext
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		path := filepath.Join(dir, name)
		err := os.Link(tmp.Name(), path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free file name for %s%s in %s", base, ext, dir)
}

// ClearBackups deletes every archive backup in dir and returns how many were
// removed.
func ClearBackups(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, DBName+"_*"+BackupExt))
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// blogger routes badger's logging to zerolog.
type blogger struct {
	log zerolog.Logger
}

func (l blogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l blogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l blogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l blogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(strings.TrimSpace(format), args...)
}
