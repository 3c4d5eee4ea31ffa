package upload

import (
	"context"
	"fmt"

	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/netcheck"
	"github.com/guido-cesarano/pipelined/pkg/status"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
)

// ServiceOptions configures both queues of a Service.
type ServiceOptions struct {
	Remotes      []archive.Remote
	Connectivity netcheck.Connectivity
	Status       *status.Recorder
	Journal      Journal
	MaxFailures  int
}

// Service owns the regular-file queue and the database-archive queue. The two
// drain independently; nothing orders an item of one against the other.
type Service struct {
	regular  *Queue
	database *Queue
}

// NewService creates both queues. Files on the database queue are local
// archive copies and are deleted once uploaded.
func NewService(ctx context.Context, opts ServiceOptions) *Service {
	base := Options{
		Remotes:      opts.Remotes,
		Connectivity: opts.Connectivity,
		Status:       opts.Status,
		Journal:      opts.Journal,
		MaxFailures:  opts.MaxFailures,
	}

	regular := base
	regular.Kind = KindRegular

	database := base
	database.Kind = KindDatabase
	database.RemoveOnSuccess = true

	return &Service{
		regular:  New(ctx, regular),
		database: New(ctx, database),
	}
}

// Queue returns the queue of the given kind.
func (s *Service) Queue(kind Kind) (*Queue, error) {
	switch kind {
	case KindRegular:
		return s.regular, nil
	case KindDatabase:
		return s.database, nil
	}
	return nil, fmt.Errorf("unknown queue %q", kind)
}

// Upload enqueues a file on the regular queue.
func (s *Service) Upload(item tasks.Item) (bool, error) {
	return s.regular.Enqueue(item)
}

// UploadDB enqueues a database archive on the database queue.
func (s *Service) UploadDB(item tasks.Item) (bool, error) {
	return s.database.Enqueue(item)
}

// Depths reports the number of waiting items per queue.
func (s *Service) Depths() map[Kind]int {
	return map[Kind]int{
		KindRegular:  s.regular.Len(),
		KindDatabase: s.database.Len(),
	}
}

// Wait blocks until both workers are idle.
func (s *Service) Wait() {
	s.regular.Wait()
	s.database.Wait()
}

// Close stops accepting uploads and waits for in-flight attempts.
func (s *Service) Close() {
	s.regular.Close()
	s.database.Close()
}
