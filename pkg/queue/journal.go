// Package queue keeps the Redis-backed history of the upload queues.
//
// Upload queues themselves live in process memory. What survives here is
// what happened to their items:
//   - uploads:{ns}:{queue}:completed   the last 100 successful transfers
//   - uploads:{ns}:{queue}:dead_letter items abandoned after a terminal failure
//
// Dead letter entries can be inspected for debugging and purged by hand.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/guido-cesarano/pipelined/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// History lists.
const (
	ListCompleted  = "completed"
	ListDeadLetter = "dead_letter"
)

const (
	completedHistory  = 100
	deadLetterHistory = 1000
)

// Record is one journal entry.
type Record struct {
	ID     string     `json:"id"`
	Item   tasks.Item `json:"item"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Journal writes upload outcomes to Redis lists.
type Journal struct {
	rdb       *redis.Client
	namespace string
}

// NewJournal creates a journal whose keys are scoped by namespace.
func NewJournal(rdb *redis.Client, namespace string) *Journal {
	return &Journal{rdb: rdb, namespace: namespace}
}

// Key returns the Redis key of one history list.
func (j *Journal) Key(queue, list string) string {
	return fmt.Sprintf("uploads:%s:%s:%s", j.namespace, queue, list)
}

// Complete records a successful transfer, keeping the last 100.
func (j *Journal) Complete(ctx context.Context, queue string, item tasks.Item) error {
	return j.push(ctx, j.Key(queue, ListCompleted), completedHistory, Record{Item: item})
}

// Abandon moves an item to the dead letter list.
func (j *Journal) Abandon(ctx context.Context, queue string, item tasks.Item, reason string) error {
	return j.push(ctx, j.Key(queue, ListDeadLetter), deadLetterHistory, Record{Item: item, Reason: reason})
}

func (j *Journal) push(ctx context.Context, key string, keep int64, rec Record) error {
	rec.ID = uuid.New().String()
	rec.At = time.Now()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := j.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	// Trim to the newest entries (keep tail)
	pipe.LTrim(ctx, key, -keep, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// Inspect returns up to limit of the newest records of a list, oldest first.
func (j *Journal) Inspect(ctx context.Context, queue, list string, limit int64) ([]Record, error) {
	if limit <= 0 {
		limit = completedHistory
	}
	raw, err := j.rdb.LRange(ctx, j.Key(queue, list), -limit, -1).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raw))
	for _, r := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			logger.Log.Warn().Err(err).Str("queue", queue).Msg("Skipping malformed journal entry")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Depths returns the length of every history list of the given queues.
func (j *Journal) Depths(ctx context.Context, queues ...string) map[string]int64 {
	depths := make(map[string]int64)
	for _, q := range queues {
		for _, l := range []string{ListCompleted, ListDeadLetter} {
			if n, err := j.rdb.LLen(ctx, j.Key(q, l)).Result(); err == nil {
				depths[q+":"+l] = n
			}
		}
	}
	return depths
}

// Purge deletes one history list.
func (j *Journal) Purge(ctx context.Context, queue, list string) error {
	return j.rdb.Del(ctx, j.Key(queue, list)).Err()
}
