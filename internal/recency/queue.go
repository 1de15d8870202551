// Package recency maintains each user's most-recently-used snippet list
// in Redis. One list per user, head is most recent, values are snippet
// ids in decimal. The list is ordering metadata only: sqlite remains the
// source of truth, Redis failures degrade reads to empty rather than
// failing requests, and a background sweep drops ids whose snippets are
// gone.
package recency

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"clipvault/internal/logging"
)

// DefaultOpTimeout bounds each Redis round trip when no timeout is
// configured.
const DefaultOpTimeout = 2 * time.Second

// Queue is the per-user recency list. Safe for concurrent use.
type Queue struct {
	client    *redis.Client
	cap       int
	opTimeout time.Duration
	logger    *slog.Logger
}

// New builds a queue over an existing Redis client. cap is the maximum
// list length per user; every mutation trims to it.
func New(client *redis.Client, cap int, opTimeout time.Duration, logger *slog.Logger) *Queue {
	if cap < 1 {
		cap = 1
	}
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &Queue{
		client:    client,
		cap:       cap,
		opTimeout: opTimeout,
		logger:    logging.Default(logger).With("component", "recency"),
	}
}

// Cap reports the configured maximum list length.
func (q *Queue) Cap() int {
	return q.cap
}

func (q *Queue) key(userID int64) string {
	return "recency:" + strconv.FormatInt(userID, 10)
}

func (q *Queue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.opTimeout)
}

// PushFront puts a snippet at the head of the user's list and trims the
// tail to the configured cap.
func (q *Queue) PushFront(ctx context.Context, userID, snippetID int64) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	key := q.key(userID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, snippetID)
		pipe.LTrim(ctx, key, 0, int64(q.cap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recency push front: %w", err)
	}
	return nil
}

// MoveToFront removes any existing occurrences of the snippet and pushes
// it to the head, trimming to cap. Idempotent: the result is the same
// whether or not the id was already listed, so concurrent touches of the
// same snippet cannot produce duplicates.
func (q *Queue) MoveToFront(ctx context.Context, userID, snippetID int64) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	key := q.key(userID)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, key, 0, snippetID)
		pipe.LPush(ctx, key, snippetID)
		pipe.LTrim(ctx, key, 0, int64(q.cap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("recency move to front: %w", err)
	}
	return nil
}

// Recent returns the user's snippet ids, most recent first. A missing
// key yields an empty slice. Entries that do not parse as ids are
// skipped; the sweep eventually clears them.
func (q *Queue) Recent(ctx context.Context, userID int64) ([]int64, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	values, err := q.client.LRange(ctx, q.key(userID), 0, int64(q.cap-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recency range: %w", err)
	}
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			q.logger.Warn("skipping malformed recency entry", "user_id", userID, "entry", v)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove deletes all occurrences of the snippet from the user's list.
func (q *Queue) Remove(ctx context.Context, userID, snippetID int64) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	if err := q.client.LRem(ctx, q.key(userID), 0, snippetID).Err(); err != nil {
		return fmt.Errorf("recency remove: %w", err)
	}
	return nil
}

// Clear drops the user's entire list.
func (q *Queue) Clear(ctx context.Context, userID int64) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	if err := q.client.Del(ctx, q.key(userID)).Err(); err != nil {
		return fmt.Errorf("recency clear: %w", err)
	}
	return nil
}

// Size reports the current list length.
func (q *Queue) Size(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	n, err := q.client.LLen(ctx, q.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("recency size: %w", err)
	}
	return n, nil
}
