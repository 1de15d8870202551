// Package janitor runs the background maintenance jobs: reconciling
// recency queues against the store and purging soft-deleted snippets
// once their retention window lapses.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"clipvault/internal/config"
	"clipvault/internal/logging"
	"clipvault/internal/recency"
	"clipvault/internal/store"
)

// Job names, stable for inspection and tests.
const (
	JobRecencySweep = "recency-sweep"
	JobPurgeDeleted = "purge-deleted"
)

const jobTimeout = time.Minute

// JobInfo describes a registered maintenance job for external inspection.
type JobInfo struct {
	ID      string        // unique job ID (gocron UUID)
	Name    string        // stable job name
	Every   time.Duration // run interval
	LastRun time.Time     // zero if never run
	NextRun time.Time     // zero if not scheduled
}

// Janitor owns the shared maintenance scheduler. Each job runs on a
// fixed interval with its own deadline; a failing job logs and waits
// for the next tick.
type Janitor struct {
	store  *store.Store
	queue  *recency.Queue
	cfg    config.Janitor
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	intervals map[string]time.Duration
}

// New creates a Janitor with both maintenance jobs registered but not
// yet running.
func New(st *store.Store, queue *recency.Queue, cfg config.Janitor, logger *slog.Logger) (*Janitor, error) {
	sch, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create maintenance scheduler: %w", err)
	}

	j := &Janitor{
		store:     st,
		queue:     queue,
		cfg:       cfg,
		logger:    logging.Default(logger).With("component", "janitor"),
		now:       time.Now,
		scheduler: sch,
		jobs:      make(map[string]gocron.Job),
		intervals: make(map[string]time.Duration),
	}

	if err := j.addJob(JobRecencySweep, cfg.SweepInterval, j.runSweep); err != nil {
		return nil, err
	}
	if err := j.addJob(JobPurgeDeleted, cfg.PurgeInterval, j.runPurge); err != nil {
		return nil, err
	}
	return j, nil
}

// addJob registers a named interval job. The name must be unique.
func (j *Janitor) addJob(name string, every time.Duration, taskFn any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, exists := j.jobs[name]; exists {
		return fmt.Errorf("maintenance job already exists: %s", name)
	}
	if every <= 0 {
		return fmt.Errorf("maintenance job %s: interval must be positive", name)
	}

	job, err := j.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(taskFn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("create maintenance job %s: %w", name, err)
	}

	j.jobs[name] = job
	j.intervals[name] = every
	j.logger.Info("maintenance job added", "name", name, "every", every)
	return nil
}

// HasJob returns true if a job with the given name exists.
func (j *Janitor) HasJob(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, ok := j.jobs[name]
	return ok
}

// Jobs returns info about all registered jobs.
func (j *Janitor) Jobs() []JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	infos := make([]JobInfo, 0, len(j.jobs))
	for name, job := range j.jobs {
		info := JobInfo{
			ID:    job.ID().String(),
			Name:  name,
			Every: j.intervals[name],
		}
		if lr, err := job.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := job.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins executing the registered jobs on their intervals.
func (j *Janitor) Start() {
	j.scheduler.Start()
	j.logger.Info("janitor started",
		"sweep_every", j.cfg.SweepInterval,
		"purge_every", j.cfg.PurgeInterval,
		"purge_retention", j.cfg.PurgeRetention)
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() error {
	return j.scheduler.Shutdown()
}

func (j *Janitor) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := j.SweepRecency(ctx)
	if err != nil {
		j.logger.Error("recency sweep failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("recency sweep", "removed", removed)
	}
}

func (j *Janitor) runPurge() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	purged, err := j.PurgeDeleted(ctx)
	if err != nil {
		j.logger.Error("purge failed", "error", err)
		return
	}
	if purged > 0 {
		j.logger.Info("purged deleted snippets", "count", purged)
	}
}

// SweepRecency walks every user's recency queue and drops entries whose
// snippet no longer exists or was soft-deleted. Deletes keep the queue
// best-effort in the hot path; divergence self-heals here within one
// sweep interval. Returns the number of entries removed.
func (j *Janitor) SweepRecency(ctx context.Context) (int, error) {
	userIDs, err := j.store.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: list users: %w", err)
	}

	removed := 0
	for _, userID := range userIDs {
		n, err := j.sweepUser(ctx, userID)
		if err != nil {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			j.logger.Warn("recency sweep", "user_id", userID, "error", err)
			continue
		}
		removed += n
	}
	return removed, nil
}

func (j *Janitor) sweepUser(ctx context.Context, userID int64) (int, error) {
	entries, err := j.queue.Recent(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("read queue: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	// SnippetsByIDs only returns live rows, so anything absent from the
	// map is a dead queue entry.
	live, err := j.store.SnippetsByIDs(ctx, userID, entries)
	if err != nil {
		return 0, fmt.Errorf("load snippets: %w", err)
	}

	removed := 0
	for _, id := range entries {
		if _, ok := live[id]; ok {
			continue
		}
		if err := j.queue.Remove(ctx, userID, id); err != nil {
			return removed, fmt.Errorf("remove entry %d: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// PurgeDeleted hard-deletes snippets that were soft-deleted longer ago
// than the retention window. Chunk rows go with them via the foreign
// key cascade, and the owners' byte accounting is adjusted. Returns the
// number of snippets purged.
func (j *Janitor) PurgeDeleted(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.cfg.PurgeRetention)
	purged, err := j.store.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge deleted: %w", err)
	}
	return purged, nil
}
