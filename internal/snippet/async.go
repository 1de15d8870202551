package snippet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clipvault/internal/store"
)

// job carries one accepted snippet to the persist workers. Content is
// the original plaintext; the row already exists in PROCESSING state.
type job struct {
	snippetID int64
	userID    int64
	content   []byte
}

// processor runs the asynchronous chunk-compress-persist stage on its
// own bounded queue and dedicated workers, isolated from the shared
// compute pool so a burst of accepts cannot starve retrieval.
type processor struct {
	svc     *Service
	jobs    chan job
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
	logger  *slog.Logger
}

func newProcessor(svc *Service, workers, depth int, timeout time.Duration, logger *slog.Logger) *processor {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &processor{
		svc:     svc,
		jobs:    make(chan job, depth),
		quit:    make(chan struct{}),
		timeout: timeout,
		logger:  logger,
	}
	for range workers {
		p.wg.Go(p.run)
	}
	return p
}

// tryEnqueue hands a job to the workers without blocking. False means
// the queue is full or the processor has stopped; the caller unwinds
// the accept.
func (p *processor) tryEnqueue(j job) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.jobs <- j:
		return true
	case <-p.quit:
		return false
	default:
		return false
	}
}

// stop ends intake and waits for the workers. Queued jobs are processed
// before the workers exit so no snippet is left PROCESSING forever.
func (p *processor) stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *processor) run() {
	for {
		select {
		case j := <-p.jobs:
			p.process(j)
		case <-p.quit:
			for {
				select {
				case j := <-p.jobs:
					p.process(j)
				default:
					return
				}
			}
		}
	}
}

// process persists one snippet. Failures of any kind, panics included,
// are absorbed into a FAILED status; they never reach the accept that
// queued the job.
func (p *processor) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic persisting snippet", "snippet_id", j.snippetID, "panic", r)
			p.fail(j.snippetID)
		}
	}()

	if err := p.persist(ctx, j); err != nil {
		p.logger.Error("persist snippet", "snippet_id", j.snippetID, "error", err)
		p.fail(j.snippetID)
	}
}

func (p *processor) persist(ctx context.Context, j job) error {
	chunks, err := p.svc.pipe.Pack(ctx, j.content)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	if _, err := p.svc.store.SnippetByIDAndOwner(ctx, j.snippetID, j.userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("snippet row gone before persist", "snippet_id", j.snippetID)
			return nil
		}
		return fmt.Errorf("load snippet: %w", err)
	}

	records := make([]store.ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = store.ChunkRecord{
			Index:      c.Index,
			Content:    c.Content,
			Compressed: c.Compressed,
		}
	}
	if err := p.svc.store.InsertChunks(ctx, j.snippetID, records); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if err := p.svc.store.MarkCompleted(ctx, j.snippetID, len(records)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}

	if err := p.svc.store.AddUsedBytes(ctx, j.userID, int64(len(j.content))); err != nil {
		p.logger.Warn("byte accounting", "user_id", j.userID, "error", err)
	}
	return nil
}

// fail flips the row to FAILED with a fresh deadline; the original ctx
// may be the reason the job failed.
func (p *processor) fail(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.svc.store.MarkFailed(ctx, id); err != nil {
		p.logger.Error("mark failed", "snippet_id", id, "error", err)
	}
}
