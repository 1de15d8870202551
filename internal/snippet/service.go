// Package snippet is the service core: it coordinates the metadata
// store, the recency queue, and the content pipeline into the user
// facing operations (accept, fetch, search, delete, access) and runs
// the asynchronous persist stage behind accept.
//
// Writes to the recency queue are best-effort everywhere: a Redis
// failure degrades ordering but never fails a store commit. Read-path
// recency failures degrade to an empty listing.
package snippet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"clipvault/internal/config"
	"clipvault/internal/logging"
	"clipvault/internal/pipeline"
	"clipvault/internal/recency"
	"clipvault/internal/store"
	"clipvault/internal/workpool"
)

// Item is one snippet as returned to clients. Content is empty on
// accept responses and for snippets whose chunks are not available yet.
type Item struct {
	ID        int64
	Content   string
	SourceURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Config wires a Service.
type Config struct {
	Store    *store.Store
	Recency  *recency.Queue
	Pipeline *pipeline.Pipeline
	Pool     *workpool.Pool
	Limits   config.Snippets

	// Async processor dimensions. Zero values fall back to one worker,
	// a one-slot queue, and a 30 s write deadline.
	AsyncWorkers      int
	AsyncQueueDepth   int
	AsyncWriteTimeout time.Duration

	Logger *slog.Logger
}

// Service implements the snippet operations for authenticated users.
type Service struct {
	store  *store.Store
	queue  *recency.Queue
	pipe   *pipeline.Pipeline
	pool   *workpool.Pool
	limits config.Snippets
	logger *slog.Logger
	proc   *processor
}

// New builds a Service and starts its async persist workers.
func New(cfg Config) *Service {
	logger := logging.Default(cfg.Logger).With("component", "snippet")
	s := &Service{
		store:  cfg.Store,
		queue:  cfg.Recency,
		pipe:   cfg.Pipeline,
		pool:   cfg.Pool,
		limits: cfg.Limits,
		logger: logger,
	}
	s.proc = newProcessor(s, cfg.AsyncWorkers, cfg.AsyncQueueDepth, cfg.AsyncWriteTimeout, logger)
	return s
}

// Stop shuts down the async workers, finishing queued persist jobs
// first.
func (s *Service) Stop() {
	s.proc.stop()
}

// QueueDepth reports how many accepted snippets are waiting to be
// persisted.
func (s *Service) QueueDepth() int {
	return len(s.proc.jobs)
}

// QueueCapacity reports the persist queue's capacity.
func (s *Service) QueueCapacity() int {
	return cap(s.proc.jobs)
}

// Accept validates and registers new content for the user, queueing the
// chunk-compress-persist work asynchronously. The returned Item carries
// the id and timestamps with empty content; clients fetch the stored
// content via FetchOne once processing completes.
func (s *Service) Accept(ctx context.Context, userID int64, content []byte, sourceURL string) (*Item, error) {
	if len(content) == 0 {
		return nil, ErrEmptyContent
	}
	if int64(len(content)) > s.limits.MaxSnippetBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrContentTooLarge, len(content), s.limits.MaxSnippetBytes)
	}
	if len(sourceURL) > s.limits.MaxSourceURLBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrSourceURLTooLong, len(sourceURL), s.limits.MaxSourceURLBytes)
	}

	if err := s.checkDuplicate(ctx, userID, content); err != nil {
		return nil, err
	}

	count, err := s.store.CountNonDeleted(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count snippets: %w", err)
	}
	if count >= s.limits.MaxSnippetsPerUser {
		return nil, &QuotaError{Current: count, Max: s.limits.MaxSnippetsPerUser}
	}

	if err := s.checkWordLimit(content); err != nil {
		return nil, err
	}

	snip, err := s.store.InsertSnippet(ctx, userID, sourceURL, int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("insert snippet: %w", err)
	}

	if err := s.queue.PushFront(ctx, userID, snip.ID); err != nil {
		s.logger.Warn("recency push", "snippet_id", snip.ID, "error", err)
	}

	if !s.proc.tryEnqueue(job{snippetID: snip.ID, userID: userID, content: content}) {
		s.unwindAccept(userID, snip.ID)
		return nil, ErrBusy
	}

	item := newItem(snip, nil)
	return &item, nil
}

// unwindAccept rolls back an accept whose job could not be queued, so a
// Busy response leaves no trace. Runs on its own deadline because the
// request context may already be done.
func (s *Service) unwindAccept(userID, snippetID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.queue.Remove(ctx, userID, snippetID); err != nil {
		s.logger.Warn("unwind recency remove", "snippet_id", snippetID, "error", err)
	}
	if err := s.store.HardDeleteSnippet(ctx, snippetID); err != nil {
		s.logger.Error("unwind snippet row", "snippet_id", snippetID, "error", err)
	}
}

// checkDuplicate compares content against the owner's recent snippets.
// Snippets with no chunks yet (still processing) are skipped, as are
// snippets whose stored size differs from the candidate's.
func (s *Service) checkDuplicate(ctx context.Context, userID int64, content []byte) error {
	if s.limits.DuplicateScanDepth <= 0 {
		return nil
	}
	recent, err := s.store.RecentNonDeleted(ctx, userID, s.limits.DuplicateScanDepth)
	if err != nil {
		return fmt.Errorf("load recent snippets: %w", err)
	}
	for i := range recent {
		snip := &recent[i]
		if snip.TotalSize != int64(len(content)) {
			continue
		}
		chunks, err := s.store.ChunksBySnippet(ctx, snip.ID)
		if err != nil {
			return fmt.Errorf("load chunks for %d: %w", snip.ID, err)
		}
		if len(chunks) == 0 {
			continue
		}
		payloads, compressed := chunkPayloads(chunks)
		prev, err := s.pipe.Unpack(ctx, payloads, compressed)
		if err != nil {
			s.logger.Warn("duplicate scan skipping snippet", "snippet_id", snip.ID, "error", err)
			continue
		}
		if bytes.Equal(prev, content) {
			return ErrDuplicate
		}
	}
	return nil
}

func (s *Service) checkWordLimit(content []byte) error {
	if int64(len(content)) > s.limits.WordValidationSkipBytes {
		return nil
	}
	words := estimateWords(content, s.limits.WordScanLimitBytes)
	if words > s.limits.MaxWords {
		return &WordLimitError{Estimated: words, Max: s.limits.MaxWords}
	}
	return nil
}

// estimateWords counts whitespace to non-whitespace rune transitions in
// at most scanLimit bytes and extrapolates linearly over the full
// length when the content is longer than the scan.
func estimateWords(content []byte, scanLimit int64) int64 {
	scan := content
	if scanLimit > 0 && int64(len(scan)) > scanLimit {
		scan = scan[:scanLimit]
	}
	var words int64
	inSpace := true
	for _, r := range string(scan) {
		if unicode.IsSpace(r) {
			inSpace = true
		} else if inSpace {
			words++
			inSpace = false
		}
	}
	if len(scan) > 0 && len(content) > len(scan) {
		words = words * int64(len(content)) / int64(len(scan))
	}
	return words
}

// FetchRecent returns the user's recently used snippets, most recent
// first, reconstructing all contents in one batched parallel pass.
// Snippets whose chunks are not persisted yet come back with empty
// content; corrupt snippets are skipped. A recency read failure
// degrades to an empty result rather than an error.
func (s *Service) FetchRecent(ctx context.Context, userID int64) ([]Item, error) {
	ids, err := s.queue.Recent(ctx, userID)
	if err != nil {
		s.logger.Warn("recency read failed, serving empty", "user_id", userID, "error", err)
		return nil, nil
	}
	if len(ids) == 0 {
		return nil, nil
	}

	chunksByID, err := s.store.ChunksForSnippets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	metas, err := s.store.SnippetsByIDs(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("load snippets: %w", err)
	}

	// Only snippets that have chunks go through the pipeline; the rest
	// are returned as-is with empty content.
	inputs := make([]pipeline.Input, 0, len(ids))
	for _, id := range ids {
		if _, ok := metas[id]; !ok {
			continue
		}
		chunks := chunksByID[id]
		if len(chunks) == 0 {
			continue
		}
		payloads, compressed := chunkPayloads(chunks)
		inputs = append(inputs, pipeline.Input{ID: id, Chunks: payloads, Compressed: compressed})
	}

	contents := make(map[int64][]byte, len(inputs))
	corrupt := make(map[int64]bool)
	for _, res := range s.pipe.UnpackBatch(ctx, inputs) {
		if res.Err != nil {
			s.logger.Warn("skipping corrupt snippet", "snippet_id", res.ID, "error", res.Err)
			corrupt[res.ID] = true
			continue
		}
		contents[res.ID] = res.Content
	}

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		meta, ok := metas[id]
		if !ok || corrupt[id] {
			continue
		}
		items = append(items, newItem(&meta, contents[id]))
	}
	return items, nil
}

// FetchOne returns a single snippet with its full content and moves it
// to the front of the user's recency queue.
func (s *Service) FetchOne(ctx context.Context, userID, id int64) (*Item, error) {
	snip, err := s.store.SnippetByIDAndOwner(ctx, id, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snippet: %w", err)
	}
	if snip.IsDeleted {
		return nil, ErrNotFound
	}

	chunks, err := s.store.ChunksBySnippet(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		if snip.Status == store.StatusProcessing {
			return nil, ErrNotReady
		}
		return nil, ErrNotFound
	}

	payloads, compressed := chunkPayloads(chunks)
	content, err := s.pipe.Unpack(ctx, payloads, compressed)
	if err != nil {
		return nil, fmt.Errorf("unpack snippet %d: %w", id, err)
	}

	if err := s.queue.MoveToFront(ctx, userID, id); err != nil {
		s.logger.Warn("recency move-to-front", "snippet_id", id, "error", err)
	}

	item := newItem(snip, content)
	return &item, nil
}

// Search scans the user's recent snippets for query, matching raw bytes
// case-sensitively, and returns the matching snippets with full content
// in recency-scan order (newest first). Snippet scans run in parallel
// on the shared pool; snippets that cannot be read are skipped.
func (s *Service) Search(ctx context.Context, userID int64, query []byte) ([]Item, error) {
	if len(query) == 0 {
		return nil, ErrEmptyQuery
	}

	snips, err := s.store.RecentNonDeleted(ctx, userID, s.limits.SearchMaxSnippets)
	if err != nil {
		return nil, fmt.Errorf("load recent snippets: %w", err)
	}
	if len(snips) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(snips))
	for i := range snips {
		ids[i] = snips[i].ID
	}
	chunksByID, err := s.store.ChunksForSnippets(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	matched := make([][]byte, len(snips))
	var wg sync.WaitGroup
	for i := range snips {
		snip := &snips[i]
		chunks := chunksByID[snip.ID]
		if len(chunks) == 0 {
			continue
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			payloads, compressed := chunkPayloads(chunks)
			found, err := s.pipe.Search(ctx, payloads, compressed, query)
			if err != nil {
				s.logger.Warn("search skipping snippet", "snippet_id", snip.ID, "error", err)
				return
			}
			if !found {
				return
			}
			content, err := s.pipe.Unpack(ctx, payloads, compressed)
			if err != nil {
				s.logger.Warn("search skipping corrupt snippet", "snippet_id", snip.ID, "error", err)
				return
			}
			matched[i] = content
		}
		if !s.pool.TrySubmit(task) {
			task()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(snips))
	for i := range snips {
		if matched[i] == nil {
			continue
		}
		items = append(items, newItem(&snips[i], matched[i]))
	}
	return items, nil
}

// Delete soft-deletes a snippet. The content disappears from every
// listing immediately; chunk rows stay until the purge job claims them.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	snip, err := s.store.SnippetByIDAndOwner(ctx, id, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load snippet: %w", err)
	}
	if snip.IsDeleted {
		return ErrNotFound
	}

	if err := s.store.MarkDeleted(ctx, id); err != nil {
		return fmt.Errorf("delete snippet: %w", err)
	}

	if err := s.queue.Remove(ctx, userID, id); err != nil {
		s.logger.Warn("recency remove", "snippet_id", id, "error", err)
	}
	return nil
}

// Touch moves a snippet to the front of the user's recency queue
// without loading its content.
func (s *Service) Touch(ctx context.Context, userID, id int64) error {
	snip, err := s.store.SnippetByIDAndOwner(ctx, id, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load snippet: %w", err)
	}
	if snip.IsDeleted {
		return ErrNotFound
	}

	if err := s.queue.MoveToFront(ctx, userID, id); err != nil {
		return fmt.Errorf("move to front: %w", err)
	}
	return nil
}

// chunkPayloads strips store chunks down to their payload bytes. The
// compressed flag is uniform per snippet; the first chunk's flag
// speaks for all of them. Callers guarantee chunks is non-empty.
func chunkPayloads(chunks []store.Chunk) ([][]byte, bool) {
	payloads := make([][]byte, len(chunks))
	for i := range chunks {
		payloads[i] = chunks[i].Content
	}
	return payloads, chunks[0].Compressed
}

func newItem(snip *store.Snippet, content []byte) Item {
	return Item{
		ID:        snip.ID,
		Content:   string(content),
		SourceURL: snip.SourceURL,
		CreatedAt: snip.CreatedAt,
		UpdatedAt: snip.UpdatedAt,
	}
}
