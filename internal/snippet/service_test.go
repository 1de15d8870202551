package snippet

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"clipvault/internal/compress"
	"clipvault/internal/config"
	"clipvault/internal/pipeline"
	"clipvault/internal/recency"
	"clipvault/internal/store"
	"clipvault/internal/workpool"
)

// ============================================================
// Test fixture
// ============================================================

type testEnv struct {
	svc   *Service
	store *store.Store
	queue *recency.Queue
	user  *store.User
}

func newTestEnv(t *testing.T, mutate func(*config.Snippets)) *testEnv {
	t.Helper()

	limits := config.Default().Snippets
	if mutate != nil {
		mutate(&limits)
	}

	st, err := store.New(filepath.Join(t.TempDir(), "clipvault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser(context.Background(), "tester@example.com", "hash", store.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	codec, err := compress.New(limits.Compression)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	pool := workpool.New(4, 32, nil)
	t.Cleanup(pool.Close)

	queue := recency.New(client, limits.RecencyCap, time.Second, nil)
	pipe := pipeline.New(pool, codec, limits.ChunkSizeBytes, limits.SearchBoundaryOverlapCap, nil)

	svc := New(Config{
		Store:             st,
		Recency:           queue,
		Pipeline:          pipe,
		Pool:              pool,
		Limits:            limits,
		AsyncWorkers:      2,
		AsyncQueueDepth:   8,
		AsyncWriteTimeout: 5 * time.Second,
	})
	t.Cleanup(svc.Stop)

	return &testEnv{svc: svc, store: st, queue: queue, user: user}
}

func (e *testEnv) accept(t *testing.T, content string) *Item {
	t.Helper()
	item, err := e.svc.Accept(context.Background(), e.user.ID, []byte(content), "")
	if err != nil {
		t.Fatalf("Accept(%q): %v", content, err)
	}
	return item
}

func (e *testEnv) acceptCompleted(t *testing.T, content string) *Item {
	t.Helper()
	item := e.accept(t, content)
	e.waitStatus(t, item.ID, store.StatusCompleted)
	return item
}

func (e *testEnv) waitStatus(t *testing.T, id int64, want store.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snip, err := e.store.SnippetByIDAndOwner(context.Background(), id, e.user.ID)
		if err == nil && snip.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("snippet %d never reached %s", id, want)
}

func (e *testEnv) recentContents(t *testing.T) []string {
	t.Helper()
	items, err := e.svc.FetchRecent(context.Background(), e.user.ID)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Content
	}
	return out
}

// ============================================================
// Accept
// ============================================================

func TestAcceptValidation(t *testing.T) {
	env := newTestEnv(t, func(l *config.Snippets) {
		l.MaxSnippetBytes = 10
		l.MaxSourceURLBytes = 5
	})
	ctx := context.Background()

	if _, err := env.svc.Accept(ctx, env.user.ID, nil, ""); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("empty content: got %v, want ErrEmptyContent", err)
	}
	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("0123456789X"), ""); !errors.Is(err, ErrContentTooLarge) {
		t.Errorf("oversized content: got %v, want ErrContentTooLarge", err)
	}
	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("ok"), "https://x"); !errors.Is(err, ErrSourceURLTooLong) {
		t.Errorf("long source url: got %v, want ErrSourceURLTooLong", err)
	}
}

func TestAcceptRoundTripSmall(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	item, err := env.svc.Accept(ctx, env.user.ID, []byte("hello world"), "https://ex.com")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if item.ID <= 0 {
		t.Errorf("expected positive id, got %d", item.ID)
	}
	if item.Content != "" {
		t.Errorf("accept response content should be empty, got %q", item.Content)
	}
	if item.SourceURL != "https://ex.com" {
		t.Errorf("SourceURL = %q, want https://ex.com", item.SourceURL)
	}

	env.waitStatus(t, item.ID, store.StatusCompleted)

	items, err := env.svc.FetchRecent(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 recent item, got %d", len(items))
	}
	if items[0].Content != "hello world" {
		t.Errorf("content = %q, want %q", items[0].Content, "hello world")
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	content := make([]byte, 200_000)
	for i := range content {
		content[i] = 'a' + byte(i%26)
	}

	item, err := env.svc.Accept(ctx, env.user.ID, content, "")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	env.waitStatus(t, item.ID, store.StatusCompleted)

	got, err := env.svc.FetchOne(ctx, env.user.ID, item.ID)
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if got.Content != string(content) {
		t.Fatal("round-tripped content differs from original")
	}

	// 200000 bytes at 65536 per chunk is 4 chunks, densely indexed.
	chunks, err := env.store.ChunksBySnippet(ctx, item.ID)
	if err != nil {
		t.Fatalf("ChunksBySnippet: %v", err)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
	}

	snip, err := env.store.SnippetByIDAndOwner(ctx, item.ID, env.user.ID)
	if err != nil {
		t.Fatalf("SnippetByIDAndOwner: %v", err)
	}
	if snip.TotalChunks != 4 {
		t.Errorf("TotalChunks = %d, want 4", snip.TotalChunks)
	}
}

// ============================================================
// Duplicates and quotas
// ============================================================

func TestDuplicateSuppression(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.acceptCompleted(t, "abc")

	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("abc"), ""); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second accept: got %v, want ErrDuplicate", err)
	}

	// Different content of the same length is not a duplicate.
	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("abd"), ""); err != nil {
		t.Errorf("distinct content rejected: %v", err)
	}
}

func TestDuplicateSkipsProcessingPredecessor(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// A row still in PROCESSING with no chunks must not block an
	// identical accept.
	if _, err := env.store.InsertSnippet(ctx, env.user.ID, "", 3); err != nil {
		t.Fatalf("insert pending row: %v", err)
	}

	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("abc"), ""); err != nil {
		t.Errorf("accept alongside pending twin: %v", err)
	}
}

func TestDuplicateScanDepthWindow(t *testing.T) {
	env := newTestEnv(t, func(l *config.Snippets) {
		l.DuplicateScanDepth = 2
	})
	ctx := context.Background()

	env.acceptCompleted(t, "first")
	env.acceptCompleted(t, "second")
	env.acceptCompleted(t, "third")

	// "first" has fallen outside the two-snippet scan window.
	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("first"), ""); err != nil {
		t.Errorf("re-accept outside scan window: %v", err)
	}
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t, func(l *config.Snippets) {
		l.MaxSnippetsPerUser = 3
	})
	ctx := context.Background()

	env.acceptCompleted(t, "one")
	env.acceptCompleted(t, "two")
	env.acceptCompleted(t, "three")

	_, err := env.svc.Accept(ctx, env.user.ID, []byte("four"), "")
	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("fourth accept: got %v, want QuotaError", err)
	}
	if qe.Current != 3 || qe.Max != 3 {
		t.Errorf("QuotaError = {%d, %d}, want {3, 3}", qe.Current, qe.Max)
	}
}

// ============================================================
// Word limit
// ============================================================

func TestWordLimit(t *testing.T) {
	env := newTestEnv(t, func(l *config.Snippets) {
		l.MaxWords = 3
	})
	ctx := context.Background()

	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("one two three"), ""); err != nil {
		t.Errorf("at the limit: %v", err)
	}

	_, err := env.svc.Accept(ctx, env.user.ID, []byte("one two three four"), "")
	var we *WordLimitError
	if !errors.As(err, &we) {
		t.Fatalf("over the limit: got %v, want WordLimitError", err)
	}
	if we.Estimated != 4 || we.Max != 3 {
		t.Errorf("WordLimitError = {%d, %d}, want {4, 3}", we.Estimated, we.Max)
	}
}

func TestWordLimitSkipsLargeContent(t *testing.T) {
	env := newTestEnv(t, func(l *config.Snippets) {
		l.MaxWords = 2
		l.WordValidationSkipBytes = 10
	})
	ctx := context.Background()

	// 11 bytes, 6 words: over the skip threshold, so never counted.
	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("a b c d e f"), ""); err != nil {
		t.Errorf("oversized input should skip word validation: %v", err)
	}
}

func TestEstimateWords(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		scanLimit int64
		want      int64
	}{
		{"empty", "", 100, 0},
		{"single word", "hello", 100, 1},
		{"simple", "one two three", 100, 3},
		{"leading and trailing space", "  a b  ", 100, 2},
		{"newlines and tabs", "a\nb\tc", 100, 3},
		{"extrapolated", strings.Repeat("ab ", 100), 150, 100},
		{"scan covers all", strings.Repeat("ab ", 10), 1000, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := estimateWords([]byte(tc.content), tc.scanLimit)
			if got != tc.want {
				t.Errorf("estimateWords = %d, want %d", got, tc.want)
			}
		})
	}
}

// ============================================================
// Retrieval
// ============================================================

func TestFetchOneStates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.svc.FetchOne(ctx, env.user.ID, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}

	// Another user's snippet is indistinguishable from a missing one.
	other, err := env.store.CreateUser(ctx, "other@example.com", "hash", store.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	theirs := env.acceptCompleted(t, "their content")
	if _, err := env.svc.FetchOne(ctx, other.ID, theirs.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant fetch: got %v, want ErrNotFound", err)
	}

	// A chunkless PROCESSING row is not ready; a chunkless FAILED row
	// has nothing to return.
	pending, err := env.store.InsertSnippet(ctx, env.user.ID, "", 5)
	if err != nil {
		t.Fatalf("insert pending row: %v", err)
	}
	if _, err := env.svc.FetchOne(ctx, env.user.ID, pending.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("processing snippet: got %v, want ErrNotReady", err)
	}
	if err := env.store.MarkFailed(ctx, pending.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := env.svc.FetchOne(ctx, env.user.ID, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed snippet: got %v, want ErrNotFound", err)
	}
}

func TestFetchRecentIncludesPending(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.acceptCompleted(t, "done")

	pending, err := env.store.InsertSnippet(ctx, env.user.ID, "", 7)
	if err != nil {
		t.Fatalf("insert pending row: %v", err)
	}
	if err := env.queue.PushFront(ctx, env.user.ID, pending.ID); err != nil {
		t.Fatalf("push pending: %v", err)
	}

	items, err := env.svc.FetchRecent(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ID != pending.ID || items[0].Content != "" {
		t.Errorf("pending item = {%d, %q}, want {%d, \"\"}", items[0].ID, items[0].Content, pending.ID)
	}
	if items[1].Content != "done" {
		t.Errorf("completed item content = %q, want %q", items[1].Content, "done")
	}
}

func TestFetchRecentSkipsStaleQueueEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.acceptCompleted(t, "real")
	if err := env.queue.PushFront(ctx, env.user.ID, 424242); err != nil {
		t.Fatalf("push bogus id: %v", err)
	}

	got := env.recentContents(t)
	if len(got) != 1 || got[0] != "real" {
		t.Errorf("recent = %q, want [real]", got)
	}
}

// ============================================================
// Recency ordering
// ============================================================

func TestRecencyOrderAndTouch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.acceptCompleted(t, "A")
	env.acceptCompleted(t, "B")
	env.acceptCompleted(t, "C")

	if got := env.recentContents(t); !slices.Equal(got, []string{"C", "B", "A"}) {
		t.Fatalf("recent = %q, want [C B A]", got)
	}

	if err := env.svc.Touch(ctx, env.user.ID, a.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if got := env.recentContents(t); !slices.Equal(got, []string{"A", "C", "B"}) {
		t.Errorf("recent after touch = %q, want [A C B]", got)
	}

	// Touching twice changes nothing further.
	if err := env.svc.Touch(ctx, env.user.ID, a.ID); err != nil {
		t.Fatalf("Touch again: %v", err)
	}
	if got := env.recentContents(t); !slices.Equal(got, []string{"A", "C", "B"}) {
		t.Errorf("recent after repeat touch = %q, want [A C B]", got)
	}
}

func TestFetchOneMovesToFront(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.acceptCompleted(t, "A")
	env.acceptCompleted(t, "B")

	if got := env.recentContents(t); !slices.Equal(got, []string{"B", "A"}) {
		t.Fatalf("recent = %q, want [B A]", got)
	}

	if _, err := env.svc.FetchOne(ctx, env.user.ID, a.ID); err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if got := env.recentContents(t); !slices.Equal(got, []string{"A", "B"}) {
		t.Errorf("recent after fetch = %q, want [A B]", got)
	}
}

func TestTouchStates(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if err := env.svc.Touch(ctx, env.user.ID, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}

	item := env.acceptCompleted(t, "gone soon")
	if err := env.svc.Delete(ctx, env.user.ID, item.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := env.svc.Touch(ctx, env.user.ID, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted id: got %v, want ErrNotFound", err)
	}
}

// ============================================================
// Search
// ============================================================

func TestSearchAcrossChunkBoundary(t *testing.T) {
	env := newTestEnv(t, func(l *config.Snippets) {
		l.ChunkSizeBytes = 8
	})
	ctx := context.Background()

	item := env.acceptCompleted(t, "AAAABBBBCCCCDDDD")

	// "BBCC" straddles the boundary between chunks 0 and 1.
	items, err := env.svc.Search(ctx, env.user.ID, []byte("BBCC"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 || items[0].ID != item.ID {
		t.Fatalf("expected the accepted snippet, got %d items", len(items))
	}
	if items[0].Content != "AAAABBBBCCCCDDDD" {
		t.Errorf("match content = %q, want full snippet", items[0].Content)
	}

	// Case-sensitive, and absent needles stay absent.
	for _, q := range []string{"bbcc", "XYZ"} {
		items, err := env.svc.Search(ctx, env.user.ID, []byte(q))
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if len(items) != 0 {
			t.Errorf("Search(%q) = %d items, want 0", q, len(items))
		}
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.svc.Search(context.Background(), env.user.ID, nil); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("empty query: got %v, want ErrEmptyQuery", err)
	}
}

func TestSearchOrderNewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	older := env.acceptCompleted(t, "needle one")
	newer := env.acceptCompleted(t, "needle two")
	env.acceptCompleted(t, "hay only")

	items, err := env.svc.Search(ctx, env.user.ID, []byte("needle"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(items))
	}
	if items[0].ID != newer.ID || items[1].ID != older.ID {
		t.Errorf("match order = [%d %d], want [%d %d]", items[0].ID, items[1].ID, newer.ID, older.ID)
	}
}

func TestSearchSkipsPendingSnippets(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.acceptCompleted(t, "findable needle")
	if _, err := env.store.InsertSnippet(ctx, env.user.ID, "", 6); err != nil {
		t.Fatalf("insert pending row: %v", err)
	}

	items, err := env.svc.Search(ctx, env.user.ID, []byte("needle"))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(items) != 1 {
		t.Errorf("expected 1 match, got %d", len(items))
	}
}

// ============================================================
// Delete
// ============================================================

func TestDeleteInvisibility(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	item := env.acceptCompleted(t, "xyz")
	if err := env.svc.Delete(ctx, env.user.ID, item.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if got := env.recentContents(t); len(got) != 0 {
		t.Errorf("recent after delete = %q, want empty", got)
	}
	if _, err := env.svc.FetchOne(ctx, env.user.ID, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("fetch deleted: got %v, want ErrNotFound", err)
	}
	if err := env.svc.Delete(ctx, env.user.ID, item.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}

	// The duplicate scan only sees live snippets, so identical content
	// is acceptable again.
	if _, err := env.svc.Accept(ctx, env.user.ID, []byte("xyz"), ""); err != nil {
		t.Errorf("re-accept after delete: %v", err)
	}
}
