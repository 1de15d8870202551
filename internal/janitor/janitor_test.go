package janitor

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"clipvault/internal/config"
	"clipvault/internal/recency"
	"clipvault/internal/store"
)

// ============================================================
// Test fixture
// ============================================================

type testEnv struct {
	jan   *Janitor
	store *store.Store
	queue *recency.Queue
	user  *store.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

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

	queue := recency.New(client, 50, time.Second, nil)

	jan, err := New(st, queue, config.Janitor{
		SweepInterval:  time.Hour,
		PurgeInterval:  time.Hour,
		PurgeRetention: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	t.Cleanup(func() { jan.Stop() })

	return &testEnv{jan: jan, store: st, queue: queue, user: user}
}

// addSnippet inserts a live snippet row and pushes it onto the queue.
func (e *testEnv) addSnippet(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	snip, err := e.store.InsertSnippet(ctx, e.user.ID, "", 4)
	if err != nil {
		t.Fatalf("insert snippet: %v", err)
	}
	if err := e.queue.PushFront(ctx, e.user.ID, snip.ID); err != nil {
		t.Fatalf("push queue: %v", err)
	}
	return snip.ID
}

func (e *testEnv) recent(t *testing.T) []int64 {
	t.Helper()
	ids, err := e.queue.Recent(context.Background(), e.user.ID)
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	return ids
}

// ============================================================
// Recency sweep
// ============================================================

func TestSweepRemovesDeadEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.addSnippet(t)
	b := env.addSnippet(t)
	c := env.addSnippet(t)

	// One soft-deleted snippet and one entry with no row at all.
	if err := env.store.MarkDeleted(ctx, b); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if err := env.queue.PushFront(ctx, env.user.ID, 999999); err != nil {
		t.Fatalf("push bogus entry: %v", err)
	}

	removed, err := env.jan.SweepRecency(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if got := env.recent(t); !slices.Equal(got, []int64{c, a}) {
		t.Errorf("queue after sweep = %v, want [%d %d]", got, c, a)
	}
}

func TestSweepAllLive(t *testing.T) {
	env := newTestEnv(t)

	env.addSnippet(t)
	env.addSnippet(t)

	removed, err := env.jan.SweepRecency(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
	if got := env.recent(t); len(got) != 2 {
		t.Errorf("queue length = %d, want 2", len(got))
	}
}

func TestSweepEmptyQueue(t *testing.T) {
	env := newTestEnv(t)

	removed, err := env.jan.SweepRecency(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestSweepSpansUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other, err := env.store.CreateUser(ctx, "other@example.com", "hash", store.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := env.queue.PushFront(ctx, other.ID, 424242); err != nil {
		t.Fatalf("push dead entry: %v", err)
	}
	deadMine := env.addSnippet(t)
	if err := env.store.MarkDeleted(ctx, deadMine); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	removed, err := env.jan.SweepRecency(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

// ============================================================
// Purge
// ============================================================

func TestPurgeRespectsRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addSnippet(t)
	if err := env.store.MarkDeleted(ctx, id); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	// Freshly deleted: still inside the retention window.
	purged, err := env.jan.PurgeDeleted(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Errorf("purged = %d, want 0 inside retention", purged)
	}

	// Two hours later the hour-long window has lapsed.
	env.jan.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	purged, err = env.jan.PurgeDeleted(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1 past retention", purged)
	}

	if _, err := env.store.SnippetByIDAndOwner(ctx, id, env.user.ID); err == nil {
		t.Error("expected purged snippet row to be gone")
	}
}

func TestPurgeCascadesAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.addSnippet(t)
	chunks := []store.ChunkRecord{{Index: 0, Content: []byte("data")}}
	if err := env.store.InsertChunks(ctx, id, chunks); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}
	if err := env.store.AddUsedBytes(ctx, env.user.ID, 4); err != nil {
		t.Fatalf("add used bytes: %v", err)
	}
	if err := env.store.MarkDeleted(ctx, id); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	env.jan.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := env.jan.PurgeDeleted(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}

	left, err := env.store.ChunksBySnippet(ctx, id)
	if err != nil {
		t.Fatalf("load chunks: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("chunks after purge = %d, want 0", len(left))
	}

	user, err := env.store.UserByID(ctx, env.user.ID)
	if err != nil {
		t.Fatalf("reload user: %v", err)
	}
	if user.UsedBytes != 0 {
		t.Errorf("UsedBytes = %d, want 0 after refund", user.UsedBytes)
	}
}

// ============================================================
// Scheduling
// ============================================================

func TestJobsRegistered(t *testing.T) {
	env := newTestEnv(t)

	if !env.jan.HasJob(JobRecencySweep) {
		t.Errorf("missing job %s", JobRecencySweep)
	}
	if !env.jan.HasJob(JobPurgeDeleted) {
		t.Errorf("missing job %s", JobPurgeDeleted)
	}
	if jobs := env.jan.Jobs(); len(jobs) != 2 {
		t.Errorf("Jobs() = %d entries, want 2", len(jobs))
	}
}

func TestRejectsNonPositiveInterval(t *testing.T) {
	env := newTestEnv(t)

	_, err := New(env.store, env.queue, config.Janitor{
		SweepInterval:  0,
		PurgeInterval:  time.Hour,
		PurgeRetention: time.Hour,
	}, nil)
	if err == nil {
		t.Fatal("expected error for zero sweep interval")
	}
}

func TestScheduledSweepFires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	jan, err := New(env.store, env.queue, config.Janitor{
		SweepInterval:  10 * time.Millisecond,
		PurgeInterval:  time.Hour,
		PurgeRetention: time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	t.Cleanup(func() { jan.Stop() })

	if err := env.queue.PushFront(ctx, env.user.ID, 515151); err != nil {
		t.Fatalf("push dead entry: %v", err)
	}

	jan.Start()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(env.recent(t)) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduled sweep never removed the dead entry")
}
