package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const snippetColumns = "id, user_id, source_url, total_chunks, total_size, is_deleted, status, created_at, updated_at"

// InsertSnippet creates a snippet row in PROCESSING state with no chunks
// yet. totalSize is the uncompressed content length, known at accept
// time. An empty sourceURL is stored as NULL.
func (s *Store) InsertSnippet(ctx context.Context, userID int64, sourceURL string, totalSize int64) (*Snippet, error) {
	var src any
	if sourceURL != "" {
		src = sourceURL
	}
	ts := now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snippets (user_id, source_url, total_chunks, total_size, is_deleted, status, created_at, updated_at)
		VALUES (?, ?, 0, ?, 0, ?, ?, ?)`,
		userID, src, totalSize, StatusProcessing, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert snippet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert snippet: last insert id: %w", err)
	}
	return s.snippetByID(ctx, id)
}

func (s *Store) snippetByID(ctx context.Context, id int64) (*Snippet, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+snippetColumns+" FROM snippets WHERE id = ?", id)
	return scanSnippet(row)
}

// SnippetByIDAndOwner fetches a snippet scoped to its owner. Soft-deleted
// rows are returned with IsDeleted set; callers decide visibility.
func (s *Store) SnippetByIDAndOwner(ctx context.Context, id, userID int64) (*Snippet, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+snippetColumns+" FROM snippets WHERE id = ? AND user_id = ?", id, userID)
	return scanSnippet(row)
}

// RecentNonDeleted lists the owner's newest live snippets, newest first.
func (s *Store) RecentNonDeleted(ctx context.Context, userID int64, limit int) ([]Snippet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE user_id = ? AND is_deleted = 0
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent snippets: %w", err)
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return nil, err
		}
		snippets = append(snippets, *sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return snippets, nil
}

// SnippetsByIDs returns the owner's live snippets among ids, keyed by
// id. Missing, deleted, and foreign ids are simply absent from the map.
func (s *Store) SnippetsByIDs(ctx context.Context, userID int64, ids []int64) (map[int64]Snippet, error) {
	out := make(map[int64]Snippet, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snippetColumns+` FROM snippets
		WHERE user_id = ? AND is_deleted = 0 AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("snippets by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sn, err := scanSnippet(rows)
		if err != nil {
			return nil, err
		}
		out[sn.ID] = *sn
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snippets: %w", err)
	}
	return out, nil
}

// CountNonDeleted counts the owner's live snippets, for quota checks.
func (s *Store) CountNonDeleted(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM snippets WHERE user_id = ? AND is_deleted = 0", userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snippets: %w", err)
	}
	return n, nil
}

// InsertChunks persists a snippet's chunks in one multi-row INSERT so the
// payload lands atomically.
func (s *Store) InsertChunks(ctx context.Context, snippetID int64, chunks []ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	ts := now()
	var sb strings.Builder
	sb.WriteString("INSERT INTO chunks (snippet_id, chunk_index, content, is_compressed, content_hash, created_at) VALUES ")
	args := make([]any, 0, len(chunks)*6)
	for i, c := range chunks {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, snippetID, c.Index, c.Content, c.Compressed, hashChunk(c.Content), ts)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	return nil
}

// ChunksBySnippet returns a snippet's chunks in index order.
func (s *Store) ChunksBySnippet(ctx context.Context, snippetID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snippet_id, chunk_index, content, is_compressed, content_hash, created_at
		FROM chunks WHERE snippet_id = ?
		ORDER BY chunk_index`, snippetID)
	if err != nil {
		return nil, fmt.Errorf("chunks by snippet: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ChunksForSnippets bulk-loads the chunks of many snippets in a single
// query, grouped by snippet id with each group in index order. This is
// the one chunk read a batched retrieval performs.
func (s *Store) ChunksForSnippets(ctx context.Context, ids []int64) (map[int64][]Chunk, error) {
	out := make(map[int64][]Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snippet_id, chunk_index, content, is_compressed, content_hash, created_at
		FROM chunks WHERE snippet_id IN (`+placeholders(len(ids))+`)
		ORDER BY snippet_id, chunk_index`, args...)
	if err != nil {
		return nil, fmt.Errorf("chunks for snippets: %w", err)
	}
	defer rows.Close()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		out[c.SnippetID] = append(out[c.SnippetID], c)
	}
	return out, nil
}

// MarkCompleted flips a snippet to COMPLETED and records its final chunk
// count.
func (s *Store) MarkCompleted(ctx context.Context, id int64, totalChunks int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE snippets SET status = ?, total_chunks = ?, updated_at = ?
		WHERE id = ?`,
		StatusCompleted, totalChunks, now(), id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed flips a snippet to FAILED.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE snippets SET status = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, now(), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes a snippet. Idempotent.
func (s *Store) MarkDeleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE snippets SET is_deleted = 1, updated_at = ? WHERE id = ?`,
		now(), id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// HardDeleteSnippet removes a snippet row outright, chunks included via
// the foreign key cascade. Used to roll back an accept whose async job
// could not be enqueued; soft deletion is MarkDeleted.
func (s *Store) HardDeleteSnippet(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM snippets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("hard delete snippet: %w", err)
	}
	return nil
}

// PurgeDeletedBefore hard-deletes snippets that were soft-deleted before
// cutoff, adjusting the owners' byte accounting. Chunk rows go with them
// via the foreign key cascade. Returns the number of snippets purged.
func (s *Store) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	cut := cutoff.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, coalesce(sum(total_size), 0) FROM snippets
		WHERE is_deleted = 1 AND updated_at < ?
		GROUP BY user_id`, cut)
	if err != nil {
		return 0, fmt.Errorf("purge: sum sizes: %w", err)
	}
	type refund struct {
		userID int64
		bytes  int64
	}
	var refunds []refund
	for rows.Next() {
		var r refund
		if err := rows.Scan(&r.userID, &r.bytes); err != nil {
			rows.Close()
			return 0, fmt.Errorf("purge: scan refund: %w", err)
		}
		refunds = append(refunds, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("purge: iterate refunds: %w", err)
	}
	rows.Close()

	ts := now()
	for _, r := range refunds {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET used_bytes = max(0, used_bytes - ?), updated_at = ?
			WHERE id = ?`, r.bytes, ts, r.userID); err != nil {
			return 0, fmt.Errorf("purge: refund user %d: %w", r.userID, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM snippets WHERE is_deleted = 1 AND updated_at < ?", cut)
	if err != nil {
		return 0, fmt.Errorf("purge: delete: %w", err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge: rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge: commit: %w", err)
	}
	return purged, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func collectChunks(rows *sql.Rows) ([]Chunk, error) {
	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.SnippetID, &c.Index, &c.Content, &c.Compressed, &c.Hash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		var err error
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

func scanSnippet(row scanner) (*Snippet, error) {
	var sn Snippet
	var src sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&sn.ID, &sn.UserID, &src, &sn.TotalChunks, &sn.TotalSize,
		&sn.IsDeleted, &sn.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan snippet: %w", err)
	}
	sn.SourceURL = src.String
	if sn.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sn.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sn, nil
}
