// Package pipeline composes the chunker, the codec, and the shared worker
// pool into the operations the snippet service runs on content: packing
// for storage, unpacking for retrieval (single and batched), and chunk
// streaming search.
//
// Fan-out discipline: every parallel operation submits its subtasks with
// TrySubmit and falls back to running them inline when the pool is
// saturated, so retrieval and search degrade to sequential work instead
// of failing. All fan-outs join before returning; a cancelled context
// surfaces as an error only after in-flight subtasks have finished.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"clipvault/internal/chunker"
	"clipvault/internal/compress"
	"clipvault/internal/logging"
	"clipvault/internal/workpool"
)

// Chunk is one packed piece of snippet content, ready to persist.
// Indexes are dense and start at zero.
type Chunk struct {
	Index      int
	Content    []byte
	Compressed bool
}

// Input is one snippet's stored chunk payloads for batched unpacking,
// ordered by chunk index.
type Input struct {
	ID         int64
	Chunks     [][]byte
	Compressed bool
}

// Result is the outcome of unpacking one Input. Err is set per snippet;
// one corrupt snippet does not fail the batch.
type Result struct {
	ID      int64
	Content []byte
	Err     error
}

// Pipeline holds the pieces shared by all content operations.
type Pipeline struct {
	pool       *workpool.Pool
	codec      compress.Codec
	chunkSize  int
	overlapCap int
	logger     *slog.Logger
}

// New builds a pipeline. chunkSize is the split size in bytes; overlapCap
// bounds the boundary window used by Search.
func New(pool *workpool.Pool, codec compress.Codec, chunkSize, overlapCap int, logger *slog.Logger) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	if overlapCap < 0 {
		overlapCap = 0
	}
	return &Pipeline{
		pool:       pool,
		codec:      codec,
		chunkSize:  chunkSize,
		overlapCap: overlapCap,
		logger:     logging.Default(logger).With("component", "pipeline"),
	}
}

// ChunkSize reports the configured split size.
func (p *Pipeline) ChunkSize() int {
	return p.chunkSize
}

// Pack splits content into chunks and compresses each one on the worker
// pool. Chunks come back dense and in index order regardless of
// completion order.
func (p *Pipeline) Pack(ctx context.Context, content []byte) ([]Chunk, error) {
	pieces, err := chunker.Split(content, p.chunkSize)
	if err != nil {
		return nil, err
	}

	compressed := p.codec.Name() != compress.None
	chunks := make([]Chunk, len(pieces))
	var wg sync.WaitGroup
	for i, piece := range pieces {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		task := func() {
			defer wg.Done()
			chunks[i] = Chunk{
				Index:      i,
				Content:    p.codec.Compress(piece),
				Compressed: compressed,
			}
		}
		if !p.pool.TrySubmit(task) {
			task()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return chunks, nil
}

// Unpack decompresses stored chunk payloads (given in index order) and
// concatenates them back into the original content. Decompression is
// sequential; parallelism lives across snippets, not within one.
func (p *Pipeline) Unpack(ctx context.Context, chunks [][]byte, compressed bool) ([]byte, error) {
	if !compressed {
		return chunker.Reassemble(chunks)
	}
	plain := make([][]byte, len(chunks))
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := p.codec.Decompress(c)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		plain[i] = out
	}
	return chunker.Reassemble(plain)
}

// UnpackBatch unpacks many snippets on the worker pool. Results hold one
// entry per input, in input order, with per-snippet errors captured so
// callers can skip corrupt snippets and keep the rest.
func (p *Pipeline) UnpackBatch(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			content, err := p.Unpack(ctx, in.Chunks, in.Compressed)
			results[i] = Result{ID: in.ID, Content: content, Err: err}
		}
		if !p.pool.TrySubmit(task) {
			task()
		}
	}
	wg.Wait()
	return results
}

// chunkProbe is the per-chunk outcome of a streaming search: whether the
// chunk matched on its own, plus the overlap bytes kept for boundary
// windows. The decompressed chunk itself is released as soon as the
// probe is built, keeping peak memory at chunk granularity.
type chunkProbe struct {
	match bool
	head  []byte
	tail  []byte
	err   error
}

// Search reports whether query occurs in the content whose stored chunks
// are given in index order, without reassembling the whole snippet.
// Chunks are decompressed and probed in parallel on the pool; matches
// that straddle a chunk boundary are caught by scanning a window of the
// trailing and leading overlap bytes of each adjacent pair.
//
// The overlap is min(len(query)-1, overlapCap) bytes. Queries no longer
// than overlapCap+1 bytes are found wherever they occur; longer queries
// can be missed when they straddle a boundary, which is an accepted
// trade against unbounded window growth. Matching is byte-exact and
// case-sensitive.
func (p *Pipeline) Search(ctx context.Context, chunks [][]byte, compressed bool, query []byte) (bool, error) {
	if len(chunks) == 0 || len(query) == 0 {
		return false, nil
	}

	overlap := min(len(query)-1, p.overlapCap)
	probes := make([]chunkProbe, len(chunks))
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			probes[i] = p.probe(c, compressed, query, overlap)
		}
		if !p.pool.TrySubmit(task) {
			task()
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	for i := range probes {
		if probes[i].err != nil {
			return false, fmt.Errorf("chunk %d: %w", i, probes[i].err)
		}
	}
	for i := range probes {
		if probes[i].match {
			return true, nil
		}
	}

	// No chunk matched on its own; check the boundary windows.
	if overlap == 0 {
		return false, nil
	}
	window := make([]byte, 0, 2*overlap)
	for i := 0; i+1 < len(probes); i++ {
		window = window[:0]
		window = append(window, probes[i].tail...)
		window = append(window, probes[i+1].head...)
		if bytes.Contains(window, query) {
			return true, nil
		}
	}
	return false, nil
}

// probe decompresses a single chunk, checks it for the query, and clips
// out the overlap bytes. head and tail are copies so the full chunk can
// be collected.
func (p *Pipeline) probe(chunk []byte, compressed bool, query []byte, overlap int) chunkProbe {
	plain := chunk
	if compressed {
		var err error
		plain, err = p.codec.Decompress(chunk)
		if err != nil {
			return chunkProbe{err: err}
		}
	}
	pr := chunkProbe{match: bytes.Contains(plain, query)}
	if overlap > 0 {
		n := min(overlap, len(plain))
		pr.head = bytes.Clone(plain[:n])
		pr.tail = bytes.Clone(plain[len(plain)-n:])
	}
	return pr
}
