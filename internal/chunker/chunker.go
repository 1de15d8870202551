// Package chunker splits snippet content into fixed-size pieces and
// reassembles them. Pieces are sized exactly chunkSize except the final
// piece, which holds the remainder. Index order is the only ordering;
// reassembly is plain concatenation.
package chunker

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput rejects splitting empty content or reassembling an
	// empty chunk sequence.
	ErrEmptyInput = errors.New("empty input")

	// ErrInvalidChunkSize rejects a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// DefaultChunkSize is the piece size used when none is configured.
const DefaultChunkSize = 64 << 10 // 64 KiB

// Split cuts content into ceil(len(content)/chunkSize) pieces. The pieces
// alias the input; callers that mutate content must copy first.
func Split(content []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if len(content) == 0 {
		return nil, ErrEmptyInput
	}
	chunks := make([][]byte, 0, (len(content)+chunkSize-1)/chunkSize)
	for start := 0; start < len(content); start += chunkSize {
		end := min(start+chunkSize, len(content))
		chunks = append(chunks, content[start:end])
	}
	return chunks, nil
}

// Reassemble concatenates pieces in the order given. The caller supplies
// them in index order.
func Reassemble(chunks [][]byte) ([]byte, error) {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total == 0 {
		return nil, ErrEmptyInput
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}
