// Package compress implements the codecs applied to snippet chunks before
// they are persisted. Compression is always per chunk, never across chunk
// boundaries, so any chunk can be decompressed on its own.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrCorruptPayload indicates stored chunk data that cannot be decompressed.
var ErrCorruptPayload = errors.New("corrupt payload")

// Codec names accepted by New.
const (
	Gzip = "gzip"
	Zstd = "zstd"
	None = "none"
)

// Codec compresses and decompresses chunk payloads. Implementations are
// safe for concurrent use.
//
// Compress cannot fail: it writes to memory and every finite input has a
// valid encoding. Decompress returns ErrCorruptPayload (with the causing
// detail attached) when the input is not a valid stream.
type Codec interface {
	Name() string
	Compress(p []byte) []byte
	Decompress(p []byte) ([]byte, error)
}

// New returns the codec with the given name: gzip, zstd, or none.
func New(name string) (Codec, error) {
	switch name {
	case Gzip:
		return gzipCodec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	case None:
		return noneCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// zstdEnc and zstdDec are package-level and concurrent-safe; EncodeAll and
// DecodeAll are stateless given fresh destination buffers.
var (
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func init() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("zstd: init encoder: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return Zstd }

func (zstdCodec) Compress(p []byte) []byte {
	return zstdEnc.EncodeAll(p, nil)
}

func (zstdCodec) Decompress(p []byte) ([]byte, error) {
	out, err := zstdDec.DecodeAll(p, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptPayload, err)
	}
	return out, nil
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return Gzip }

func (gzipCodec) Compress(p []byte) []byte {
	var buf bytes.Buffer
	w := gzipWriterPool.Get().(*gzip.Writer)
	w.Reset(&buf)
	// Writes to a bytes.Buffer cannot fail.
	_, _ = w.Write(p)
	_ = w.Close()
	gzipWriterPool.Put(w)
	return buf.Bytes()
}

func (gzipCodec) Decompress(p []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptPayload, err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptPayload, err)
	}
	if err := r.Close(); err != nil {
		return nil, fmt.Errorf("%w: gzip: %v", ErrCorruptPayload, err)
	}
	return out, nil
}

// noneCodec stores chunks as-is. Used in tests and for payloads that do
// not compress.
type noneCodec struct{}

func (noneCodec) Name() string { return None }

func (noneCodec) Compress(p []byte) []byte {
	return p
}

func (noneCodec) Decompress(p []byte) ([]byte, error) {
	return p, nil
}
