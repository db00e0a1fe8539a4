package fileaudit

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// PartialHasher fingerprints a file by sampling up to MaxChunks chunks of ChunkSize bytes
// spread evenly over the file. Two digests are only comparable when both were produced with
// the same chunk size and chunk count.
type PartialHasher struct {
	ChunkSize int
	MaxChunks int

	buf    []byte
	digest *xxhash.Digest
}

// NewPartialHasher creates a hasher. maxChunks == 0 disables hashing.
func NewPartialHasher(chunkSize, maxChunks int) *PartialHasher {
	return &PartialHasher{
		ChunkSize: chunkSize,
		MaxChunks: maxChunks,
	}
}

// Enabled reports whether the configuration produces hashes at all
func (h *PartialHasher) Enabled() bool {
	return h != nil && h.MaxChunks > 0 && h.ChunkSize > 0
}

// Digest hashes the sampled chunks of r, a file of the given size.
// Chunk i is read at offset i*max(size/MaxChunks, ChunkSize); sampling stops at the first
// short read. ok is false when not a single byte could be read.
func (h *PartialHasher) Digest(r io.ReaderAt, size int64) (sum uint64, ok bool, err error) {
	if !h.Enabled() {
		return 0, false, nil
	}
	if len(h.buf) != h.ChunkSize {
		h.buf = make([]byte, h.ChunkSize)
	}
	if h.digest == nil {
		h.digest = xxhash.New()
	}
	h.digest.Reset()

	seekStep := size / int64(h.MaxChunks)
	step := int64(h.ChunkSize)
	if seekStep > step {
		step = seekStep
	}

	total := 0
	var offset int64
	for i := 0; i < h.MaxChunks; i++ {
		n, readErr := r.ReadAt(h.buf, offset)
		if n > 0 {
			h.digest.Write(h.buf[:n])
			total += n
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if os.IsPermission(readErr) {
				return 0, false, fmt.Errorf("%w: %v", ErrPermissionDenied, readErr)
			}
			return 0, false, fmt.Errorf("failed to read chunk %d at offset %d: %w", i, offset, readErr)
		}
		if n < h.ChunkSize {
			break
		}
		offset += step
	}

	if total == 0 {
		return 0, false, nil
	}
	return h.digest.Sum64(), true, nil
}

// HashFile opens filePath and digests it with the given configuration
func HashFile(filePath string, chunkSize, maxChunks int) (uint64, bool, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, false, fmt.Errorf("failed to stat file %s: %w", filePath, err)
	}

	return NewPartialHasher(chunkSize, maxChunks).Digest(file, info.Size())
}

// ValidateHashConfig checks the chunk size and chunk count bounds.
// A chunk count of 0 disables hashing and skips the chunk size check.
func ValidateHashConfig(chunkSize, maxChunks int) error {
	if maxChunks < 0 || maxChunks > MaxHashChunks {
		return fmt.Errorf("hash max_chunks must be between 0 and %d, got: %d", MaxHashChunks, maxChunks)
	}
	if maxChunks == 0 {
		return nil
	}
	if chunkSize < 1 || chunkSize > MaxHashChunkSize {
		return fmt.Errorf("hash chunk_size must be between 1 and %d bytes, got: %d", MaxHashChunkSize, chunkSize)
	}
	return nil
}
