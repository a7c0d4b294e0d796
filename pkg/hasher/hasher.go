package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// IOError wraps a failed read while hashing. Nothing is returned for the
// affected stream, a partial block is never reported as complete.
type IOError struct {
	Path   string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("read failed at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("read %s failed at offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

func newHash(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
}

type Hasher struct {
	algorithm string
	blockSize int
	newHash   func() hash.Hash
}

// Result describes one hashed stream.
type Result struct {
	Size     int64
	FullHash []byte
	Blocks   [][]byte
}

// BlockSelector decides whether the payload of block index should be kept.
type BlockSelector func(index int, hash []byte) bool

func New(algorithm string, blockSize int) (*Hasher, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = "sha256"
	}
	return &Hasher{algorithm: algorithm, blockSize: blockSize, newHash: h}, nil
}

func (h *Hasher) Algorithm() string { return h.algorithm }
func (h *Hasher) BlockSize() int    { return h.blockSize }

// Sum hashes a single buffer with the configured algorithm.
func (h *Hasher) Sum(data []byte) []byte {
	hh := h.newHash()
	hh.Write(data)
	return hh.Sum(nil)
}

func (h *Hasher) Hash(r io.Reader) (*Result, error) {
	res, _, err := h.HashWithBlocks(r, nil)
	return res, err
}

// BlockFunc receives every block in order. data is only valid during the call.
type BlockFunc func(index int, hash []byte, data []byte) error

// HashEach hashes r in fixed blocks. Block boundaries depend only on the byte
// offset: every block is filled with io.ReadFull, so the chunking of the
// underlying reader does not matter. An error returned by fn aborts hashing.
func (h *Hasher) HashEach(r io.Reader, fn BlockFunc) (*Result, error) {
	res := &Result{}
	full := h.newHash()
	buffer := make([]byte, h.blockSize)

	for index := 0; ; index++ {
		n, err := io.ReadFull(r, buffer)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, &IOError{Offset: res.Size + int64(n), Err: err}
		}
		if n > 0 {
			data := buffer[:n]
			sum := h.Sum(data)
			full.Write(data)
			res.Blocks = append(res.Blocks, sum)
			res.Size += int64(n)
			if fn != nil {
				if ferr := fn(index, sum, data); ferr != nil {
					return nil, ferr
				}
			}
		}
		if err != nil {
			break
		}
	}

	res.FullHash = full.Sum(nil)
	return res, nil
}

// HashWithBlocks is HashEach keeping copies of the payloads accepted by keep,
// keyed by block index.
func (h *Hasher) HashWithBlocks(r io.Reader, keep BlockSelector) (*Result, map[int][]byte, error) {
	var kept map[int][]byte
	res, err := h.HashEach(r, func(index int, hash []byte, data []byte) error {
		if keep != nil && keep(index, hash) {
			if kept == nil {
				kept = make(map[int][]byte)
			}
			kept[index] = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return res, kept, nil
}

func (h *Hasher) HashFileEach(path string, fn BlockFunc) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	res, err := h.HashEach(f, fn)
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		ioErr.Path = path
	}
	return res, err
}

// FullHash hashes the whole stream without block bookkeeping.
func (h *Hasher) FullHash(r io.Reader) ([]byte, int64, error) {
	full := h.newHash()
	n, err := io.Copy(full, r)
	if err != nil {
		return nil, n, &IOError{Offset: n, Err: err}
	}
	return full.Sum(nil), n, nil
}

func (h *Hasher) HashFile(path string, keep BlockSelector) (*Result, map[int][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	res, kept, err := h.HashWithBlocks(f, keep)
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		ioErr.Path = path
	}
	return res, kept, err
}

func (h *Hasher) FullHashFile(path string) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &IOError{Path: path, Err: err}
	}
	defer f.Close()

	sum, n, err := h.FullHash(f)
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		ioErr.Path = path
	}
	return sum, n, err
}

// BlockCount is ceil(size / blockSize).
func BlockCount(size int64, blockSize int) int {
	if size <= 0 {
		return 0
	}
	bs := int64(blockSize)
	return int((size + bs - 1) / bs)
}
