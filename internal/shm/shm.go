// Package shm provides named shared memory segments with a cross-process lock,
// behind a small capability interface so the bus protocol never touches
// platform APIs directly.
package shm

import (
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

var (
	// ErrExist is returned by Create when a live segment with the name already exists.
	ErrExist = errors.New("segment already exists")
	// ErrNotExist is returned by Attach when no segment with the name exists.
	ErrNotExist = errors.New("segment does not exist")
	// ErrSize is returned when an existing segment is smaller than requested.
	ErrSize = errors.New("segment size mismatch")
	// ErrNotLocked is returned by Unlock on a segment that is not locked.
	ErrNotLocked = errors.New("segment is not locked")
	// ErrDetached is returned for any operation on a detached segment.
	ErrDetached = errors.New("segment is detached")
	// ErrUnsupported is returned on platforms without a shared memory backend.
	ErrUnsupported = errors.New("shared memory is not supported on this platform")
)

// Segment is one attached shared memory segment. ReadAt and WriteAt are only
// meaningful while the caller holds the segment lock.
type Segment interface {
	io.ReaderAt
	io.WriterAt

	Name() string
	Size() int
	Lock() error
	Unlock() error
	// Detach releases this attachment. The segment itself is destroyed once
	// its last attachment is gone.
	Detach() error
}

// Releaser releases a lock obtained from Provider.Acquire.
type Releaser interface {
	Release() error
}

// Provider creates and attaches named segments.
type Provider interface {
	// Create makes a new segment, failing with ErrExist if a live one is present.
	Create(name string, size int) (Segment, error)
	// Attach opens an existing segment, failing with ErrNotExist if absent.
	Attach(name string, size int) (Segment, error)
	// Acquire blocks until the named cross-process lock is held.
	Acquire(name string) (Releaser, error)
}

const nameHashLen = 16

// SafeName derives a fixed-shape segment name from an application key and a
// role suffix. Only [a-z0-9_] survive from the key; the hash keeps distinct
// keys apart after sanitizing.
func SafeName(key, role string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	prefix := b.String()
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}

	sum := blake3.Sum256([]byte(key + "\x00" + role))
	return prefix + "_" + role + "_" + hex.EncodeToString(sum[:])[:nameHashLen]
}

var errOffset = errors.New("offset out of range")

func readAt(buf, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errOffset
	}
	if off >= int64(len(buf)) {
		return 0, io.EOF
	}
	n := copy(p, buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func writeAt(buf, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(buf)) {
		return 0, errOffset
	}
	n := copy(buf[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}
