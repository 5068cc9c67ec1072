//go:build linux

package shm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Byte ranges used for open-file-description locks on every segment file.
// Every attachment holds a read lock on attachByte for its whole lifetime;
// the segment mutex is a write lock on lockByte.
const (
	attachByte = 0
	lockByte   = 1

	fileMode        = 0o600
	reclaimAttempts = 4
)

var tmpSeq atomic.Uint64

// Dir is a Provider whose segments are files in one directory, normally the
// tmpfs mount at /dev/shm.
type Dir struct {
	path string
}

// NewDir returns a provider rooted at path.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the directory holding segment files.
func (d *Dir) Path() string {
	return d.path
}

type fileSegment struct {
	name string
	path string
	fd   int
	size int

	// OFD locks do not exclude callers sharing one descriptor, so the
	// in-process mutex is taken first.
	mu   sync.Mutex
	held atomic.Bool

	mapping  sync.RWMutex
	data     []byte
	detached bool
}

type fileReleaser struct {
	once sync.Once
	fd   int
}

// Create makes the segment file exclusively. A file left behind by a process
// that died without detaching is detected through its attachment lock and
// replaced.
func (d *Dir) Create(name string, size int) (Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	path := filepath.Join(d.path, name)

	for attempt := 0; attempt < reclaimAttempts; attempt++ {
		seg, err := createExclusive(name, path, size)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("create segment %s: %w", path, err)
		}

		reclaimed, err := reclaimStale(path)
		if err != nil {
			return nil, fmt.Errorf("reclaim segment %s: %w", path, err)
		}
		if !reclaimed {
			return nil, ErrExist
		}
	}
	return nil, ErrExist
}

// Attach maps an existing segment file.
func (d *Dir) Attach(name string, size int) (Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid segment size %d", size)
	}
	path := filepath.Join(d.path, name)

	for attempt := 0; attempt < reclaimAttempts; attempt++ {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if errors.Is(err, unix.ENOENT) {
			return nil, ErrNotExist
		}
		if err != nil {
			return nil, fmt.Errorf("open segment %s: %w", path, err)
		}

		if err := setLock(fd, unix.F_RDLCK, attachByte, true); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("attach lock %s: %w", path, err)
		}

		// The file may have been unlinked by its last holder while we waited.
		same, err := sameFile(fd, path)
		if err != nil {
			_ = unix.Close(fd)
			return nil, err
		}
		if !same {
			_ = unix.Close(fd)
			continue
		}

		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("stat segment %s: %w", path, err)
		}
		if st.Size < int64(size) {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSize, path, st.Size, size)
		}

		return mapSegment(name, path, fd, size)
	}
	return nil, ErrNotExist
}

// Acquire takes an exclusive lock on name+".lock" in the provider directory.
// Lock files are never removed.
func (d *Dir) Acquire(name string) (Releaser, error) {
	path := filepath.Join(d.path, name+".lock")
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, fileMode)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := setLock(fd, unix.F_WRLCK, 0, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &fileReleaser{fd: fd}, nil
}

func (r *fileReleaser) Release() error {
	var err error
	r.once.Do(func() {
		err = unix.Close(r.fd)
	})
	return err
}

// createExclusive builds the file under a temporary name with the attachment
// lock already held, then links it into place so no other process can observe
// it unlocked.
func createExclusive(name, path string, size int) (*fileSegment, error) {
	tmp := fmt.Sprintf("%s.%d.%d.tmp", path, os.Getpid(), tmpSeq.Add(1))
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, fileMode)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unix.Unlink(tmp) }()

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := setLock(fd, unix.F_RDLCK, attachByte, false); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Link(tmp, path); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return mapSegment(name, path, fd, size)
}

// reclaimStale removes path when no process holds an attachment on it. It
// reports true when the caller should retry creation.
func reclaimStale(path string) (bool, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if errors.Is(err, unix.ENOENT) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = unix.Close(fd) }()

	if err := setLock(fd, unix.F_WRLCK, attachByte, false); err != nil {
		if isLockBusy(err) {
			return false, nil
		}
		return false, err
	}

	same, err := sameFile(fd, path)
	if err != nil {
		return false, err
	}
	if !same {
		return true, nil
	}
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return false, err
	}
	return true, nil
}

func mapSegment(name, path string, fd int, size int) (*fileSegment, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}
	return &fileSegment{name: name, path: path, fd: fd, size: size, data: data}, nil
}

func (s *fileSegment) Name() string { return s.name }

func (s *fileSegment) Size() int { return s.size }

func (s *fileSegment) Lock() error {
	s.mu.Lock()
	if s.isDetached() {
		s.mu.Unlock()
		return ErrDetached
	}
	if err := setLock(s.fd, unix.F_WRLCK, lockByte, true); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("lock segment %s: %w", s.name, err)
	}
	s.held.Store(true)
	return nil
}

func (s *fileSegment) Unlock() error {
	if !s.held.CompareAndSwap(true, false) {
		return ErrNotLocked
	}
	err := setLock(s.fd, unix.F_UNLCK, lockByte, false)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unlock segment %s: %w", s.name, err)
	}
	return nil
}

func (s *fileSegment) ReadAt(p []byte, off int64) (int, error) {
	s.mapping.RLock()
	defer s.mapping.RUnlock()
	if s.detached {
		return 0, ErrDetached
	}
	return readAt(s.data, p, off)
}

func (s *fileSegment) WriteAt(p []byte, off int64) (int, error) {
	s.mapping.RLock()
	defer s.mapping.RUnlock()
	if s.detached {
		return 0, ErrDetached
	}
	return writeAt(s.data, p, off)
}

// Detach unmaps the segment and, when this was the last attachment, removes
// the file.
func (s *fileSegment) Detach() error {
	s.mapping.Lock()
	defer s.mapping.Unlock()
	if s.detached {
		return ErrDetached
	}
	s.detached = true

	var errs []error
	if err := unix.Munmap(s.data); err != nil {
		errs = append(errs, fmt.Errorf("munmap %s: %w", s.name, err))
	}
	s.data = nil

	// Upgrading the attachment lock only succeeds when nobody else holds one.
	switch err := setLock(s.fd, unix.F_WRLCK, attachByte, false); {
	case err == nil:
		same, statErr := sameFile(s.fd, s.path)
		if statErr != nil {
			errs = append(errs, statErr)
		} else if same {
			if err := unix.Unlink(s.path); err != nil && !errors.Is(err, unix.ENOENT) {
				errs = append(errs, fmt.Errorf("remove %s: %w", s.path, err))
			}
		}
	case !isLockBusy(err):
		errs = append(errs, fmt.Errorf("probe attachments %s: %w", s.name, err))
	}

	if s.held.CompareAndSwap(true, false) {
		s.mu.Unlock()
	}
	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", s.name, err))
	}
	return errors.Join(errs...)
}

func (s *fileSegment) isDetached() bool {
	s.mapping.RLock()
	defer s.mapping.RUnlock()
	return s.detached
}

func setLock(fd int, typ int16, start int64, wait bool) error {
	lk := unix.Flock_t{Type: typ, Whence: io.SeekStart, Start: start, Len: 1}
	cmd := unix.F_OFD_SETLK
	if wait {
		cmd = unix.F_OFD_SETLKW
	}
	for {
		err := unix.FcntlFlock(uintptr(fd), cmd, &lk)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func isLockBusy(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// sameFile reports whether fd still refers to the file currently at path.
func sameFile(fd int, path string) (bool, error) {
	var fdStat, pathStat unix.Stat_t
	if err := unix.Fstat(fd, &fdStat); err != nil {
		return false, fmt.Errorf("stat descriptor for %s: %w", path, err)
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return fdStat.Dev == pathStat.Dev && fdStat.Ino == pathStat.Ino, nil
}
