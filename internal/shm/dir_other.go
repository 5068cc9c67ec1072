//go:build !linux

package shm

// Dir is unavailable off Linux; every operation returns ErrUnsupported so
// callers fall back to running without the instance bus.
type Dir struct {
	path string
}

func NewDir(path string) *Dir {
	return &Dir{path: path}
}

func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) Create(string, int) (Segment, error) { return nil, ErrUnsupported }

func (d *Dir) Attach(string, int) (Segment, error) { return nil, ErrUnsupported }

func (d *Dir) Acquire(string) (Releaser, error) { return nil, ErrUnsupported }
