package bus

import (
	"errors"
	"fmt"

	"github.com/rbright/watchbook/internal/fsm"
	"github.com/rbright/watchbook/internal/shm"
)

// Snapshot is a point-in-time view of the shared channels.
type Snapshot struct {
	// Present is false when no bus exists for the key.
	Present bool
	State   fsm.State
	Path    string
}

// Inspect attaches to an existing bus just long enough to read both channels.
// It never creates segments, so it cannot take the master role.
func Inspect(opts Options) (Snapshot, error) {
	b, err := New(opts)
	if err != nil {
		return Snapshot{}, err
	}

	release, err := b.provider.Acquire(b.electionName)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: election: %w", ErrLock, err)
	}
	defer func() { _ = release.Release() }()

	control, err := b.provider.Attach(b.controlName, controlSize)
	if errors.Is(err, shm.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: control: %w", ErrAttach, err)
	}
	defer func() { _ = control.Detach() }()

	data, err := b.provider.Attach(b.dataName, PayloadSize(b.capacity))
	if errors.Is(err, shm.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("%w: control segment present without data segment", ErrInconsistentState)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: data: %w", ErrAttach, err)
	}
	defer func() { _ = data.Detach() }()

	if err := lockSegment(control); err != nil {
		return Snapshot{}, err
	}
	state, readErr := readState(control)
	var path string
	if readErr == nil && state == fsm.StateOpenDocument {
		path, readErr = readPayload(data, b.capacity)
	}
	if err := unlockSegment(control); err != nil {
		return Snapshot{}, err
	}
	if readErr != nil {
		return Snapshot{}, readErr
	}

	return Snapshot{Present: true, State: state, Path: path}, nil
}

func readPayload(data shm.Segment, capacity int) (string, error) {
	if err := lockSegment(data); err != nil {
		return "", err
	}
	buf := make([]byte, PayloadSize(capacity))
	_, readErr := data.ReadAt(buf, 0)
	if err := unlockSegment(data); err != nil {
		return "", err
	}
	if readErr != nil {
		return "", fmt.Errorf("read data channel: %w", readErr)
	}
	return DecodePath(buf), nil
}
