// Package bus implements the single-instance synchronization bus: the first
// process to create the control and data segments becomes master and serves
// document requests forwarded by every later process.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/watchbook/internal/fsm"
	"github.com/rbright/watchbook/internal/shm"
)

const (
	// DefaultCapacity is the data channel size in characters when Options.Capacity is zero.
	DefaultCapacity = 4096
	// DefaultPollInterval is used when Options.PollInterval is zero.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultDir is where segment files live when Options.Provider is nil.
	DefaultDir = "/dev/shm"

	controlSize      = 1
	electionAttempts = 3
)

// Options configures one bus participant.
type Options struct {
	// Key names the bus; every process of the application must use the same key.
	Key string
	// Capacity is the data channel size in characters.
	Capacity int
	// PollInterval is the back-off between sender retries and listener polls.
	PollInterval time.Duration
	// Provider supplies the shared segments. Defaults to files in DefaultDir.
	Provider shm.Provider
	// Logger receives role decisions and drained requests. Defaults to discard.
	Logger *slog.Logger
}

// Bus is one process's participation in the instance bus. Construct it once
// at startup and share the pointer.
type Bus struct {
	controlName  string
	dataName     string
	electionName string
	capacity     int
	pollInterval time.Duration
	provider     shm.Provider
	logger       *slog.Logger

	// mu guards the fields below. Every protocol step holds the read lock so
	// Detach never unmaps a segment under a running step.
	mu          sync.RWMutex
	initialized bool
	master      bool
	control     shm.Segment
	data        shm.Segment
}

// New validates opts and returns an uninitialized bus.
func New(opts Options) (*Bus, error) {
	if opts.Key == "" {
		return nil, errEmptyKey
	}
	if opts.Capacity == 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Capacity < 0 {
		return nil, errInvalidCapacity
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PollInterval < 0 {
		return nil, errInvalidPollSetting
	}
	if opts.Provider == nil {
		opts.Provider = shm.NewDir(DefaultDir)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Bus{
		controlName:  shm.SafeName(opts.Key, "control"),
		dataName:     shm.SafeName(opts.Key, "data"),
		electionName: shm.SafeName(opts.Key, "election"),
		capacity:     opts.Capacity,
		pollInterval: opts.PollInterval,
		provider:     opts.Provider,
		logger:       opts.Logger,
	}, nil
}

// Capacity returns the data channel size in characters.
func (b *Bus) Capacity() int {
	return b.capacity
}

// IsInitialized reports whether election completed and the segments are attached.
func (b *Bus) IsInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// IsMaster reports the role decided by the last successful Init.
func (b *Bus) IsMaster() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.master
}

// Init runs the election and reports whether this process is the master.
// Calling it again after success returns the same role without touching the
// segments.
func (b *Bus) Init() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return b.master, nil
	}

	release, err := b.provider.Acquire(b.electionName)
	if err != nil {
		return false, fmt.Errorf("%w: election: %w", ErrLock, err)
	}
	defer func() { _ = release.Release() }()

	for attempt := 0; attempt < electionAttempts; attempt++ {
		master, err := b.elect()
		if errors.Is(err, errSegmentsVanished) {
			continue
		}
		if err != nil {
			return false, err
		}

		b.initialized = true
		b.master = master
		b.logger.Info("bus initialized", "master", master, "control", b.controlName, "data", b.dataName)
		return master, nil
	}
	return false, fmt.Errorf("%w: %w", ErrAttach, errSegmentsVanished)
}

// elect creates both segments or attaches to both. Callers hold b.mu and the
// election lock.
func (b *Bus) elect() (bool, error) {
	control, controlErr := b.provider.Create(b.controlName, controlSize)
	data, dataErr := b.provider.Create(b.dataName, PayloadSize(b.capacity))

	switch {
	case controlErr == nil && dataErr == nil:
		if err := b.resetChannels(control, data); err != nil {
			_ = control.Detach()
			_ = data.Detach()
			return false, err
		}
		b.control, b.data = control, data
		return true, nil

	case errors.Is(controlErr, shm.ErrExist) && errors.Is(dataErr, shm.ErrExist):
		control, err := b.provider.Attach(b.controlName, controlSize)
		if err != nil {
			return false, attachError("control", err)
		}
		data, err := b.provider.Attach(b.dataName, PayloadSize(b.capacity))
		if err != nil {
			_ = control.Detach()
			return false, attachError("data", err)
		}
		b.control, b.data = control, data
		return false, nil

	case controlErr == nil:
		_ = control.Detach()
		return false, fmt.Errorf("%w: control segment created but data segment failed: %w", ErrInconsistentState, dataErr)

	case dataErr == nil:
		_ = data.Detach()
		return false, fmt.Errorf("%w: data segment created but control segment failed: %w", ErrInconsistentState, controlErr)

	default:
		return false, fmt.Errorf("%w: %w", ErrSegmentCreate, errors.Join(controlErr, dataErr))
	}
}

func attachError(which string, err error) error {
	if errors.Is(err, shm.ErrNotExist) {
		return errSegmentsVanished
	}
	return fmt.Errorf("%w: %s: %w", ErrAttach, which, err)
}

// resetChannels puts a freshly created bus into the idle state.
func (b *Bus) resetChannels(control, data shm.Segment) error {
	if err := lockSegment(control); err != nil {
		return err
	}
	writeErr := writeState(control, fsm.StateIdle)
	if err := unlockSegment(control); err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	if err := lockSegment(data); err != nil {
		return err
	}
	_, writeErr = data.WriteAt(make([]byte, PayloadSize(b.capacity)), 0)
	if err := unlockSegment(data); err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("clear data channel: %w", writeErr)
	}
	return nil
}

// Detach leaves the bus. It reports false when the bus was not initialized or
// either segment failed to detach; the bus is uninitialized afterwards either
// way.
func (b *Bus) Detach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return false
	}

	release, err := b.provider.Acquire(b.electionName)
	if err != nil {
		b.logger.Warn("detach without election lock", "error", err.Error())
	} else {
		defer func() { _ = release.Release() }()
	}

	controlErr := b.control.Detach()
	dataErr := b.data.Detach()
	if controlErr != nil || dataErr != nil {
		b.logger.Warn("bus detach incomplete", "error", errors.Join(controlErr, dataErr).Error())
	}

	wasMaster := b.master
	b.initialized = false
	b.master = false
	b.control = nil
	b.data = nil
	b.logger.Info("bus detached", "master", wasMaster)

	return controlErr == nil && dataErr == nil
}

func lockSegment(seg shm.Segment) error {
	if err := seg.Lock(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrLock, seg.Name(), err)
	}
	return nil
}

func unlockSegment(seg shm.Segment) error {
	if err := seg.Unlock(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnlock, seg.Name(), err)
	}
	return nil
}

func readState(control shm.Segment) (fsm.State, error) {
	var buf [controlSize]byte
	if _, err := control.ReadAt(buf[:], 0); err != nil {
		return fsm.StateIdle, fmt.Errorf("read control channel: %w", err)
	}
	return fsm.State(buf[0]), nil
}

func writeState(control shm.Segment, state fsm.State) error {
	if _, err := control.WriteAt([]byte{byte(state)}, 0); err != nil {
		return fmt.Errorf("write control channel: %w", err)
	}
	return nil
}
