package bus

import (
	"context"
	"time"

	"github.com/rbright/watchbook/internal/fsm"
)

// SendNewDocumentRequest asks the master to create a new document. It waits
// for the bus to become idle, polling at the configured interval, until the
// request is published or ctx ends.
func (b *Bus) SendNewDocumentRequest(ctx context.Context) error {
	return b.send(ctx, fsm.EventRequestNew, nil)
}

// SendOpenDocumentRequest asks the master to open path. Paths longer than the
// bus capacity arrive truncated to Capacity characters.
func (b *Bus) SendOpenDocumentRequest(ctx context.Context, path string) error {
	return b.send(ctx, fsm.EventRequestOpen, EncodePath(path, b.capacity))
}

func (b *Bus) send(ctx context.Context, event fsm.Event, payload []byte) error {
	for {
		published, err := b.trySend(event, payload)
		if err != nil {
			return err
		}
		if published {
			b.logger.Info("bus request sent", "request", event)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// trySend makes one attempt to move the control channel from idle to a
// request. The payload is written while the control lock is still held, so
// the listener never sees a request without its path.
func (b *Bus) trySend(event fsm.Event, payload []byte) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return false, ErrNotInitialized
	}
	if b.master {
		return false, ErrMaster
	}

	if err := lockSegment(b.control); err != nil {
		return false, err
	}

	current, err := readState(b.control)
	if err != nil {
		_ = b.control.Unlock()
		return false, err
	}

	// Busy, or a corrupt value the master has yet to clear.
	next, err := fsm.Transition(current, event)
	if err != nil {
		return false, unlockSegment(b.control)
	}

	if err := writeState(b.control, next); err != nil {
		_ = b.control.Unlock()
		return false, err
	}

	if payload != nil {
		if err := b.writePayload(payload); err != nil {
			_ = writeState(b.control, current)
			_ = b.control.Unlock()
			return false, err
		}
	}

	if err := unlockSegment(b.control); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Bus) writePayload(payload []byte) error {
	if err := lockSegment(b.data); err != nil {
		return err
	}
	_, writeErr := b.data.WriteAt(payload, 0)
	if err := unlockSegment(b.data); err != nil {
		return err
	}
	return writeErr
}
