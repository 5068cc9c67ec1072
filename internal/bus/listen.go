package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/rbright/watchbook/internal/fsm"
)

// Request is one drained bus request.
type Request struct {
	// Kind is fsm.StateNewDocument or fsm.StateOpenDocument.
	Kind fsm.State
	// Path is the document to open; empty for new-document requests.
	Path string
}

// Handler processes requests drained by the master.
type Handler interface {
	HandleRequest(context.Context, Request)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request)

func (f HandlerFunc) HandleRequest(ctx context.Context, req Request) {
	f(ctx, req)
}

// Listen drains forwarded requests and passes them to handler until ctx is
// cancelled, which returns nil. Cancellation is checked between polls; a
// request already drained is always handed to handler first. Lock failures
// end the loop with an error.
func (b *Bus) Listen(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errNilRequestHandler
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		req, ok, err := b.drain()
		if err != nil {
			return err
		}
		if ok {
			b.logger.Info("bus request received", "request", req.Kind.String(), "path", req.Path)
			handler.HandleRequest(ctx, req)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.pollInterval):
		}
	}
}

// drain takes at most one pending request off the bus and resets both
// channels. Locks are released before the request is returned.
func (b *Bus) drain() (Request, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return Request{}, false, ErrNotInitialized
	}
	if !b.master {
		return Request{}, false, ErrNotMaster
	}

	if err := lockSegment(b.control); err != nil {
		return Request{}, false, err
	}

	current, err := readState(b.control)
	if err != nil {
		_ = b.control.Unlock()
		return Request{}, false, err
	}
	if current == fsm.StateIdle {
		return Request{}, false, unlockSegment(b.control)
	}

	path, err := b.takePayload()
	if err != nil {
		_ = b.control.Unlock()
		return Request{}, false, err
	}

	next, transitionErr := fsm.Transition(current, fsm.EventDrain)
	if transitionErr != nil {
		next = fsm.StateIdle
	}
	if err := writeState(b.control, next); err != nil {
		_ = b.control.Unlock()
		return Request{}, false, err
	}
	if err := unlockSegment(b.control); err != nil {
		return Request{}, false, err
	}

	if transitionErr != nil {
		b.logger.Warn("discarded corrupt bus request", "control", current.String(), "error", transitionErr.Error())
		return Request{}, false, nil
	}

	req := Request{Kind: current}
	if current == fsm.StateOpenDocument {
		req.Path = path
	}
	return req, true, nil
}

// takePayload copies the data channel out and zeroes it.
func (b *Bus) takePayload() (string, error) {
	if err := lockSegment(b.data); err != nil {
		return "", err
	}

	buf := make([]byte, PayloadSize(b.capacity))
	_, readErr := b.data.ReadAt(buf, 0)
	var writeErr error
	if readErr == nil {
		_, writeErr = b.data.WriteAt(make([]byte, len(buf)), 0)
	}

	if err := unlockSegment(b.data); err != nil {
		return "", err
	}
	if readErr != nil {
		return "", fmt.Errorf("read data channel: %w", readErr)
	}
	if writeErr != nil {
		return "", fmt.Errorf("clear data channel: %w", writeErr)
	}
	return DecodePath(buf), nil
}
