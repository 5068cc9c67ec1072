// Package instance runs one watchbook request through the single-instance bus.
package instance

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbright/watchbook/internal/bus"
	"github.com/rbright/watchbook/internal/fsm"
)

// Role is the part this process played for its request.
type Role string

const (
	// RoleMaster handled the request and served forwarded ones until cancelled.
	RoleMaster Role = "master"
	// RoleForwarded handed the request to the running master.
	RoleForwarded Role = "forwarded"
	// RoleStandalone handled the request alone because the bus was unavailable.
	RoleStandalone Role = "standalone"
)

// Bus is the controller-facing subset of *bus.Bus.
type Bus interface {
	Init() (bool, error)
	Detach() bool
	SendNewDocumentRequest(context.Context) error
	SendOpenDocumentRequest(context.Context, string) error
	Listen(context.Context, bus.Handler) error
}

// Result is the lifecycle output of one Run invocation.
type Result struct {
	Role    Role
	Handled int
	// BusErr is why the bus was unavailable in standalone mode.
	BusErr     error
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Controller elects, forwards, or serves on behalf of one CLI invocation.
type Controller struct {
	logger  *slog.Logger
	bus     Bus
	handler bus.Handler

	// OnRole runs once the role is known, before any blocking work.
	OnRole func(Role)
}

// NewController constructs a controller with a no-op role callback.
func NewController(logger *slog.Logger, b Bus, handler bus.Handler) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		logger:  logger,
		bus:     b,
		handler: handler,
		OnRole:  func(Role) {},
	}
}

// Run executes req. As master it keeps serving forwarded requests until ctx
// is cancelled; the bus is always detached before Run returns.
func (c *Controller) Run(ctx context.Context, req bus.Request) Result {
	result := Result{StartedAt: time.Now()}

	isMaster, err := c.bus.Init()
	if err != nil {
		c.logger.Warn("bus unavailable; handling request locally", "error", err.Error())
		result.Role = RoleStandalone
		result.BusErr = err
		c.OnRole(result.Role)
		c.handler.HandleRequest(ctx, req)
		result.Handled = 1
		result.FinishedAt = time.Now()
		return result
	}
	defer c.bus.Detach()

	if !isMaster {
		result.Role = RoleForwarded
		result.Err = c.forward(ctx, req)
		if result.Err == nil {
			c.OnRole(result.Role)
		}
		result.FinishedAt = time.Now()
		return result
	}

	result.Role = RoleMaster
	c.OnRole(result.Role)

	var handled atomic.Int64
	counting := bus.HandlerFunc(func(ctx context.Context, req bus.Request) {
		handled.Add(1)
		c.handler.HandleRequest(ctx, req)
	})

	counting.HandleRequest(ctx, req)
	result.Err = c.bus.Listen(ctx, counting)
	result.Handled = int(handled.Load())
	c.logger.Info("master stopped serving", "handled", result.Handled)
	result.FinishedAt = time.Now()
	return result
}

func (c *Controller) forward(ctx context.Context, req bus.Request) error {
	switch req.Kind {
	case fsm.StateOpenDocument:
		return c.bus.SendOpenDocumentRequest(ctx, req.Path)
	default:
		return c.bus.SendNewDocumentRequest(ctx)
	}
}
