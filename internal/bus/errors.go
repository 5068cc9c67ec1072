package bus

import "errors"

// Every error below ends the current bus operation. Init failures leave the
// process free to run without the bus.
var (
	ErrSegmentCreate      = errors.New("create bus segment failed")
	ErrInconsistentState  = errors.New("inconsistent bus state")
	ErrAttach             = errors.New("attach bus segment failed")
	ErrLock               = errors.New("lock bus segment failed")
	ErrUnlock             = errors.New("unlock bus segment failed")
	ErrNotInitialized     = errors.New("bus is not initialized")
	ErrMaster             = errors.New("master instance cannot forward requests")
	ErrNotMaster          = errors.New("only the master instance listens")
	errSegmentsVanished   = errors.New("bus segments vanished during election")
	errNilRequestHandler  = errors.New("request handler is nil")
	errEmptyKey           = errors.New("bus key must not be empty")
	errInvalidCapacity    = errors.New("bus capacity must be > 0")
	errInvalidPollSetting = errors.New("bus poll interval must be > 0")
)
