package loop

import "errors"

var (
	// ErrConfiguration reports an invalid Config or missing dependency. It is
	// returned by New and, for bad run options, by Run.
	ErrConfiguration = errors.New("loop configuration error")

	// ErrReentrancy is returned by Run when the engine is already running.
	ErrReentrancy = errors.New("loop already running")

	// ErrWorkFunction wraps errors and panics raised by the work function.
	ErrWorkFunction = errors.New("work function failed")

	// ErrIterationTimeout is recorded when the work function exceeds the iteration timeout.
	ErrIterationTimeout = errors.New("iteration timed out")

	// ErrRunTimeout is recorded when the whole run exceeds its timeout.
	ErrRunTimeout = errors.New("run timed out")
)
