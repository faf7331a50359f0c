package runtime

import "errors"

// Sentinel errors for every failure kind a caller can act on. Cross-thread
// operations report these as values; invariants broken by the runtime itself
// panic instead.
var (
	// ErrNotAlive means the target thread has been removed.
	ErrNotAlive = errors.New("thread is not alive")
	// ErrAlreadyRunning means a duplicate profile job was requested.
	ErrAlreadyRunning = errors.New("job already running on thread")
	// ErrInvalid means arguments or state disallow the operation.
	ErrInvalid = errors.New("invalid operation")
	// ErrBusy means a concurrent metrics update is still in flight.
	ErrBusy = errors.New("update already in progress")
	// ErrNotOwningThread means a thread-confined call ran on the wrong
	// goroutine.
	ErrNotOwningThread = errors.New("not called from the owning thread")
	// ErrInvalidDiscipline means an unknown scheduling discipline.
	ErrInvalidDiscipline = errors.New("invalid command discipline")
	// ErrEnqueueFailed means the runtime is tearing down.
	ErrEnqueueFailed = errors.New("enqueue failed: runtime shutting down")
	// ErrTransportUnready means no connection was available; the message is
	// dropped and counted.
	ErrTransportUnready = errors.New("transport not ready")
	// ErrExpired means a span fragment arrived after its span expired.
	ErrExpired = errors.New("span expired")
)

// ErrorCode maps an error to the stable wire code carried in error payloads:
// 409 conflict, 410 gone, 422 invalid, 500 other.
func ErrorCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrBusy):
		return 409
	case errors.Is(err, ErrNotAlive), errors.Is(err, ErrExpired):
		return 410
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrInvalidDiscipline), errors.Is(err, ErrNotOwningThread):
		return 422
	default:
		return 500
	}
}
