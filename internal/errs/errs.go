// Package errs collects the serving-control core's error taxonomy as
// sentinel values, in the same style as the worker pool's PoolError:
// named, comparable errors callers can check with errors.Is, wrapped with
// context via fmt.Errorf("%w", ...) at the call site.
package errs

import "errors"

// CoreError carries a taxonomy name plus a causal chain, so errors.Is
// against one of the sentinels below still works after wrapping.
type CoreError struct {
	Name string
	Err  error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return e.Name + ": " + e.Err.Error()
	}
	return e.Name
}

func (e *CoreError) Unwrap() error { return e.Err }

// Is matches target against the taxonomy sentinel e was wrapped with, by
// name, so errors.Is(Wrap(sentinel, cause), sentinel) holds.
func (e *CoreError) Is(target error) bool {
	return target != nil && target.Error() == e.Name
}

// Wrap attaches cause to the named taxonomy sentinel, preserving
// errors.Is(result, sentinel).
func Wrap(sentinel error, cause error) error {
	return &CoreError{Name: sentinel.Error(), Err: cause}
}

var (
	// ErrValidation: invalid config or parameters (e.g. percentage out of [0,100]).
	ErrValidation = errors.New("validation_error")
	// ErrTransport: runtime unavailable, framing error, peer exited.
	ErrTransport = errors.New("transport_error")
	// ErrTransportClosed: the runtime subprocess has exited; all
	// outstanding requests are rejected with this error.
	ErrTransportClosed = errors.New("transport_closed")
	// ErrRuntime: the runtime reported a failure for a request.
	ErrRuntime = errors.New("runtime_error")
	// ErrStream: terminal event:"error" reported by the runtime for a stream.
	ErrStream = errors.New("stream_error")
	// ErrStreamTimeout: the registry-side per-stream timer fired.
	ErrStreamTimeout = errors.New("stream_timeout")
	// ErrStreamCancelled: the caller cancelled; never retried.
	ErrStreamCancelled = errors.New("stream_cancelled")
	// ErrLimitExceeded: the admission queue is full.
	ErrLimitExceeded = errors.New("limit_exceeded")
	// ErrQueueTimeout: a queued admission timed out before being admitted.
	ErrQueueTimeout = errors.New("queue_timeout")
	// ErrCircuitOpen: routing skipped because the peer's breaker is open.
	ErrCircuitOpen = errors.New("circuit_open")
	// ErrNoWorkerForModel: no online worker advertises the requested model.
	ErrNoWorkerForModel = errors.New("no_worker_for_model")
	// ErrNoOnlineWorkers: the worker snapshot contains no Online workers.
	ErrNoOnlineWorkers = errors.New("no_online_workers")
	// ErrStreamAlreadyRegistered: register() called with a duplicate id.
	ErrStreamAlreadyRegistered = errors.New("stream_already_registered")
	// ErrUnknownStream: a notification arrived for an id not in the registry.
	ErrUnknownStream = errors.New("unknown_stream")
	// ErrShutdown: the owning component is shutting down.
	ErrShutdown = errors.New("shutdown")
)
