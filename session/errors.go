package session

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/nd2-go/nd"
)

var (
	// ErrRemoteClosed reports a canceled completion: the peer disconnected or
	// the queue pair was flushed. It wraps nd.StatusCanceled.
	ErrRemoteClosed = fmt.Errorf("nd session: remote has closed the connection: %w", nd.StatusCanceled)
	// ErrNotInitialized indicates that Initialize has not succeeded yet.
	ErrNotInitialized = errors.New("nd session: not initialized")
	// ErrAlreadyInitialized indicates a second call to Initialize.
	ErrAlreadyInitialized = errors.New("nd session: already initialized")
	// ErrClosed indicates the session has already been closed.
	ErrClosed = errors.New("nd session: closed")
	// ErrWrongRole indicates an operation that the session's role does not offer.
	ErrWrongRole = errors.New("nd session: operation not available for role")
	// ErrNoBuffer indicates that no buffer is registered.
	ErrNoBuffer = errors.New("nd session: no registered buffer")
	// ErrPoolExhausted indicates that every pooled buffer of sufficient size is in use.
	ErrPoolExhausted = errors.New("nd session: buffer pool exhausted")
	// ErrPoolClosed indicates the buffer pool has been closed.
	ErrPoolClosed = errors.New("nd session: buffer pool closed")
)

// CompletionError reports a completion that finished with a failure status.
type CompletionError struct {
	Result nd.Result
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("nd session: %s completion failed: %s (context=0x%x)", e.Result.RequestType, e.Result.Status, e.Result.RequestContext)
}

// Unwrap exposes the completion status to errors.Is and nd.StatusOf.
func (e *CompletionError) Unwrap() error {
	return e.Result.Status
}

// UnexpectedCompletionError reports a completion whose request context differs
// from the one the caller was waiting for. The post and wait order of the
// caller are out of step, so the session refuses further work.
type UnexpectedCompletionError struct {
	Expected nd.RequestContext
	Result   nd.Result
}

func (e *UnexpectedCompletionError) Error() string {
	return fmt.Sprintf("nd session: unexpected completion: got %s context 0x%x, want 0x%x",
		e.Result.RequestType, e.Result.RequestContext, e.Expected)
}

type errorHolder struct {
	err error
}
