package nd

import "github.com/rocketbitz/nd2-go/internal/softnd"

// RequestType identifies the verb behind a completion.
type RequestType = softnd.RequestType

const (
	RequestReceive    = softnd.RequestReceive
	RequestSend       = softnd.RequestSend
	RequestBind       = softnd.RequestBind
	RequestInvalidate = softnd.RequestInvalidate
	RequestRead       = softnd.RequestRead
	RequestWrite      = softnd.RequestWrite
)

// NotifyType selects which completions satisfy a notification.
type NotifyType = softnd.NotifyType

const (
	NotifyErrors    = softnd.NotifyErrors
	NotifyAny       = softnd.NotifyAny
	NotifySolicited = softnd.NotifySolicited
)

// RequestContext is the opaque value a caller attaches to each posted request.
type RequestContext = uintptr

// Result is one completion record.
type Result = softnd.Result

// CompletionQueue wraps a provider completion queue.
type CompletionQueue struct {
	handle *softnd.CompletionQueue
}

// Depth returns the queue capacity.
func (c *CompletionQueue) Depth() int {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.Depth()
}

// GetResults dequeues up to len(out) completions without blocking.
func (c *CompletionQueue) GetResults(out []Result) int {
	if c == nil || c.handle == nil {
		return 0
	}
	return c.handle.GetResults(out)
}

// Notify arms a one-shot notification on ov. A nil error means the
// notification is armed; it resolves through ov.
func (c *CompletionQueue) Notify(kind NotifyType, ov *Overlapped) error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	return posted(c.handle.Notify(kind, ov.raw()))
}

// CancelOverlappedRequests resolves an armed notification with StatusCanceled.
func (c *CompletionQueue) CancelOverlappedRequests() error {
	if c == nil || c.handle == nil {
		return ErrInvalidHandle{"completion queue"}
	}
	return c.handle.CancelOverlappedRequests().Err()
}

// Close releases the completion queue.
func (c *CompletionQueue) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close().Err()
	c.handle = nil
	return err
}
