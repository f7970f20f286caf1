package nd

import (
	"context"

	"github.com/rocketbitz/nd2-go/internal/softnd"
)

// Overlapped tracks one asynchronous request at a time. A single overlapped
// may be reused for consecutive requests once the previous one resolved.
type Overlapped struct {
	handle *softnd.Overlapped
}

// NewOverlapped returns an idle overlapped.
func NewOverlapped() *Overlapped {
	return &Overlapped{handle: softnd.NewOverlapped()}
}

// Wait blocks until the outstanding request resolves or ctx is done and
// returns the request's information value.
func (o *Overlapped) Wait(ctx context.Context) (uint64, error) {
	if o == nil || o.handle == nil {
		return 0, ErrInvalidHandle{"overlapped"}
	}
	return o.handle.Result(ctx, true)
}

// Poll reports the outcome without blocking. An outstanding request yields
// StatusPending.
func (o *Overlapped) Poll() (uint64, error) {
	if o == nil || o.handle == nil {
		return 0, ErrInvalidHandle{"overlapped"}
	}
	return o.handle.Result(context.Background(), false)
}

// Event returns a channel that is closed when the current request resolves.
func (o *Overlapped) Event() <-chan struct{} {
	if o == nil || o.handle == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.handle.Event()
}

// Pending reports whether a request is outstanding.
func (o *Overlapped) Pending() bool {
	if o == nil || o.handle == nil {
		return false
	}
	return o.handle.Pending()
}

// Cancel asks the request owner to abandon the outstanding request. The
// request still resolves, normally with StatusCanceled.
func (o *Overlapped) Cancel() {
	if o == nil || o.handle == nil {
		return
	}
	o.handle.Cancel()
}

// Close releases the overlapped. A pending request is canceled first.
func (o *Overlapped) Close() error {
	if o == nil || o.handle == nil {
		return nil
	}
	if o.handle.Pending() {
		o.handle.Cancel()
	}
	o.handle = nil
	return nil
}

func (o *Overlapped) raw() *softnd.Overlapped {
	if o == nil {
		return nil
	}
	return o.handle
}
