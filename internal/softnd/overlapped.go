package softnd

import (
	"context"
	"sync"
)

// Overlapped tracks a single asynchronous request. It is reusable: each new
// request re-arms it and the owning object completes it exactly once. The
// event channel is closed on completion and replaced on the next request.
type Overlapped struct {
	mu      sync.Mutex
	status  Status
	info    uint64
	event   chan struct{}
	pending bool
	cancel  func()
}

// NewOverlapped returns an idle overlapped whose event is already signalled.
func NewOverlapped() *Overlapped {
	ev := make(chan struct{})
	close(ev)
	return &Overlapped{event: ev}
}

// begin arms the overlapped for a new request. cancel, when non-nil, is
// invoked by Cancel while the request is outstanding.
func (o *Overlapped) begin(cancel func()) Status {
	if o == nil {
		return StatusInvalidParameter
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending {
		return StatusDeviceBusy
	}
	o.pending = true
	o.status = StatusPending
	o.info = 0
	o.event = make(chan struct{})
	o.cancel = cancel
	return StatusPending
}

// complete resolves the outstanding request. Later calls are ignored until
// the overlapped is re-armed.
func (o *Overlapped) complete(status Status, info uint64) {
	o.mu.Lock()
	if !o.pending {
		o.mu.Unlock()
		return
	}
	o.pending = false
	o.status = status
	o.info = info
	o.cancel = nil
	ev := o.event
	o.mu.Unlock()
	close(ev)
}

// completeAsync starts fn on its own goroutine and completes the overlapped
// with its result.
func (o *Overlapped) completeAsync(fn func() (Status, uint64)) {
	go func() {
		status, info := fn()
		o.complete(status, info)
	}()
}

// Event returns a channel closed once the current request resolves.
func (o *Overlapped) Event() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.event
}

// Pending reports whether a request is outstanding.
func (o *Overlapped) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Cancel asks the owner of the outstanding request to abandon it. The request
// still completes, normally with StatusCanceled.
func (o *Overlapped) Cancel() {
	o.mu.Lock()
	cancel := o.cancel
	pending := o.pending
	o.mu.Unlock()
	if pending && cancel != nil {
		cancel()
	}
}

// Result reports the outcome of the last request. Without wait, an
// outstanding request yields StatusPending. With wait, it blocks until the
// request resolves or ctx is done.
func (o *Overlapped) Result(ctx context.Context, wait bool) (uint64, error) {
	if o == nil {
		return 0, StatusInvalidParameter
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev := o.Event()
	if !wait {
		select {
		case <-ev:
		default:
			return 0, StatusPending
		}
	} else {
		select {
		case <-ev:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.info, o.status.Err()
}
