package softnd

import "sync"

// RequestType identifies the verb that produced a completion.
type RequestType uint32

const (
	RequestReceive RequestType = iota
	RequestSend
	RequestBind
	RequestInvalidate
	RequestRead
	RequestWrite
)

func (t RequestType) String() string {
	switch t {
	case RequestReceive:
		return "receive"
	case RequestSend:
		return "send"
	case RequestBind:
		return "bind"
	case RequestInvalidate:
		return "invalidate"
	case RequestRead:
		return "read"
	case RequestWrite:
		return "write"
	default:
		return "request"
	}
}

// NotifyType selects which completions satisfy an armed notification.
type NotifyType uint32

const (
	NotifyErrors NotifyType = iota
	NotifyAny
	NotifySolicited
)

// Result mirrors ND2_RESULT.
type Result struct {
	Status           Status
	BytesTransferred uint32
	QueuePairContext uintptr
	RequestContext   uintptr
	RequestType      RequestType
}

type cqEntry struct {
	result    Result
	solicited bool
}

// CompletionQueue is a bounded FIFO of completions. Once it overruns it stays
// in the overflow state: entries that did not fit are lost and every later
// notification fails with StatusBufferOverflow.
type CompletionQueue struct {
	adapter *Adapter
	depth   int

	mu         sync.Mutex
	entries    []cqEntry
	overflow   bool
	closed     bool
	notifyOv   *Overlapped
	notifyType NotifyType
}

// CreateCompletionQueue creates a completion queue holding up to depth entries.
func (a *Adapter) CreateCompletionQueue(depth uint32) (*CompletionQueue, Status) {
	if st := a.usable(); st != StatusSuccess {
		return nil, st
	}
	if depth == 0 || depth > a.info.MaxCompletionQueueDepth {
		return nil, StatusInvalidParameter
	}
	return &CompletionQueue{adapter: a, depth: int(depth)}, StatusSuccess
}

// Depth returns the configured capacity.
func (cq *CompletionQueue) Depth() int {
	return cq.depth
}

// GetResults dequeues up to len(out) completions and returns how many were
// written.
func (cq *CompletionQueue) GetResults(out []Result) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	n := 0
	for n < len(out) && len(cq.entries) > 0 {
		out[n] = cq.entries[0].result
		cq.entries[0] = cqEntry{}
		cq.entries = cq.entries[1:]
		n++
	}
	if len(cq.entries) == 0 {
		cq.entries = nil
	}
	return n
}

// Notify arms a one-shot notification that completes ov when a matching
// completion is queued. A queue that already holds a match completes ov
// immediately. The call itself returns StatusPending unless it fails.
func (cq *CompletionQueue) Notify(kind NotifyType, ov *Overlapped) Status {
	if kind > NotifySolicited {
		return StatusInvalidParameter
	}
	if st := ov.begin(func() { cq.CancelOverlappedRequests() }); st != StatusPending {
		return st
	}
	cq.mu.Lock()
	switch {
	case cq.closed:
		cq.mu.Unlock()
		ov.complete(StatusCanceled, 0)
		return StatusPending
	case cq.overflow:
		cq.mu.Unlock()
		ov.complete(StatusBufferOverflow, 0)
		return StatusPending
	case cq.notifyOv != nil:
		cq.mu.Unlock()
		ov.complete(StatusDeviceBusy, 0)
		return StatusPending
	}
	for _, e := range cq.entries {
		if matchesNotify(kind, e) {
			cq.mu.Unlock()
			ov.complete(StatusSuccess, 0)
			return StatusPending
		}
	}
	cq.notifyOv = ov
	cq.notifyType = kind
	cq.mu.Unlock()
	return StatusPending
}

// CancelOverlappedRequests completes an armed notification with StatusCanceled.
func (cq *CompletionQueue) CancelOverlappedRequests() Status {
	cq.mu.Lock()
	ov := cq.notifyOv
	cq.notifyOv = nil
	cq.mu.Unlock()
	if ov != nil {
		ov.complete(StatusCanceled, 0)
	}
	return StatusSuccess
}

// Close cancels pending notifications and refuses new ones.
func (cq *CompletionQueue) Close() Status {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()
	return cq.CancelOverlappedRequests()
}

func (cq *CompletionQueue) push(res Result, solicited bool) {
	cq.mu.Lock()
	if len(cq.entries) >= cq.depth {
		cq.overflow = true
		ov := cq.notifyOv
		cq.notifyOv = nil
		cq.mu.Unlock()
		if ov != nil {
			ov.complete(StatusBufferOverflow, 0)
		}
		return
	}
	e := cqEntry{result: res, solicited: solicited}
	cq.entries = append(cq.entries, e)
	var wake *Overlapped
	if cq.notifyOv != nil && matchesNotify(cq.notifyType, e) {
		wake = cq.notifyOv
		cq.notifyOv = nil
	}
	cq.mu.Unlock()
	if wake != nil {
		wake.complete(StatusSuccess, 0)
	}
}

func matchesNotify(kind NotifyType, e cqEntry) bool {
	failed := e.result.Status != StatusSuccess
	switch kind {
	case NotifyErrors:
		return failed
	case NotifySolicited:
		return failed || e.solicited
	default:
		return true
	}
}
