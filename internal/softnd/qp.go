package softnd

import "sync"

// SGE mirrors ND2_SGE. Buffer must lie inside the region identified by
// MemoryRegionToken unless the request is inline.
type SGE struct {
	Buffer            []byte
	MemoryRegionToken uint32
}

type qpState uint8

const (
	qpIdle qpState = iota
	qpConnected
	qpDisconnected
)

type recvRequest struct {
	context uintptr
	sges    []SGE
}

type initRequest struct {
	id      uint64
	context uintptr
	kind    RequestType
	silent  bool
	sinks   []SGE
	length  uint32
	done    bool
	status  Status
	bytes   uint32
}

// QueuePair holds the receive and initiator queues of one connection. Both
// queues report to the same completion queue. Initiator requests retire in
// post order regardless of when the peer acknowledges them.
type QueuePair struct {
	adapter         *Adapter
	cq              *CompletionQueue
	context         uintptr
	receiveDepth    uint32
	initiatorDepth  uint32
	receiveSge      uint32
	initiatorSge    uint32
	inlineThreshold uint32

	mu          sync.Mutex
	state       qpState
	link        *link
	nextRequest uint64
	receives    []*recvRequest
	unexpected  []*frame
	initiators  []*initRequest
	closed      bool
}

// CreateQueuePair creates a queue pair reporting to cq. context is echoed in
// every completion's QueuePairContext.
func (a *Adapter) CreateQueuePair(cq *CompletionQueue, context uintptr, receiveDepth, initiatorDepth, receiveSge, initiatorSge, inlineThreshold uint32) (*QueuePair, Status) {
	if st := a.usable(); st != StatusSuccess {
		return nil, st
	}
	if cq == nil || cq.adapter != a {
		return nil, StatusInvalidParameter
	}
	switch {
	case receiveDepth == 0 || receiveDepth > a.info.MaxReceiveQueueDepth,
		initiatorDepth == 0 || initiatorDepth > a.info.MaxInitiatorQueueDepth,
		receiveSge > a.info.MaxReceiveSge,
		initiatorSge > a.info.MaxInitiatorSge,
		inlineThreshold > a.info.MaxInlineDataSize:
		return nil, StatusInvalidParameter
	}
	return &QueuePair{
		adapter:         a,
		cq:              cq,
		context:         context,
		receiveDepth:    receiveDepth,
		initiatorDepth:  initiatorDepth,
		receiveSge:      receiveSge,
		initiatorSge:    initiatorSge,
		inlineThreshold: inlineThreshold,
	}, StatusSuccess
}

// Receive posts a receive request.
func (qp *QueuePair) Receive(context uintptr, sges []SGE) Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed || qp.state == qpDisconnected {
		return StatusConnectionInvalid
	}
	if uint32(len(sges)) > qp.receiveSge {
		return StatusInvalidParameter
	}
	if uint32(len(qp.receives)) >= qp.receiveDepth {
		return StatusInsufficientResources
	}
	if _, st := qp.checkSges(sges, true); st != StatusSuccess {
		return st
	}
	req := &recvRequest{context: context, sges: append([]SGE(nil), sges...)}
	if len(qp.unexpected) > 0 && len(qp.receives) == 0 {
		f := qp.unexpected[0]
		qp.unexpected[0] = nil
		qp.unexpected = qp.unexpected[1:]
		qp.deliverLocked(f, req)
		return StatusSuccess
	}
	qp.receives = append(qp.receives, req)
	return StatusSuccess
}

// Send posts a send of the gathered SGE contents.
func (qp *QueuePair) Send(context uintptr, sges []SGE, flags OpFlag) Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if st := qp.checkInitiator(len(sges)); st != StatusSuccess {
		return st
	}
	payload, st := qp.gather(sges, flags)
	if st != StatusSuccess {
		return st
	}
	req := qp.newInitLocked(context, RequestSend, flags, len(payload))
	var fl uint8
	if flags&OpSendAndSolicitEvent != 0 {
		fl = frameFlagSolicited
	}
	qp.link.enqueue(&frame{op: opSend, flags: fl, request: req.id, payload: payload})
	return StatusSuccess
}

// Write posts an RDMA write of the gathered SGE contents to remoteAddress.
func (qp *QueuePair) Write(context uintptr, sges []SGE, remoteAddress uint64, remoteToken uint32, flags OpFlag) Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if st := qp.checkInitiator(len(sges)); st != StatusSuccess {
		return st
	}
	payload, st := qp.gather(sges, flags)
	if st != StatusSuccess {
		return st
	}
	req := qp.newInitLocked(context, RequestWrite, flags, len(payload))
	qp.link.enqueue(&frame{op: opWrite, request: req.id, address: remoteAddress, token: remoteToken, payload: payload})
	return StatusSuccess
}

// Read posts an RDMA read from remoteAddress into the SGE buffers.
func (qp *QueuePair) Read(context uintptr, sges []SGE, remoteAddress uint64, remoteToken uint32, flags OpFlag) Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if st := qp.checkInitiator(len(sges)); st != StatusSuccess {
		return st
	}
	if uint32(len(sges)) > qp.adapter.info.MaxReadSge {
		return StatusInvalidParameter
	}
	total, st := qp.checkSges(sges, true)
	if st != StatusSuccess {
		return st
	}
	if uint64(total) > uint64(qp.adapter.info.MaxTransferLength) {
		return StatusInvalidBufferSize
	}
	req := qp.newInitLocked(context, RequestRead, flags, total)
	req.sinks = append([]SGE(nil), sges...)
	qp.link.enqueue(&frame{op: opReadRequest, request: req.id, address: remoteAddress, token: remoteToken, length: uint32(total)})
	return StatusSuccess
}

// Bind binds mw to buf, which must lie inside the registered region mr. The
// bind completes through the initiator queue like any other request.
func (qp *QueuePair) Bind(context uintptr, mr *MemoryRegion, mw *MemoryWindow, buf []byte, flags OpFlag) Status {
	if mr == nil || mw == nil {
		return StatusInvalidParameter
	}
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return StatusInvalidDeviceState
	}
	if uint32(qp.pendingInitiators()) >= qp.initiatorDepth {
		return StatusInsufficientResources
	}
	if st := mw.bind(mr, buf, flags); st != StatusSuccess {
		return st
	}
	req := qp.newInitLocked(context, RequestBind, flags, 0)
	qp.retireLocked(req, StatusSuccess, 0, nil)
	return StatusSuccess
}

// Invalidate revokes the window's current binding.
func (qp *QueuePair) Invalidate(context uintptr, mw *MemoryWindow, flags OpFlag) Status {
	if mw == nil {
		return StatusInvalidParameter
	}
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return StatusInvalidDeviceState
	}
	if uint32(qp.pendingInitiators()) >= qp.initiatorDepth {
		return StatusInsufficientResources
	}
	if st := mw.invalidate(); st != StatusSuccess {
		return st
	}
	req := qp.newInitLocked(context, RequestInvalidate, flags, 0)
	qp.retireLocked(req, StatusSuccess, 0, nil)
	return StatusSuccess
}

// Flush cancels every outstanding request. Each one completes with
// StatusCanceled.
func (qp *QueuePair) Flush() Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	qp.flushLocked()
	return StatusSuccess
}

// Close flushes outstanding requests and refuses new ones.
func (qp *QueuePair) Close() Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed {
		return StatusSuccess
	}
	qp.flushLocked()
	qp.closed = true
	qp.state = qpDisconnected
	qp.link = nil
	return StatusSuccess
}

// Connected reports whether the queue pair is attached to a live connection.
func (qp *QueuePair) Connected() bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state == qpConnected
}

func (qp *QueuePair) attach(l *link) Status {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.closed || qp.state != qpIdle {
		return StatusConnectionActive
	}
	qp.link = l
	qp.state = qpConnected
	return StatusSuccess
}

// detach moves the queue pair to the disconnected state and flushes it.
func (qp *QueuePair) detach(l *link) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.link != l || qp.state != qpConnected {
		return
	}
	qp.state = qpDisconnected
	qp.link = nil
	qp.unexpected = nil
	qp.flushLocked()
}

func (qp *QueuePair) flushLocked() {
	for _, req := range qp.initiators {
		if !req.done {
			req.done = true
			req.status = StatusCanceled
			req.bytes = 0
		}
	}
	qp.releaseLocked()
	for _, req := range qp.receives {
		qp.cq.push(qp.result(req.context, RequestReceive, StatusCanceled, 0), false)
	}
	qp.receives = nil
}

func (qp *QueuePair) checkInitiator(nSge int) Status {
	if qp.closed || qp.state != qpConnected || qp.link == nil {
		return StatusConnectionInvalid
	}
	if uint32(nSge) > qp.initiatorSge {
		return StatusInvalidParameter
	}
	if uint32(qp.pendingInitiators()) >= qp.initiatorDepth {
		return StatusInsufficientResources
	}
	return StatusSuccess
}

func (qp *QueuePair) pendingInitiators() int {
	return len(qp.initiators)
}

// checkSges validates local SGEs and returns their total length. Sinks need
// a region registered with local write access.
func (qp *QueuePair) checkSges(sges []SGE, sink bool) (int, Status) {
	total := 0
	for _, sge := range sges {
		mr, st := qp.adapter.resolveLocal(sge.MemoryRegionToken, sge.Buffer)
		if st != StatusSuccess {
			return 0, st
		}
		if sink && len(sge.Buffer) > 0 && mr.Flags()&MRAllowLocalWrite == 0 {
			return 0, StatusAccessViolation
		}
		total += len(sge.Buffer)
	}
	return total, StatusSuccess
}

// gather copies the SGE contents into a new payload. Inline requests skip
// token validation but must fit the inline threshold.
func (qp *QueuePair) gather(sges []SGE, flags OpFlag) ([]byte, Status) {
	total := 0
	for _, sge := range sges {
		total += len(sge.Buffer)
	}
	if uint64(total) > uint64(qp.adapter.info.MaxTransferLength) {
		return nil, StatusInvalidBufferSize
	}
	inline := flags&OpInline != 0
	if inline {
		if uint32(total) > qp.inlineThreshold {
			return nil, StatusInvalidBufferSize
		}
	} else if _, st := qp.checkSges(sges, false); st != StatusSuccess {
		return nil, st
	}
	payload := make([]byte, 0, total)
	for _, sge := range sges {
		if len(sge.Buffer) == 0 {
			continue
		}
		if inline {
			payload = append(payload, sge.Buffer...)
			continue
		}
		mr, _ := qp.adapter.resolveLocal(sge.MemoryRegionToken, sge.Buffer)
		if st := mr.access(func() { payload = append(payload, sge.Buffer...) }); st != StatusSuccess {
			return nil, st
		}
	}
	return payload, StatusSuccess
}

// scatter copies data into sinks and reports how many bytes landed.
func (qp *QueuePair) scatter(sinks []SGE, data []byte) (uint32, Status) {
	capacity := 0
	for _, sge := range sinks {
		capacity += len(sge.Buffer)
	}
	if len(data) > capacity {
		return 0, StatusBufferOverflow
	}
	off := 0
	for _, sge := range sinks {
		if off == len(data) {
			break
		}
		if len(sge.Buffer) == 0 {
			continue
		}
		mr, st := qp.adapter.resolveLocal(sge.MemoryRegionToken, sge.Buffer)
		if st != StatusSuccess {
			return 0, st
		}
		n := 0
		if st := mr.access(func() { n = copy(sge.Buffer, data[off:]) }); st != StatusSuccess {
			return 0, st
		}
		off += n
	}
	return uint32(off), StatusSuccess
}

func (qp *QueuePair) newInitLocked(context uintptr, kind RequestType, flags OpFlag, length int) *initRequest {
	qp.nextRequest++
	req := &initRequest{
		id:      qp.nextRequest,
		context: context,
		kind:    kind,
		silent:  flags&OpSilentSuccess != 0,
		length:  uint32(length),
	}
	qp.initiators = append(qp.initiators, req)
	return req
}

func (qp *QueuePair) retireLocked(req *initRequest, status Status, bytes uint32, data []byte) {
	if req.done {
		return
	}
	if status == StatusSuccess && req.kind == RequestRead {
		n, st := qp.scatter(req.sinks, data)
		status, bytes = st, n
	}
	req.done = true
	req.status = status
	req.bytes = bytes
	qp.releaseLocked()
}

// releaseLocked moves the completed prefix of the initiator queue to the CQ.
func (qp *QueuePair) releaseLocked() {
	n := 0
	for _, req := range qp.initiators {
		if !req.done {
			break
		}
		if !(req.silent && req.status == StatusSuccess) {
			qp.cq.push(qp.result(req.context, req.kind, req.status, req.bytes), false)
		}
		n++
	}
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		qp.initiators[i] = nil
	}
	qp.initiators = qp.initiators[n:]
	if len(qp.initiators) == 0 {
		qp.initiators = nil
	}
}

func (qp *QueuePair) findInitLocked(id uint64) *initRequest {
	for _, req := range qp.initiators {
		if req.id == id {
			return req
		}
	}
	return nil
}

func (qp *QueuePair) result(context uintptr, kind RequestType, status Status, bytes uint32) Result {
	return Result{
		Status:           status,
		BytesTransferred: bytes,
		QueuePairContext: qp.context,
		RequestContext:   context,
		RequestType:      kind,
	}
}

// deliverLocked lands an incoming send in req and acknowledges it.
func (qp *QueuePair) deliverLocked(f *frame, req *recvRequest) {
	n, st := qp.scatter(req.sges, f.payload)
	ack := StatusSuccess
	if st != StatusSuccess {
		n = 0
		ack = StatusRemoteError
	}
	qp.cq.push(qp.result(req.context, RequestReceive, st, n), f.flags&frameFlagSolicited != 0)
	if qp.link != nil {
		qp.link.enqueue(&frame{op: opSendAck, request: f.request, status: ack})
	}
}

// handle processes one frame from the peer. It runs on the link's reader.
func (qp *QueuePair) handle(l *link, f *frame) bool {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.link != l {
		return false
	}
	switch f.op {
	case opSend:
		if len(qp.receives) == 0 {
			qp.unexpected = append(qp.unexpected, f)
			return true
		}
		req := qp.receives[0]
		qp.receives[0] = nil
		qp.receives = qp.receives[1:]
		qp.deliverLocked(f, req)
	case opWrite:
		status := qp.applyWrite(f)
		l.enqueue(&frame{op: opWriteAck, request: f.request, status: status})
	case opReadRequest:
		data, status := qp.serveRead(f)
		l.enqueue(&frame{op: opReadResponse, request: f.request, status: status, payload: data})
	case opSendAck, opWriteAck, opReadResponse:
		req := qp.findInitLocked(f.request)
		if req == nil {
			return true
		}
		bytes := uint32(0)
		if f.status == StatusSuccess {
			bytes = req.length
		}
		qp.retireLocked(req, f.status, bytes, f.payload)
	case opDisconnect:
		return false
	}
	return true
}

func (qp *QueuePair) applyWrite(f *frame) Status {
	t, dst, st := qp.adapter.resolveRemote(f.token, f.address, len(f.payload), accessRemoteWrite)
	if st != StatusSuccess {
		return st
	}
	if len(dst) == 0 {
		return StatusSuccess
	}
	return t.region.access(func() { copy(dst, f.payload) })
}

func (qp *QueuePair) serveRead(f *frame) ([]byte, Status) {
	if f.length > qp.adapter.info.MaxTransferLength {
		return nil, StatusInvalidBufferSize
	}
	t, src, st := qp.adapter.resolveRemote(f.token, f.address, int(f.length), accessRemoteRead)
	if st != StatusSuccess {
		return nil, st
	}
	if len(src) == 0 {
		return nil, StatusSuccess
	}
	out := make([]byte, len(src))
	if st := t.region.access(func() { copy(out, src) }); st != StatusSuccess {
		return nil, st
	}
	return out, StatusSuccess
}
