package nd

import "github.com/rocketbitz/nd2-go/internal/softnd"

// SGE is one scatter-gather element: a buffer inside a registered region and
// that region's local token.
type SGE = softnd.SGE

// QueuePair wraps a provider queue pair. Posts never block; each posted
// request produces exactly one completion unless it succeeds silently.
type QueuePair struct {
	handle *softnd.QueuePair
}

// Receive posts a receive into sges.
func (q *QueuePair) Receive(ctx RequestContext, sges []SGE) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.Receive(ctx, sges).Err()
}

// Send posts a send of sges.
func (q *QueuePair) Send(ctx RequestContext, sges []SGE, flags OpFlag) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.Send(ctx, sges, flags).Err()
}

// Write posts an RDMA write of sges to the peer memory at remoteAddress.
func (q *QueuePair) Write(ctx RequestContext, sges []SGE, remoteAddress uint64, remoteToken uint32, flags OpFlag) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.Write(ctx, sges, remoteAddress, remoteToken, flags).Err()
}

// Read posts an RDMA read of the peer memory at remoteAddress into sges.
func (q *QueuePair) Read(ctx RequestContext, sges []SGE, remoteAddress uint64, remoteToken uint32, flags OpFlag) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.Read(ctx, sges, remoteAddress, remoteToken, flags).Err()
}

// Bind binds mw to buf inside the registered region mr. The bind completes
// through the completion queue with RequestBind.
func (q *QueuePair) Bind(ctx RequestContext, mr *MemoryRegion, mw *MemoryWindow, buf []byte, flags OpFlag) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if mr == nil || mr.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	if mw == nil || mw.handle == nil {
		return ErrInvalidHandle{"memory window"}
	}
	return q.handle.Bind(ctx, mr.handle, mw.handle, buf, flags).Err()
}

// Invalidate revokes the binding of mw. It completes with RequestInvalidate.
func (q *QueuePair) Invalidate(ctx RequestContext, mw *MemoryWindow, flags OpFlag) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if mw == nil || mw.handle == nil {
		return ErrInvalidHandle{"memory window"}
	}
	return q.handle.Invalidate(ctx, mw.handle, flags).Err()
}

// Flush cancels all outstanding requests. Each surfaces as a StatusCanceled
// completion.
func (q *QueuePair) Flush() error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.Flush().Err()
}

// Connected reports whether the queue pair carries a live connection.
func (q *QueuePair) Connected() bool {
	if q == nil || q.handle == nil {
		return false
	}
	return q.handle.Connected()
}

// Close flushes and releases the queue pair.
func (q *QueuePair) Close() error {
	if q == nil || q.handle == nil {
		return nil
	}
	err := q.handle.Close().Err()
	q.handle = nil
	return err
}
