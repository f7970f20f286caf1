package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rocketbitz/nd2-go/nd"
)

// PostReceive posts a receive into sges. An empty list posts a zero-length
// receive that only yields a completion.
func (s *Session) PostReceive(sges []nd.SGE, reqCtx nd.RequestContext) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.qp.Receive(reqCtx, sges); err != nil {
		return fmt.Errorf("post receive: %w", err)
	}
	s.stats.receives.Add(1)
	return nil
}

// Send posts a send of sges.
func (s *Session) Send(sges []nd.SGE, flags nd.OpFlag, reqCtx nd.RequestContext) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.qp.Send(reqCtx, sges, flags); err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	s.stats.sends.Add(1)
	return nil
}

// Write posts an RDMA write of sges to remoteAddress on the peer.
func (s *Session) Write(sges []nd.SGE, remoteAddress uint64, remoteToken uint32, flags nd.OpFlag, reqCtx nd.RequestContext) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.qp.Write(reqCtx, sges, remoteAddress, remoteToken, flags); err != nil {
		return fmt.Errorf("post write: %w", err)
	}
	s.stats.writes.Add(1)
	return nil
}

// Read posts an RDMA read from remoteAddress on the peer into sges.
func (s *Session) Read(sges []nd.SGE, remoteAddress uint64, remoteToken uint32, flags nd.OpFlag, reqCtx nd.RequestContext) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.qp.Read(reqCtx, sges, remoteAddress, remoteToken, flags); err != nil {
		return fmt.Errorf("post read: %w", err)
	}
	s.stats.reads.Add(1)
	return nil
}

// PrepareSGE splits buf into at most maxSge elements of chunkSize bytes, all
// carrying token. Bytes left over once maxSge elements exist are added to the
// last element.
func PrepareSGE(buf []byte, maxSge, chunkSize int, token uint32) []nd.SGE {
	if len(buf) == 0 || maxSge <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = len(buf)
	}
	sges := make([]nd.SGE, 0, min(maxSge, (len(buf)+chunkSize-1)/chunkSize))
	off := 0
	for off < len(buf) && len(sges) < maxSge {
		n := min(chunkSize, len(buf)-off)
		sges = append(sges, nd.SGE{Buffer: buf[off : off+n], MemoryRegionToken: token})
		off += n
	}
	if off < len(buf) {
		last := &sges[len(sges)-1]
		last.Buffer = buf[off-len(last.Buffer):]
	}
	return sges
}

// Pause waits until d has elapsed on the monotonic clock or ctx is done.
func Pause(ctx context.Context, d time.Duration) error {
	ctx = ensureContext(ctx)
	deadline := time.Now().Add(d)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
