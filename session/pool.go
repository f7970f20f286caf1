package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/rocketbitz/nd2-go/nd"
)

// ManagedBuffer is one pre-registered buffer handed out by a BufferPool.
type ManagedBuffer struct {
	Data        []byte
	Size        int
	Region      *nd.MemoryRegion
	LocalToken  uint32
	RemoteToken uint32
	Address     uint64

	inUse bool
}

// SGE describes length bytes of the buffer starting at off.
func (b *ManagedBuffer) SGE(off, length int) nd.SGE {
	return nd.SGE{Buffer: b.Data[off : off+length], MemoryRegionToken: b.LocalToken}
}

// PeerInfo describes the buffer for a peer.
func (b *ManagedBuffer) PeerInfo() PeerInfo {
	return PeerInfo{RemoteAddress: b.Address, RemoteToken: b.RemoteToken}
}

// BufferPool hands out pre-registered buffers. Acquire and Release may be
// called from several goroutines.
type BufferPool struct {
	session *Session

	mu      sync.Mutex
	buffers []*ManagedBuffer
	closed  bool
}

// NewBufferPool registers count buffers of size bytes with flags and returns
// the pool. The session closes the pool when it is closed.
func (s *Session) NewBufferPool(ctx context.Context, count, size int, flags nd.MRFlag) (*BufferPool, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("new buffer pool: %w", nd.StatusInvalidBufferSize)
	}
	ctx = ensureContext(ctx)
	p := &BufferPool{session: s, buffers: make([]*ManagedBuffer, 0, count)}
	for i := 0; i < count; i++ {
		b, err := s.registerManaged(ctx, size, flags)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("new buffer pool: %w", err), p.Close(ctx))
		}
		p.buffers = append(p.buffers, b)
	}
	s.pools = append(s.pools, p)
	s.record("pool_created", logKV("count", count), logKV("size", size))
	return p, nil
}

func (s *Session) registerManaged(ctx context.Context, size int, flags nd.MRFlag) (*ManagedBuffer, error) {
	mr, err := s.adapter.CreateMemoryRegion()
	if err != nil {
		return nil, err
	}
	ov := nd.NewOverlapped()
	defer ov.Close()
	data := allocate(size, s.cfg.PageAlignedBuffers)
	if err := mr.Register(data, flags, ov); err != nil {
		_ = mr.Close()
		return nil, err
	}
	if _, err := ov.Wait(ctx); err != nil {
		_ = mr.Close()
		return nil, err
	}
	return &ManagedBuffer{
		Data:        data,
		Size:        size,
		Region:      mr,
		LocalToken:  mr.LocalToken(),
		RemoteToken: mr.RemoteToken(),
		Address:     nd.AddressOf(data),
	}, nil
}

// Acquire returns a free buffer of at least size bytes and marks it in use.
func (p *BufferPool) Acquire(size int) (*ManagedBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	for _, b := range p.buffers {
		if !b.inUse && b.Size >= size {
			b.inUse = true
			return b, nil
		}
	}
	return nil, ErrPoolExhausted
}

// Release returns b to the pool.
func (p *BufferPool) Release(b *ManagedBuffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	b.inUse = false
	p.mu.Unlock()
}

// Send copies data into a pooled buffer, sends it and waits for the send to
// complete with reqCtx. The buffer is released before Send returns.
func (p *BufferPool) Send(ctx context.Context, data []byte, reqCtx nd.RequestContext) error {
	b, err := p.Acquire(len(data))
	if err != nil {
		return fmt.Errorf("pooled send: %w", err)
	}
	defer p.Release(b)
	var sges []nd.SGE
	if len(data) > 0 {
		copy(b.Data, data)
		sges = []nd.SGE{b.SGE(0, len(data))}
	}
	if err := p.session.Send(sges, 0, reqCtx); err != nil {
		return err
	}
	_, err = p.session.WaitForCompletionAndCheckContext(ctx, reqCtx)
	return err
}

// Receive posts a receive of up to expectedSize bytes into a pooled buffer,
// waits for it to complete with reqCtx and returns a copy of the message.
func (p *BufferPool) Receive(ctx context.Context, expectedSize int, reqCtx nd.RequestContext) ([]byte, error) {
	b, err := p.Acquire(expectedSize)
	if err != nil {
		return nil, fmt.Errorf("pooled receive: %w", err)
	}
	defer p.Release(b)
	var sges []nd.SGE
	if expectedSize > 0 {
		sges = []nd.SGE{b.SGE(0, expectedSize)}
	}
	if err := p.session.PostReceive(sges, reqCtx); err != nil {
		return nil, err
	}
	res, err := p.session.WaitForCompletionAndCheckContext(ctx, reqCtx)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b.Data[:res.BytesTransferred]...), nil
}

// Len reports the number of buffers in the pool.
func (p *BufferPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// InUse reports how many buffers are currently acquired.
func (p *BufferPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buffers {
		if b.inUse {
			n++
		}
	}
	return n
}

// Close deregisters every buffer. It is idempotent.
func (p *BufferPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	buffers := p.buffers
	p.buffers = nil
	p.mu.Unlock()

	ctx = ensureContext(ctx)
	var err error
	for _, b := range buffers {
		ov := nd.NewOverlapped()
		if b.Region.Registered() {
			if derr := b.Region.Deregister(ov); derr != nil {
				err = multierr.Append(err, fmt.Errorf("deregister pooled buffer: %w", derr))
			} else if _, werr := ov.Wait(ctx); werr != nil {
				err = multierr.Append(err, fmt.Errorf("deregister pooled buffer: %w", werr))
			}
		}
		err = multierr.Append(err, b.Region.Close())
		_ = ov.Close()
	}
	return err
}
