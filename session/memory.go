package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rocketbitz/nd2-go/nd"
)

// ownedBuffer ties memory to its registration: release deregisters and waits
// for in-flight transfers to drain before the memory is dropped.
type ownedBuffer struct {
	data []byte
	mr   *nd.MemoryRegion
}

func (b *ownedBuffer) release(ctx context.Context, ov *nd.Overlapped) error {
	if b == nil || b.data == nil {
		return nil
	}
	if b.mr.Registered() {
		if err := b.mr.Deregister(ov); err != nil {
			return fmt.Errorf("deregister memory: %w", err)
		}
		if _, err := ov.Wait(ctx); err != nil {
			return fmt.Errorf("deregister memory: %w", err)
		}
	}
	b.data = nil
	return nil
}

func allocate(length int, pageAligned bool) []byte {
	if !pageAligned {
		return make([]byte, length)
	}
	page := os.Getpagesize()
	raw := make([]byte, length+page)
	off := 0
	if rem := int(nd.AddressOf(raw) % uint64(page)); rem != 0 {
		off = page - rem
	}
	return raw[off : off+length : off+length]
}

// RegisterDataBuffer allocates a zeroed buffer of length bytes and registers
// it with flags. A previously registered buffer is deregistered first.
func (s *Session) RegisterDataBuffer(ctx context.Context, length int, flags nd.MRFlag) error {
	if length <= 0 {
		return fmt.Errorf("register memory: %w", nd.StatusInvalidBufferSize)
	}
	return s.register(ctx, allocate(length, s.cfg.PageAlignedBuffers), flags)
}

// RegisterBuffer registers a caller-supplied buffer with flags. A previously
// registered buffer is deregistered first.
func (s *Session) RegisterBuffer(ctx context.Context, buf []byte, flags nd.MRFlag) error {
	return s.register(ctx, buf, flags)
}

func (s *Session) register(ctx context.Context, data []byte, flags nd.MRFlag) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.mr == nil {
		return fmt.Errorf("register memory: %w", nd.ErrInvalidHandle{Resource: "memory region"})
	}
	ctx = ensureContext(ctx)
	if s.buf != nil {
		if err := s.buf.release(ctx, s.ov); err != nil {
			s.recordFailure("deregister_failed", err)
			return err
		}
		s.buf = nil
	}
	if err := s.mr.Register(data, flags, s.ov); err != nil {
		return fmt.Errorf("register memory: %w", err)
	}
	if _, err := s.ov.Wait(ctx); err != nil {
		return fmt.Errorf("register memory: %w", err)
	}
	s.buf = &ownedBuffer{data: data, mr: s.mr}
	s.record("registered", logKV("length", len(data)), logKV("token", s.mr.LocalToken()))
	return nil
}

// DeregisterBuffer deregisters the session buffer and waits for the drain.
func (s *Session) DeregisterBuffer(ctx context.Context) error {
	if s.buf == nil {
		return nil
	}
	if err := s.buf.release(ensureContext(ctx), s.ov); err != nil {
		return err
	}
	s.buf = nil
	return nil
}

// Buffer returns the registered buffer, or nil.
func (s *Session) Buffer() []byte {
	if s.buf == nil {
		return nil
	}
	return s.buf.data
}

// Region exposes the session's memory region.
func (s *Session) Region() *nd.MemoryRegion {
	return s.mr
}

// LocalToken returns the token for SGEs over the session buffer.
func (s *Session) LocalToken() uint32 {
	return s.mr.LocalToken()
}

// RemoteToken returns the region token a peer uses to reach the buffer.
func (s *Session) RemoteToken() uint32 {
	return s.mr.RemoteToken()
}

// BufferAddress returns the remote-visible address of the session buffer.
func (s *Session) BufferAddress() uint64 {
	return nd.AddressOf(s.Buffer())
}

// WindowToken returns the token of the current window binding, or zero.
func (s *Session) WindowToken() uint32 {
	return s.mw.RemoteToken()
}

// ReadBuffer copies the session buffer at off into p without racing against
// transfers the provider applies to it.
func (s *Session) ReadBuffer(p []byte, off int) int {
	return s.mr.ReadAt(p, off)
}

// SGE describes length bytes of the session buffer starting at off.
func (s *Session) SGE(off, length int) nd.SGE {
	return nd.SGE{Buffer: s.Buffer()[off : off+length], MemoryRegionToken: s.LocalToken()}
}

// PeerInfo describes the session buffer for a peer: its address and remote
// token. With window set, the token is the window's.
func (s *Session) PeerInfo(window bool) PeerInfo {
	token := s.RemoteToken()
	if window {
		token = s.WindowToken()
	}
	return PeerInfo{RemoteAddress: s.BufferAddress(), RemoteToken: token}
}

// BindResult is the outcome of Bind: either BindImmediateFailure or
// BindAsyncResult.
type BindResult interface {
	// Err returns nil only for a successful bind.
	Err() error
	bindResult()
}

// BindImmediateFailure reports a bind that never reached the completion queue.
type BindImmediateFailure struct {
	Cause error
}

// Err returns the failure.
func (f BindImmediateFailure) Err() error { return f.Cause }

func (BindImmediateFailure) bindResult() {}

// BindAsyncResult reports the completion of a posted bind.
type BindAsyncResult struct {
	Status         nd.Status
	RequestContext nd.RequestContext
}

// Err maps the completion status onto an error.
func (r BindAsyncResult) Err() error { return r.Status.Err() }

func (BindAsyncResult) bindResult() {}

// Bind binds the session window to buf, which must lie inside the registered
// buffer, and waits for the bind's completion. A successful completion with a
// context other than reqCtx is reported as StatusInvalidParameter.
func (s *Session) Bind(ctx context.Context, buf []byte, flags nd.OpFlag, reqCtx nd.RequestContext) BindResult {
	if err := s.usable(); err != nil {
		return BindImmediateFailure{Cause: err}
	}
	if err := s.qp.Bind(reqCtx, s.mr, s.mw, buf, flags); err != nil {
		s.recordFailure("bind_failed", err)
		return BindImmediateFailure{Cause: fmt.Errorf("bind memory window: %w", err)}
	}
	res, err := s.WaitForCompletion(ctx, true)
	if err != nil {
		return BindImmediateFailure{Cause: fmt.Errorf("bind memory window: %w", err)}
	}
	if res.Status == nd.StatusSuccess && res.RequestContext != reqCtx {
		s.record("bind_context_mismatch", resultFields(res)...)
		return BindAsyncResult{Status: nd.StatusInvalidParameter, RequestContext: res.RequestContext}
	}
	s.record("bound", logKV("length", len(buf)), logKV("token", s.mw.RemoteToken()), logKV("status", res.Status.String()))
	return BindAsyncResult{Status: res.Status, RequestContext: res.RequestContext}
}

// BindBuffer binds the window to the whole session buffer using the request
// context reserved for window management.
func (s *Session) BindBuffer(ctx context.Context, flags nd.OpFlag) error {
	if s.buf == nil {
		return ErrNoBuffer
	}
	return s.Bind(ctx, s.buf.data, flags, bindContext).Err()
}

// InvalidateMW invalidates the window binding and waits for the completion.
func (s *Session) InvalidateMW(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	if err := s.qp.Invalidate(invalidateContext, s.mw, 0); err != nil {
		return fmt.Errorf("invalidate memory window: %w", err)
	}
	if _, err := s.WaitForCompletionAndCheckContext(ctx, invalidateContext); err != nil {
		if errors.Is(err, ErrRemoteClosed) {
			return err
		}
		return fmt.Errorf("invalidate memory window: %w", err)
	}
	s.record("invalidated")
	return nil
}
