// Package session layers a connection lifecycle over the nd verbs: one
// adapter, completion queue, queue pair, registered buffer, memory window and
// connector per session, driven by explicit completion waits.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rocketbitz/nd2-go/nd"
)

// Role selects the connection side a session plays.
type Role int

const (
	// RoleListener accepts one inbound connection.
	RoleListener Role = iota + 1
	// RoleConnector connects to a listening peer.
	RoleConnector
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleConnector:
		return "connector"
	default:
		return "session"
	}
}

// Config controls session behaviour. The zero value is usable.
type Config struct {
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
	// Debug panics on failed or unexpected completions instead of returning
	// them, stopping at the first desynchronized wait.
	Debug bool
	// PageAlignedBuffers makes RegisterDataBuffer allocate page-aligned memory.
	PageAlignedBuffers bool
	AdapterOptions     nd.AdapterOptions
	// LocalPort is the port a connector binds before connecting. Zero picks
	// an ephemeral port.
	LocalPort uint16
}

// Limits holds the sizing derived from the adapter once it is opened.
type Limits struct {
	QueueDepth      uint32
	MaxSge          uint32
	InlineThreshold uint32
	MaxTransferSize uint32
	MaxReads        uint32
	ChunkSize       uint32
}

const defaultChunkSize = 4096

func limitsFrom(info nd.AdapterInfo) Limits {
	l := Limits{
		QueueDepth:      min(info.MaxReceiveQueueDepth, info.MaxInitiatorQueueDepth),
		MaxSge:          min(info.MaxInitiatorSge, info.MaxReceiveSge),
		InlineThreshold: info.MaxInlineDataSize,
		MaxTransferSize: info.MaxTransferLength,
		MaxReads:        info.MaxOutboundReadLimit,
		ChunkSize:       info.LargeRequestThreshold,
	}
	if l.ChunkSize == 0 {
		l.ChunkSize = defaultChunkSize
	}
	return l
}

// Request contexts the session reserves for its own window management.
const (
	bindContext       nd.RequestContext = 0x7fff0001
	invalidateContext nd.RequestContext = 0x7fff0002
)

var queuePairContexts atomic.Uintptr

// Session owns the verbs objects of one point-to-point connection. It is not
// safe for concurrent use; BufferPool is the exception.
type Session struct {
	role Role
	cfg  Config
	id   string

	adapter   *nd.Adapter
	info      nd.AdapterInfo
	limits    Limits
	ov        *nd.Overlapped
	cq        *nd.CompletionQueue
	qp        *nd.QueuePair
	qpContext uintptr
	mr        *nd.MemoryRegion
	buf       *ownedBuffer
	mw        *nd.MemoryWindow
	connector *nd.Connector
	listener  *nd.Listener
	pools     []*BufferPool

	closed   atomic.Bool
	poisoned atomic.Pointer[errorHolder]

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	span             Span
	stats            sessionStats
}

// New returns an uninitialized session for role.
func New(role Role, cfg Config) *Session {
	return &Session{
		role:             role,
		cfg:              cfg,
		id:               uuid.NewString(),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}
}

// ID returns the identifier attached to the session's logs, spans and metrics.
func (s *Session) ID() string {
	return s.id
}

// Role returns the session's connection role.
func (s *Session) Role() Role {
	return s.role
}

// Initialize opens the adapter that owns localAddress, an IPv4 literal, and
// prepares the overlapped shared by the session's asynchronous calls.
func (s *Session) Initialize(ctx context.Context, localAddress string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.adapter != nil {
		return ErrAlreadyInitialized
	}
	if err := ensureContext(ctx).Err(); err != nil {
		return err
	}
	addr, err := netip.ParseAddr(localAddress)
	if err != nil || !addr.Is4() {
		s.logSessionEvent("initialize_failed", logKV("reason", "invalid address"), logKV(labelAddress, localAddress))
		return fmt.Errorf("parse address %q: %w", localAddress, nd.StatusInvalidAddress)
	}
	adapter, err := nd.OpenAdapter(addr, s.cfg.AdapterOptions)
	if err != nil {
		reason := "failed to open adapter"
		if errors.Is(err, nd.StatusInvalidAddress) {
			reason = "invalid address"
		}
		s.logSessionEvent("initialize_failed", logKV("reason", reason), logKV(labelAddress, localAddress), logKV("error", err))
		return fmt.Errorf("open adapter: %w", err)
	}
	info, err := adapter.Query()
	if err != nil {
		_ = adapter.Close()
		s.logSessionEvent("initialize_failed", logKV("reason", "failed to query adapter"), logKV("error", err))
		return fmt.Errorf("query adapter: %w", err)
	}

	s.adapter = adapter
	s.info = info
	s.limits = limitsFrom(info)
	s.ov = nd.NewOverlapped()
	s.qpContext = queuePairContexts.Add(1)

	s.startSpan()
	s.record("initialized",
		logKV(labelAddress, addr.String()),
		logKV("adapter_id", fmt.Sprintf("0x%x", info.AdapterID)),
		logKV("max_transfer", info.MaxTransferLength),
	)
	s.metricSessionStarted()
	return nil
}

// GetAdapterInfo returns the limits queried during Initialize.
func (s *Session) GetAdapterInfo() (nd.AdapterInfo, error) {
	if s.adapter == nil {
		return nd.AdapterInfo{}, ErrNotInitialized
	}
	return s.adapter.Query()
}

// Limits returns the sizing derived from the adapter. It is zero before
// Initialize succeeds.
func (s *Session) Limits() Limits {
	return s.limits
}

// Adapter exposes the underlying adapter.
func (s *Session) Adapter() *nd.Adapter {
	return s.adapter
}

// CreateCQ creates the session's completion queue.
func (s *Session) CreateCQ(depth uint32) error {
	if err := s.ready(); err != nil {
		return err
	}
	cq, err := s.adapter.CreateCompletionQueue(depth)
	if err != nil {
		return fmt.Errorf("create completion queue: %w", err)
	}
	s.cq = cq
	return nil
}

// CreateQP creates the session's queue pair on its completion queue. The
// inline threshold is the adapter maximum.
func (s *Session) CreateQP(receiveDepth, initiatorDepth, receiveSge, initiatorSge uint32) error {
	return s.createQP(receiveDepth, initiatorDepth, receiveSge, initiatorSge, s.info.MaxInlineDataSize)
}

// CreateQPWithInline creates a queue pair with equal depth and SGE limits on
// both sides and an explicit inline threshold.
func (s *Session) CreateQPWithInline(queueDepth, maxSge, inlineThreshold uint32) error {
	return s.createQP(queueDepth, queueDepth, maxSge, maxSge, inlineThreshold)
}

func (s *Session) createQP(receiveDepth, initiatorDepth, receiveSge, initiatorSge, inline uint32) error {
	if err := s.ready(); err != nil {
		return err
	}
	qp, err := s.adapter.CreateQueuePair(nd.QueuePairAttr{
		CompletionQueue: s.cq,
		Context:         s.qpContext,
		ReceiveDepth:    receiveDepth,
		InitiatorDepth:  initiatorDepth,
		ReceiveSge:      receiveSge,
		InitiatorSge:    initiatorSge,
		InlineThreshold: inline,
	})
	if err != nil {
		return fmt.Errorf("create queue pair: %w", err)
	}
	s.qp = qp
	return nil
}

// CreateMR creates the session's memory region.
func (s *Session) CreateMR() error {
	if err := s.ready(); err != nil {
		return err
	}
	mr, err := s.adapter.CreateMemoryRegion()
	if err != nil {
		return fmt.Errorf("create memory region: %w", err)
	}
	s.mr = mr
	return nil
}

// CreateMW creates the session's memory window.
func (s *Session) CreateMW() error {
	if err := s.ready(); err != nil {
		return err
	}
	mw, err := s.adapter.CreateMemoryWindow()
	if err != nil {
		return fmt.Errorf("create memory window: %w", err)
	}
	s.mw = mw
	return nil
}

// CreateConnector creates the session's connector.
func (s *Session) CreateConnector() error {
	if err := s.ready(); err != nil {
		return err
	}
	c, err := s.adapter.CreateConnector()
	if err != nil {
		return fmt.Errorf("create connector: %w", err)
	}
	s.connector = c
	return nil
}

// Close releases every object the session owns, most dependent first. A
// registered buffer is deregistered before it is dropped. Close is idempotent.
func (s *Session) Close() error {
	if s == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, p := range s.pools {
		err = multierr.Append(err, p.Close(context.Background()))
	}
	s.pools = nil
	if s.mw != nil {
		if s.mw.Bound() && s.qp != nil {
			err = multierr.Append(err, s.qp.Invalidate(invalidateContext, s.mw, 0))
		}
		err = multierr.Append(err, s.mw.Close())
		s.mw = nil
	}
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
		s.listener = nil
	}
	if s.connector != nil {
		err = multierr.Append(err, s.connector.Close())
		s.connector = nil
	}
	if s.buf != nil {
		err = multierr.Append(err, s.buf.release(context.Background(), nd.NewOverlapped()))
		s.buf = nil
	}
	if s.mr != nil {
		err = multierr.Append(err, s.mr.Close())
		s.mr = nil
	}
	if s.qp != nil {
		err = multierr.Append(err, s.qp.Close())
		s.qp = nil
	}
	if s.cq != nil {
		err = multierr.Append(err, s.cq.Close())
		s.cq = nil
	}
	if s.ov != nil {
		err = multierr.Append(err, s.ov.Close())
		s.ov = nil
	}
	if s.adapter != nil {
		s.metricSessionStopped()
		err = multierr.Append(err, s.adapter.Close())
		s.adapter = nil
	}
	s.record("closed")
	s.finishSpan(err)
	return err
}

// ready checks that verbs objects can be created.
func (s *Session) ready() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.adapter == nil {
		return ErrNotInitialized
	}
	return nil
}

// usable checks that data-plane work may proceed.
func (s *Session) usable() error {
	if err := s.ready(); err != nil {
		return err
	}
	if h := s.poisoned.Load(); h != nil {
		return h.err
	}
	if s.qp == nil {
		return fmt.Errorf("nd session: %w", nd.ErrInvalidHandle{Resource: "queue pair"})
	}
	return nil
}

func (s *Session) poison(err error) {
	s.poisoned.CompareAndSwap(nil, &errorHolder{err: err})
}
