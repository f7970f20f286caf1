package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

const (
	loopback    = "127.0.0.1"
	testTimeout = 5 * time.Second
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// newSession initializes a session on loopback with every verbs object
// created except the listener.
func newSession(t *testing.T, role Role, cfg Config) *Session {
	t.Helper()
	s := New(role, cfg)
	if err := s.Initialize(testContext(t), loopback); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.CreateCQ(128); err != nil {
		t.Fatalf("CreateCQ: %v", err)
	}
	if err := s.CreateQP(32, 32, 4, 4); err != nil {
		t.Fatalf("CreateQP: %v", err)
	}
	if err := s.CreateMR(); err != nil {
		t.Fatalf("CreateMR: %v", err)
	}
	if err := s.CreateMW(); err != nil {
		t.Fatalf("CreateMW: %v", err)
	}
	if err := s.CreateConnector(); err != nil {
		t.Fatalf("CreateConnector: %v", err)
	}
	return s
}

func listen(t *testing.T, server *Session) Listener {
	t.Helper()
	ln, ok := server.Listener()
	if !ok {
		t.Fatalf("session role %s has no listener", server.Role())
	}
	if err := ln.CreateListener(); err != nil {
		t.Fatalf("CreateListener: %v", err)
	}
	if err := ln.Listen(testContext(t), loopback+":0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return ln
}

// connectPair returns a listener and a connector session joined over
// loopback.
func connectPair(t *testing.T, serverCfg, clientCfg Config) (*Session, *Session) {
	t.Helper()
	ctx := testContext(t)
	server := newSession(t, RoleListener, serverCfg)
	client := newSession(t, RoleConnector, clientCfg)
	ln := listen(t, server)

	var g errgroup.Group
	g.Go(func() error {
		if err := ln.GetConnectionRequest(ctx); err != nil {
			return err
		}
		return ln.Accept(ctx, 1, 1, nil)
	})

	conn, ok := client.Connector()
	if !ok {
		t.Fatalf("session role %s has no connector", client.Role())
	}
	if err := conn.Connect(ctx, loopback, ln.ListenAddress().String(), 1, 1, nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.CompleteConnect(ctx); err != nil {
		t.Fatalf("CompleteConnect: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("accept side: %v", err)
	}
	return server, client
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func hasLogEvent(logs *observer.ObservedLogs, event string) bool {
	for _, entry := range logs.All() {
		if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
			return true
		}
	}
	return false
}

func logEventField(logs *observer.ObservedLogs, event, key string) (any, bool) {
	for _, entry := range logs.All() {
		fields := entry.ContextMap()
		if evt, ok := fields["event"].(string); ok && evt == event {
			v, ok := fields[key]
			return v, ok
		}
	}
	return nil, false
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "nd-session" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(toAttributes(attrs)...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttributes(attrs []TraceAttribute) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		switch v := attr.Value.(type) {
		case string:
			out = append(out, attribute.String(attr.Key, v))
		case int:
			out = append(out, attribute.Int(attr.Key, v))
		case uint32:
			out = append(out, attribute.Int64(attr.Key, int64(v)))
		case bool:
			out = append(out, attribute.Bool(attr.Key, v))
		case error:
			out = append(out, attribute.String(attr.Key, v.Error()))
		default:
			out = append(out, attribute.String(attr.Key, fmt.Sprint(v)))
		}
	}
	return out
}

type metricRecorder struct {
	mu          sync.Mutex
	started     int
	stopped     int
	connections int
	succeeded   int
	failed      []error
	unexpected  int
}

func (m *metricRecorder) SessionStarted(map[string]string) {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *metricRecorder) SessionStopped(map[string]string) {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *metricRecorder) ConnectionEstablished(map[string]string) {
	m.mu.Lock()
	m.connections++
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionSucceeded(map[string]string) {
	m.mu.Lock()
	m.succeeded++
	m.mu.Unlock()
}

func (m *metricRecorder) CompletionFailed(err error, _ map[string]string) {
	m.mu.Lock()
	m.failed = append(m.failed, err)
	m.mu.Unlock()
}

func (m *metricRecorder) UnexpectedCompletion(map[string]string) {
	m.mu.Lock()
	m.unexpected++
	m.mu.Unlock()
}

type metricSnapshot struct {
	Started     int
	Stopped     int
	Connections int
	Succeeded   int
	Failed      int
	Unexpected  int
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		Started:     m.started,
		Stopped:     m.stopped,
		Connections: m.connections,
		Succeeded:   m.succeeded,
		Failed:      len(m.failed),
		Unexpected:  m.unexpected,
	}
}
