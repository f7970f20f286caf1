package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

type printfLogger struct {
	lines []string
}

func (l *printfLogger) Debugf(format string, args ...any) {
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func TestSessionStructuredLoggingAndTracing(t *testing.T) {
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := &otelTracerAdapter{tracer: tp.Tracer("session-structured-test")}
	metrics := &metricRecorder{}

	ctx := testContext(t)
	server, client := connectPair(t,
		Config{StructuredLogger: logger, Tracer: tracer, Metrics: metrics},
		Config{StructuredLogger: logger, Tracer: tracer, Metrics: metrics},
	)
	if err := server.PostReceive(nil, recvContext); err != nil {
		t.Fatalf("PostReceive: %v", err)
	}
	if err := client.Send(nil, 0, sendContext); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := client.WaitForCompletionAndCheckContext(ctx, sendContext); err != nil {
		t.Fatalf("send completion: %v", err)
	}
	if _, err := server.WaitForCompletionAndCheckContext(ctx, recvContext); err != nil {
		t.Fatalf("receive completion: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("client close: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("server close: %v", err)
	}
	_ = logger.Sync()

	for _, event := range []string{"initialized", "listening", "connected", "completion", "closed"} {
		if !hasLogEvent(logs, event) {
			t.Fatalf("missing %s log", event)
		}
		if !spanHasEvent(recorder, event) {
			t.Fatalf("missing %s span event", event)
		}
	}
	if id, ok := logEventField(logs, "initialized", "session_id"); !ok || id == "" {
		t.Fatalf("initialized log lacks session id: %v", id)
	}
	if got := len(recorder.Ended()); got != 2 {
		t.Fatalf("expected two ended session spans, got %d", got)
	}

	snap := metrics.Snapshot()
	if snap.Started != 2 || snap.Stopped != 2 || snap.Connections != 2 || snap.Succeeded != 2 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
	if snap.Failed != 0 || snap.Unexpected != 0 {
		t.Fatalf("unexpected failure metrics: %+v", snap)
	}
}

func TestSessionPrintfLogging(t *testing.T) {
	logger := &printfLogger{}
	s := New(RoleConnector, Config{Logger: logger})
	if err := s.Initialize(context.Background(), loopback); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(logger.lines) != 2 {
		t.Fatalf("expected initialize and close lines, got %v", logger.lines)
	}
	if !strings.HasPrefix(logger.lines[0], "nd session initialized address=127.0.0.1") {
		t.Fatalf("unexpected line %q", logger.lines[0])
	}
	if logger.lines[1] != "nd session closed" {
		t.Fatalf("unexpected line %q", logger.lines[1])
	}
}
