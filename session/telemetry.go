package session

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rocketbitz/nd2-go/nd"
)

// Logger provides printf-style debug logging hooks for the session.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute is a key/value pair attached to session spans and events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts the span that covers a session's lifetime.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records session lifecycle events and errors.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures session telemetry events.
type MetricHook interface {
	SessionStarted(attrs map[string]string)
	SessionStopped(attrs map[string]string)
	ConnectionEstablished(attrs map[string]string)
	CompletionSucceeded(attrs map[string]string)
	CompletionFailed(err error, attrs map[string]string)
	UnexpectedCompletion(attrs map[string]string)
}

// Stats contains counters for session operations.
type Stats struct {
	ReceivesPosted       uint64
	SendsPosted          uint64
	WritesPosted         uint64
	ReadsPosted          uint64
	Completions          uint64
	CompletionErrors     uint64
	Canceled             uint64
	UnexpectedCompletion uint64
	BytesTransferred     uint64
}

type sessionStats struct {
	receives    atomic.Uint64
	sends       atomic.Uint64
	writes      atomic.Uint64
	reads       atomic.Uint64
	completions atomic.Uint64
	errors      atomic.Uint64
	canceled    atomic.Uint64
	unexpected  atomic.Uint64
	bytes       atomic.Uint64
}

// Stats returns a snapshot of session counters.
func (s *Session) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		ReceivesPosted:       s.stats.receives.Load(),
		SendsPosted:          s.stats.sends.Load(),
		WritesPosted:         s.stats.writes.Load(),
		ReadsPosted:          s.stats.reads.Load(),
		Completions:          s.stats.completions.Load(),
		CompletionErrors:     s.stats.errors.Load(),
		Canceled:             s.stats.canceled.Load(),
		UnexpectedCompletion: s.stats.unexpected.Load(),
		BytesTransferred:     s.stats.bytes.Load(),
	}
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func resultFields(res nd.Result) []logField {
	return []logField{
		logKV("request_type", res.RequestType.String()),
		logKV("status", res.Status.String()),
		logKV("request_context", fmt.Sprintf("0x%x", res.RequestContext)),
		logKV("bytes", res.BytesTransferred),
	}
}

func (s *Session) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelRole] = s.role.String()
	attrs["session_id"] = s.id
	if s.adapter != nil {
		attrs[labelAddress] = s.adapter.Address().String()
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (s *Session) logSessionEvent(event string, fields ...logField) {
	if s == nil {
		return
	}
	if s.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, "session_id", s.id)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		s.structuredLogger.Debugw("nd session", kv...)
		return
	}
	if s.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	s.logger.Debugf("nd session %s", b.String())
}

// record logs event and mirrors it onto the session span.
func (s *Session) record(event string, fields ...logField) {
	s.logSessionEvent(event, fields...)
	spanAddEvent(s.span, event, fields...)
}

func (s *Session) recordFailure(event string, err error, fields ...logField) {
	if err == nil {
		return
	}
	fields = append(fields, logKV("error", err))
	s.record(event, fields...)
	spanRecordError(s.span, err)
}

func (s *Session) startSpan() {
	if s.tracer == nil || s.span != nil {
		return
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "nd-session"},
		{Key: labelRole, Value: s.role.String()},
		{Key: "session_id", Value: s.id},
	}
	if s.adapter != nil {
		attrs = append(attrs, TraceAttribute{Key: labelAddress, Value: s.adapter.Address().String()})
	}
	s.span = s.tracer.StartSpan("nd-session", attrs...)
}

func (s *Session) finishSpan(err error) {
	if s.span == nil {
		return
	}
	s.span.End(err)
	s.span = nil
}

func (s *Session) metricSessionStarted(fields ...logField) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionStarted(s.metricAttrs(fields...))
}

func (s *Session) metricSessionStopped(fields ...logField) {
	if s.metrics == nil {
		return
	}
	s.metrics.SessionStopped(s.metricAttrs(fields...))
}

func (s *Session) metricConnectionEstablished(fields ...logField) {
	if s.metrics == nil {
		return
	}
	s.metrics.ConnectionEstablished(s.metricAttrs(fields...))
}

func (s *Session) metricCompletionSucceeded(res nd.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.CompletionSucceeded(s.metricAttrs(logKV(labelRequestType, res.RequestType.String())))
}

func (s *Session) metricCompletionFailed(err error, res nd.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.CompletionFailed(err, s.metricAttrs(logKV(labelRequestType, res.RequestType.String())))
}

func (s *Session) metricUnexpectedCompletion(res nd.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.UnexpectedCompletion(s.metricAttrs(logKV(labelRequestType, res.RequestType.String())))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
