package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter                 metric.Meter
	sessionStarted        metric.Int64Counter
	sessionStopped        metric.Int64Counter
	connectionEstablished metric.Int64Counter
	completionSucceeded   metric.Int64Counter
	completionFailed      metric.Int64Counter
	unexpectedCompletion  metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/nd2-go/session"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.sessionStarted, "nd.session.started"},
		{&o.sessionStopped, "nd.session.stopped"},
		{&o.connectionEstablished, "nd.session.connections"},
		{&o.completionSucceeded, "nd.session.completions"},
		{&o.completionFailed, "nd.session.completion_errors"},
		{&o.unexpectedCompletion, "nd.session.unexpected_completions"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// SessionStarted records an initialized session.
func (o *OTelMetrics) SessionStarted(attrs map[string]string) {
	o.sessionStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// SessionStopped records a closed session.
func (o *OTelMetrics) SessionStopped(attrs map[string]string) {
	o.sessionStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ConnectionEstablished records a completed handshake.
func (o *OTelMetrics) ConnectionEstablished(attrs map[string]string) {
	o.connectionEstablished.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// CompletionSucceeded records a successful completion.
func (o *OTelMetrics) CompletionSucceeded(attrs map[string]string) {
	o.completionSucceeded.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// CompletionFailed records a failed completion.
func (o *OTelMetrics) CompletionFailed(_ error, attrs map[string]string) {
	o.completionFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

// UnexpectedCompletion records a completion whose context did not match.
func (o *OTelMetrics) UnexpectedCompletion(attrs map[string]string) {
	o.unexpectedCompletion.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithRequest(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelRole, attrs[labelRole]),
	}
	if v := attrs[labelAddress]; v != "" {
		kvs = append(kvs, attribute.String(labelAddress, v))
	}
	return kvs
}

func otelAttrsWithRequest(attrs map[string]string) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	if v := attrs[labelRequestType]; v != "" {
		kvs = append(kvs, attribute.String(labelRequestType, v))
	}
	return kvs
}
