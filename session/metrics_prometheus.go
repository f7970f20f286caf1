package session

import "github.com/prometheus/client_golang/prometheus"

const (
	labelRole        = "role"
	labelAddress     = "address"
	labelRequestType = "request_type"
)

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	sessionStarted        *prometheus.CounterVec
	sessionStopped        *prometheus.CounterVec
	connectionEstablished *prometheus.CounterVec
	completionSucceeded   *prometheus.CounterVec
	completionFailed      *prometheus.CounterVec
	unexpectedCompletion  *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		sessionStarted:        counter("nd_session_started_total", "Number of sessions initialized", sessionLabelKeys),
		sessionStopped:        counter("nd_session_stopped_total", "Number of sessions closed", sessionLabelKeys),
		connectionEstablished: counter("nd_session_connections_total", "Number of connections established", sessionLabelKeys),
		completionSucceeded:   counter("nd_session_completions_total", "Number of successful completions", completionLabelKeys),
		completionFailed:      counter("nd_session_completion_errors_total", "Number of failed completions", completionLabelKeys),
		unexpectedCompletion:  counter("nd_session_unexpected_completions_total", "Number of completions with an unexpected request context", completionLabelKeys),
	}

	var err error
	if p.sessionStarted, err = registerCounterVec(reg, p.sessionStarted); err != nil {
		return nil, err
	}
	if p.sessionStopped, err = registerCounterVec(reg, p.sessionStopped); err != nil {
		return nil, err
	}
	if p.connectionEstablished, err = registerCounterVec(reg, p.connectionEstablished); err != nil {
		return nil, err
	}
	if p.completionSucceeded, err = registerCounterVec(reg, p.completionSucceeded); err != nil {
		return nil, err
	}
	if p.completionFailed, err = registerCounterVec(reg, p.completionFailed); err != nil {
		return nil, err
	}
	if p.unexpectedCompletion, err = registerCounterVec(reg, p.unexpectedCompletion); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	sessionLabelKeys    = []string{labelRole, labelAddress}
	completionLabelKeys = []string{labelRole, labelAddress, labelRequestType}
)

func (p *PrometheusMetrics) SessionStarted(attrs map[string]string) {
	p.sessionStarted.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) SessionStopped(attrs map[string]string) {
	p.sessionStopped.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectionEstablished(attrs map[string]string) {
	p.connectionEstablished.With(labels(attrs, sessionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionSucceeded(attrs map[string]string) {
	p.completionSucceeded.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CompletionFailed(_ error, attrs map[string]string) {
	p.completionFailed.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) UnexpectedCompletion(attrs map[string]string) {
	p.unexpectedCompletion.With(labels(attrs, completionLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
