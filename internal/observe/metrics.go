// Package observe holds the carevox telemetry plumbing: OpenTelemetry
// instruments exported to Prometheus, trace helpers that carry the session ID,
// span-aware slog loggers, and the HTTP middleware tying them together.
//
// Tests should build their own [Metrics] with [NewMetrics] and a manual
// reader; [DefaultMetrics] is bound to the global meter provider.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/carevox"

// Values of the "stage" attribute on StageDuration.
const (
	StageSTT      = "stt"
	StageCorrect  = "correct"
	StageDialogue = "dialogue"
	StageTTS      = "tts"
)

// latencyBuckets (seconds) span a fast correction call up to a slow
// end-to-end turn.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics is the set of carevox instruments. Prefer the Record helpers; the
// fields are exported for the middleware and for session accounting.
type Metrics struct {
	StageDuration       metric.Float64Histogram // stage
	TurnDuration        metric.Float64Histogram // outcome
	HTTPRequestDuration metric.Float64Histogram // method, path, status

	Turns               metric.Int64Counter // outcome: ok, skipped, dialogue_failed, error
	Corrections         metric.Int64Counter // result: accepted, rejected, fallback
	Handoffs            metric.Int64Counter // from, to
	DroppedFrames       metric.Int64Counter // reason
	RejectedConnections metric.Int64Counter // reason: rate_limited, capacity
	ProviderRequests    metric.Int64Counter // provider, kind, status
	ProviderErrors      metric.Int64Counter // provider, kind
	BreakerTransitions  metric.Int64Counter // provider, kind, state

	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics registers every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{m: mp.Meter(meterName)}
	met := &Metrics{
		StageDuration:       b.histogram("carevox.stage.duration", "Latency of one voice pipeline stage.", latencyBuckets),
		TurnDuration:        b.histogram("carevox.turn.duration", "Time from utterance commit to processing complete.", latencyBuckets),
		HTTPRequestDuration: b.histogram("carevox.http.request.duration", "HTTP request latency by method and route.", nil),
		Turns:               b.counter("carevox.turns", "Committed utterances by outcome."),
		Corrections:         b.counter("carevox.corrections", "Transcript corrections by result."),
		Handoffs:            b.counter("carevox.handoffs", "Agent hand-offs by source and target agent."),
		DroppedFrames:       b.counter("carevox.frames.dropped", "Inbound audio frames discarded before buffering."),
		RejectedConnections: b.counter("carevox.connections.rejected", "Refused session connections by reason."),
		ProviderRequests:    b.counter("carevox.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:      b.counter("carevox.provider.errors", "Provider failures counted against a breaker."),
		BreakerTransitions:  b.counter("carevox.provider.breaker_transitions", "Circuit breaker state changes by new state."),
		ActiveSessions:      b.upDown("carevox.active_sessions", "Live voice sessions."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return met, nil
}

// builder collects instrument creation errors so NewMetrics can report them
// all at once.
type builder struct {
	m    metric.Meter
	errs []error
}

// histogram creates a seconds histogram; nil buckets keep the SDK defaults.
func (b *builder) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.m.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments, created on first use
// from [otel.GetMeterProvider]. Call it after [InitProvider].
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func attrs(kv ...string) metric.MeasurementOption {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, attribute.String(kv[i], kv[i+1]))
	}
	return metric.WithAttributes(out...)
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), attrs("stage", stage))
}

// RecordTurn counts a committed utterance and its end-to-end latency.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	a := attrs("outcome", outcome)
	m.Turns.Add(ctx, 1, a)
	m.TurnDuration.Record(ctx, d.Seconds(), a)
}

func (m *Metrics) RecordCorrection(ctx context.Context, result string) {
	m.Corrections.Add(ctx, 1, attrs("result", result))
}

func (m *Metrics) RecordHandoff(ctx context.Context, from, to string) {
	m.Handoffs.Add(ctx, 1, attrs("from", from, "to", to))
}

func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1, attrs("reason", reason))
}

func (m *Metrics) RecordRejectedConnection(ctx context.Context, reason string) {
	m.RejectedConnections.Add(ctx, 1, attrs("reason", reason))
}

// RecordProviderRequest counts one answered or failed provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, attrs("provider", provider, "kind", kind, "status", status))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, attrs("provider", provider, "kind", kind))
}

// RecordBreakerTransition counts a circuit breaker entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, kind, state string) {
	m.BreakerTransitions.Add(ctx, 1, attrs("provider", provider, "kind", kind, "state", state))
}
