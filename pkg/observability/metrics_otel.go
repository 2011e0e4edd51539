package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics mirrors the gate metrics onto the global OpenTelemetry meter
// provider so they reach an OTLP collector alongside traces
type OTelMetrics struct {
	guardDecisions      metric.Int64Counter
	tokenVerifyDuration metric.Float64Histogram
	handshakeEvents     metric.Int64Counter
	gateInits           metric.Int64Counter
}

// NewOTelMetrics creates the instruments on the current global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/keygate")

	m := &OTelMetrics{}
	var err error

	m.guardDecisions, err = meter.Int64Counter(
		"keygate.guard.decisions",
		metric.WithDescription("Route guard decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard decisions counter: %w", err)
	}

	m.tokenVerifyDuration, err = meter.Float64Histogram(
		"keygate.token.verify.duration",
		metric.WithDescription("Time spent verifying identity tokens"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token verify histogram: %w", err)
	}

	m.handshakeEvents, err = meter.Int64Counter(
		"keygate.handshake.events",
		metric.WithDescription("Login callback and logout events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake events counter: %w", err)
	}

	m.gateInits, err = meter.Int64Counter(
		"keygate.gate.inits",
		metric.WithDescription("Number of times an identity adapter was installed"),
		metric.WithUnit("{init}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate inits counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordGuardDecision(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.guardDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *OTelMetrics) recordHandshakeEvent(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.handshakeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *OTelMetrics) observeTokenVerify(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.tokenVerifyDuration.Record(ctx, d.Seconds())
}

func (m *OTelMetrics) recordGateInit(ctx context.Context) {
	if m == nil {
		return
	}
	m.gateInits.Add(ctx, 1)
}
