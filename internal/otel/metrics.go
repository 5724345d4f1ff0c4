package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all runner metrics instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TurnDuration     metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	EventsBroadcast  metric.Int64Counter
	EventsDropped    metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
	ActiveObservers  metric.Int64UpDownCounter
	ApprovalsDenied  metric.Int64Counter
	ApprovalLatency  metric.Float64Histogram
	ProcessBytesRead metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("relay.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("relay.turn.duration",
		metric.WithDescription("Engine turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("relay.engine.tokens",
		metric.WithDescription("Total tokens consumed by engine turns"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("relay.events.broadcast",
		metric.WithDescription("Envelopes broadcast to observers"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDropped, err = meter.Int64Counter("relay.events.dropped",
		metric.WithDescription("Envelopes dropped on slow observers"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("relay.sessions.active",
		metric.WithDescription("Number of live sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveObservers, err = meter.Int64UpDownCounter("relay.observers.active",
		metric.WithDescription("Number of connected observers"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("relay.approvals.denied",
		metric.WithDescription("Tool approvals denied, by human or timeout"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalLatency, err = meter.Float64Histogram("relay.approval.latency",
		metric.WithDescription("Time from approval request to settlement in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProcessBytesRead, err = meter.Int64Counter("relay.process.bytes",
		metric.WithDescription("Bytes read from process PTYs"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
