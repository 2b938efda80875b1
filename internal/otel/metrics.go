package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Ghostship metrics instruments.
type Metrics struct {
	TickDuration     metric.Float64Histogram
	TasksEnqueued    metric.Int64Counter
	TasksProcessed   metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ProviderDuration metric.Float64Histogram
	ProviderErrors   metric.Int64Counter
	Fallbacks        metric.Int64Counter
	QuotaRejects     metric.Int64Counter
	TokensUsed       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TickDuration, err = meter.Float64Histogram("ghostship.tick.duration",
		metric.WithDescription("Tick pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("ghostship.tasks.enqueued",
		metric.WithDescription("Generation tasks enqueued by ticks"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksProcessed, err = meter.Int64Counter("ghostship.tasks.processed",
		metric.WithDescription("Generation tasks processed by the consumer, labelled by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("ghostship.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderDuration, err = meter.Float64Histogram("ghostship.provider.duration",
		metric.WithDescription("Provider API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderErrors, err = meter.Int64Counter("ghostship.provider.errors",
		metric.WithDescription("Provider call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.Fallbacks, err = meter.Int64Counter("ghostship.provider.fallbacks",
		metric.WithDescription("Fallback texts served, labelled by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaRejects, err = meter.Int64Counter("ghostship.provider.quota_rejects",
		metric.WithDescription("Provider calls rejected by the daily quota"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("ghostship.provider.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
