package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all crewd metrics instruments.
type Metrics struct {
	ExecutionDuration metric.Float64Histogram
	ExecutionCost     metric.Float64Counter
	Dispatches        metric.Int64Counter
	DispatchFailures  metric.Int64Counter
	ActiveExecutions  metric.Int64UpDownCounter
	SchedulerSkips    metric.Int64Counter
	TaskTransitions   metric.Int64Counter
	AdapterSkips      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ExecutionDuration, err = meter.Float64Histogram("crewd.execution.duration",
		metric.WithDescription("Worker execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionCost, err = meter.Float64Counter("crewd.execution.cost",
		metric.WithDescription("Cumulative execution cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.Dispatches, err = meter.Int64Counter("crewd.dispatch.count",
		metric.WithDescription("Executions dispatched"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchFailures, err = meter.Int64Counter("crewd.dispatch.failures",
		metric.WithDescription("Executions finalized as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("crewd.execution.active",
		metric.WithDescription("Number of currently running executions"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerSkips, err = meter.Int64Counter("crewd.scheduler.skips",
		metric.WithDescription("Workers skipped on a scheduler tick due to errors"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("crewd.task.transitions",
		metric.WithDescription("Task status transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.AdapterSkips, err = meter.Int64Counter("crewd.adapter.skips",
		metric.WithDescription("Tool adapters skipped for missing credentials"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
