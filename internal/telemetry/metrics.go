package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/paychat/internal/session"
)

const (
	meterName = "github.com/wolfeidau/paychat"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// SessionSource exposes session counters for collection. *session.Manager
// satisfies it.
type SessionSource interface {
	Metrics() session.MetricsSnapshot
}

type observedCounter struct {
	id         session.MetricID
	instrument metric.Int64ObservableCounter
}

// SessionMetrics publishes a SessionSource as observable instruments. Values
// are read from the source on each collection.
type SessionMetrics struct {
	source       SessionSource
	registration metric.Registration
	counters     []observedCounter

	// Gauges
	Size     metric.Int64ObservableGauge
	LastSave metric.Int64ObservableGauge
}

// RegisterSessionMetrics registers the session counters with the global
// meter provider.
func RegisterSessionMetrics(source SessionSource) (*SessionMetrics, error) {
	return RegisterSessionMetricsWithMeter(otel.GetMeterProvider().Meter(meterName), source)
}

// RegisterSessionMetricsWithMeter registers the session counters with meter.
func RegisterSessionMetricsWithMeter(meter metric.Meter, source SessionSource) (*SessionMetrics, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	m := &SessionMetrics{
		source:   source,
		counters: make([]observedCounter, 0, len(session.MetricIDs())),
	}

	observables := make([]metric.Observable, 0, len(session.MetricIDs())+2)

	for _, id := range session.MetricIDs() {
		name := "paychat.sessions." + id.String() + ".total"
		ins, err := meter.Int64ObservableCounter(name,
			metric.WithDescription("Total number of session "+id.String()+" occurrences"),
			metric.WithUnit("{occurrence}"),
		)
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", name, err)
		}
		m.counters = append(m.counters, observedCounter{id: id, instrument: ins})
		observables = append(observables, ins)
	}

	var err error
	m.Size, err = meter.Int64ObservableGauge(
		"paychat.sessions.active",
		metric.WithDescription("Number of sessions currently held"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create size gauge: %w", err)
	}

	m.LastSave, err = meter.Int64ObservableGauge(
		"paychat.sessions.last_save",
		metric.WithDescription("Unix time of the last successful session store write"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create last save gauge: %w", err)
	}
	observables = append(observables, m.Size, m.LastSave)

	m.registration, err = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := m.source.Metrics()
		for _, c := range m.counters {
			observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
		}
		observer.ObserveInt64(m.Size, int64(snapshot.Size))
		if !snapshot.LastSave.IsZero() {
			observer.ObserveInt64(m.LastSave, snapshot.LastSave.Unix())
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	return m, nil
}

// Close unregisters the callback.
func (m *SessionMetrics) Close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
