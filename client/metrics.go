package client

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guseggert/offload/client"

type metrics struct {
	requests        metric.Int64Counter
	responses       metric.Int64Counter
	dropped         metric.Int64Counter
	connectAttempts metric.Int64Counter
	latency         metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		m    metrics
		err  error
		errs []error
	)
	m.requests, err = meter.Int64Counter("offload_requests_total",
		metric.WithDescription("Requests sent to the worker"))
	errs = append(errs, err)
	m.responses, err = meter.Int64Counter("offload_responses_total",
		metric.WithDescription("Responses correlated with a pending callback"))
	errs = append(errs, err)
	m.dropped, err = meter.Int64Counter("offload_responses_dropped_total",
		metric.WithDescription("Messages from the worker with no pending callback"))
	errs = append(errs, err)
	m.connectAttempts, err = meter.Int64Counter("offload_connect_attempts_total",
		metric.WithDescription("Connection attempts made while bootstrapping a worker"))
	errs = append(errs, err)
	m.latency, err = meter.Float64Histogram("offload_request_duration_seconds",
		metric.WithDescription("Time from sending a request to running its callback"),
		metric.WithUnit("s"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return noopMetrics(), err
	}
	return &m, nil
}

func noopMetrics() *metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func (m *metrics) requestSent(worker string) {
	m.requests.Add(context.Background(), 1, metric.WithAttributes(attribute.String("worker", worker)))
}

func (m *metrics) responseReceived(worker string, status bool, sent time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.Bool("status", status),
	)
	m.responses.Add(context.Background(), 1, attrs)
	m.latency.Record(context.Background(), time.Since(sent).Seconds(), attrs)
}

func (m *metrics) responseDropped() {
	m.dropped.Add(context.Background(), 1)
}

func (m *metrics) connectAttempt(refused bool) {
	m.connectAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("refused", refused)))
}
