package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/wolfeidau/handoff"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Session metrics
	SessionsCreatedTotal metric.Int64Counter
	SessionsExpiredTotal metric.Int64Counter
	SessionsClosedTotal  metric.Int64Counter

	// Gateway metrics
	PeersActive         metric.Int64UpDownCounter
	JoinsTotal          metric.Int64Counter
	JoinsRejectedTotal  metric.Int64Counter
	PeersSuperseded     metric.Int64Counter
	MalformedMessages   metric.Int64Counter
	WatchersActive      metric.Int64UpDownCounter
	UploadsTotal        metric.Int64Counter
	UploadsRejected     metric.Int64Counter
	UploadBytes         metric.Int64Histogram
	ReceiptsStoredTotal metric.Int64Counter

	// Sweeper metrics
	SweepsTotal        metric.Int64Counter
	SweepDuration      metric.Float64Histogram
	SweepCloseFailures metric.Int64Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.SessionsCreatedTotal, _ = meter.Int64Counter(
		"handoff.sessions.created.total",
		metric.WithDescription("Total number of scan sessions created"),
		metric.WithUnit("{session}"),
	)

	m.SessionsExpiredTotal, _ = meter.Int64Counter(
		"handoff.sessions.expired.total",
		metric.WithDescription("Total number of scan sessions removed by the expiry sweeper"),
		metric.WithUnit("{session}"),
	)

	m.SessionsClosedTotal, _ = meter.Int64Counter(
		"handoff.sessions.closed.total",
		metric.WithDescription("Total number of scan sessions finalized or cancelled"),
		metric.WithUnit("{session}"),
	)

	m.PeersActive, _ = meter.Int64UpDownCounter(
		"handoff.gateway.peers.active",
		metric.WithDescription("Number of open mobile scan connections"),
		metric.WithUnit("{connection}"),
	)

	m.JoinsTotal, _ = meter.Int64Counter(
		"handoff.gateway.joins.total",
		metric.WithDescription("Total number of successful pairings"),
		metric.WithUnit("{join}"),
	)

	m.JoinsRejectedTotal, _ = meter.Int64Counter(
		"handoff.gateway.joins.rejected.total",
		metric.WithDescription("Total number of join attempts with an unknown or expired token"),
		metric.WithUnit("{join}"),
	)

	m.PeersSuperseded, _ = meter.Int64Counter(
		"handoff.gateway.peers.superseded.total",
		metric.WithDescription("Total number of connections closed because another device joined the same session"),
		metric.WithUnit("{connection}"),
	)

	m.MalformedMessages, _ = meter.Int64Counter(
		"handoff.gateway.messages.malformed.total",
		metric.WithDescription("Total number of unparseable or unrecognised messages"),
		metric.WithUnit("{message}"),
	)

	m.WatchersActive, _ = meter.Int64UpDownCounter(
		"handoff.gateway.watchers.active",
		metric.WithDescription("Number of open desktop watch connections"),
		metric.WithUnit("{connection}"),
	)

	m.UploadsTotal, _ = meter.Int64Counter(
		"handoff.uploads.total",
		metric.WithDescription("Total number of images stored as pending artifacts"),
		metric.WithUnit("{upload}"),
	)

	m.UploadsRejected, _ = meter.Int64Counter(
		"handoff.uploads.rejected.total",
		metric.WithDescription("Total number of uploads rejected"),
		metric.WithUnit("{upload}"),
	)

	m.UploadBytes, _ = meter.Int64Histogram(
		"handoff.uploads.size",
		metric.WithDescription("Size of uploaded images"),
		metric.WithUnit("By"),
	)

	m.ReceiptsStoredTotal, _ = meter.Int64Counter(
		"handoff.receipts.stored.total",
		metric.WithDescription("Total number of receipts handed to durable storage"),
		metric.WithUnit("{receipt}"),
	)

	m.SweepsTotal, _ = meter.Int64Counter(
		"handoff.sweeper.runs.total",
		metric.WithDescription("Total number of expiry sweeps"),
		metric.WithUnit("{sweep}"),
	)

	m.SweepDuration, _ = meter.Float64Histogram(
		"handoff.sweeper.duration",
		metric.WithDescription("Duration of expiry sweeps"),
		metric.WithUnit("ms"),
	)

	m.SweepCloseFailures, _ = meter.Int64Counter(
		"handoff.sweeper.close_failures.total",
		metric.WithDescription("Total number of expired connections that failed to close cleanly"),
		metric.WithUnit("{connection}"),
	)

	return m
}

// RegisterSessionGauge reports the number of sessions held by the store on each collection.
func RegisterSessionGauge(count func() int) error {
	meter := otel.GetMeterProvider().Meter(meterName)

	_, err := meter.Int64ObservableGauge(
		"handoff.sessions.held",
		metric.WithDescription("Number of scan sessions currently held in memory"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	return err
}
