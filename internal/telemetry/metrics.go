package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/canopyworks/custody"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Ledger metrics
	BatchesCreatedTotal    metric.Int64Counter
	ConversionsTotal       metric.Int64Counter
	UnitsConvertedTotal    metric.Int64Counter
	UnitsDestroyedTotal    metric.Int64Counter
	WeightDestroyedTotal   metric.Float64Counter
	ConcurrencyConflicts   metric.Int64Counter
	LedgerCommitDuration   metric.Float64Histogram
	LedgerCommitErrorTotal metric.Int64Counter

	// Gateway metrics
	ScansTotal       metric.Int64Counter
	ScanDuration     metric.Float64Histogram
	ActiveSessions   metric.Int64UpDownCounter
	SessionsSwept    metric.Int64Counter
	SessionsConsumed metric.Int64Counter

	// Outbound
	EventPublishErrorsTotal metric.Int64Counter
	AuditArchivedTotal      metric.Int64Counter
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

	// Ledger metrics
	m.BatchesCreatedTotal, _ = meter.Int64Counter(
		"custody.batches.created.total",
		metric.WithDescription("Total number of batches created, by stage"),
		metric.WithUnit("{batch}"),
	)

	m.ConversionsTotal, _ = meter.Int64Counter(
		"custody.conversions.total",
		metric.WithDescription("Total number of committed conversions, by source stage"),
		metric.WithUnit("{conversion}"),
	)

	m.UnitsConvertedTotal, _ = meter.Int64Counter(
		"custody.units.converted.total",
		metric.WithDescription("Total number of units converted to the next stage"),
		metric.WithUnit("{unit}"),
	)

	m.UnitsDestroyedTotal, _ = meter.Int64Counter(
		"custody.units.destroyed.total",
		metric.WithDescription("Total number of units destroyed"),
		metric.WithUnit("{unit}"),
	)

	m.WeightDestroyedTotal, _ = meter.Float64Counter(
		"custody.weight.destroyed.total",
		metric.WithDescription("Total weight destroyed, including packaging remainders"),
		metric.WithUnit("g"),
	)

	m.ConcurrencyConflicts, _ = meter.Int64Counter(
		"custody.ledger.conflicts.total",
		metric.WithDescription("Total number of mutations rejected for a stale version"),
		metric.WithUnit("{conflict}"),
	)

	m.LedgerCommitDuration, _ = meter.Float64Histogram(
		"custody.ledger.commit.duration",
		metric.WithDescription("Duration of ledger transactions"),
		metric.WithUnit("ms"),
	)

	m.LedgerCommitErrorTotal, _ = meter.Int64Counter(
		"custody.ledger.commit.errors.total",
		metric.WithDescription("Total number of failed ledger transactions, by error kind"),
		metric.WithUnit("{error}"),
	)

	// Gateway metrics
	m.ScansTotal, _ = meter.Int64Counter(
		"custody.gateway.scans.total",
		metric.WithDescription("Total number of badge scans, by outcome"),
		metric.WithUnit("{scan}"),
	)

	m.ScanDuration, _ = meter.Float64Histogram(
		"custody.gateway.scan.duration",
		metric.WithDescription("Duration of identity resolution for a scan"),
		metric.WithUnit("ms"),
	)

	m.ActiveSessions, _ = meter.Int64UpDownCounter(
		"custody.gateway.sessions.active",
		metric.WithDescription("Number of open authorization sessions"),
		metric.WithUnit("{session}"),
	)

	m.SessionsSwept, _ = meter.Int64Counter(
		"custody.gateway.sessions.swept.total",
		metric.WithDescription("Total number of sessions expired or collected by the sweeper"),
		metric.WithUnit("{session}"),
	)

	m.SessionsConsumed, _ = meter.Int64Counter(
		"custody.gateway.sessions.consumed.total",
		metric.WithDescription("Total number of verified sessions consumed by an action"),
		metric.WithUnit("{session}"),
	)

	// Outbound
	m.EventPublishErrorsTotal, _ = meter.Int64Counter(
		"custody.events.publish.errors.total",
		metric.WithDescription("Total number of ledger events that failed to publish"),
		metric.WithUnit("{error}"),
	)

	m.AuditArchivedTotal, _ = meter.Int64Counter(
		"custody.audit.archived.total",
		metric.WithDescription("Total number of audit entries written to archives"),
		metric.WithUnit("{entry}"),
	)

	return m
}
