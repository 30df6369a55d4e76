// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes sync metrics through OpenTelemetry with a
// Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records reconciliation and download outcomes.
type Metrics struct {
	Provider *metric.MeterProvider
	handler  http.Handler

	synced    api.Int64Counter
	failed    api.Int64Counter
	duration  api.Float64Histogram
	pending   api.Int64Gauge
	downloads api.Int64Counter
}

// New creates metrics exported through a private Prometheus registry.
func New(meterName string) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	m, err := NewWithReader(meterName, exporter)
	if err != nil {
		return nil, err
	}
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m, nil
}

// NewWithReader creates metrics on top of an arbitrary reader.
func NewWithReader(meterName string, reader metric.Reader) (*Metrics, error) {
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	meter := provider.Meter(meterName)

	m := &Metrics{Provider: provider, handler: http.NotFoundHandler()}
	var err error
	if m.synced, err = meter.Int64Counter("posync.orders.synced",
		api.WithDescription("Pending orders accepted by the server")); err != nil {
		return nil, err
	}
	if m.failed, err = meter.Int64Counter("posync.orders.failed",
		api.WithDescription("Pending order submissions that failed")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("posync.reconcile.duration",
		api.WithDescription("Duration of reconciliation passes"), api.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.pending, err = meter.Int64Gauge("posync.orders.pending",
		api.WithDescription("Orders waiting for submission")); err != nil {
		return nil, err
	}
	if m.downloads, err = meter.Int64Counter("posync.cache.records",
		api.WithDescription("Records written to the local cache by downloads")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler { return m.handler }

// RecordReconcile implements orderqueue.Recorder.
func (m *Metrics) RecordReconcile(ctx context.Context, succeeded, failed int, elapsed time.Duration) {
	m.synced.Add(ctx, int64(succeeded))
	m.failed.Add(ctx, int64(failed))
	m.duration.Record(ctx, elapsed.Seconds())
}

// RecordPending implements orderqueue.Recorder.
func (m *Metrics) RecordPending(ctx context.Context, pending int) {
	m.pending.Record(ctx, int64(pending))
}

// RecordDownload counts records cached by a bulk download of kind.
func (m *Metrics) RecordDownload(ctx context.Context, kind string, records int) {
	m.downloads.Add(ctx, int64(records), api.WithAttributes(attribute.String("kind", kind)))
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.Provider.Shutdown(ctx)
}
