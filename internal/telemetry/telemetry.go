// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry carries the relay's own counters. Every refused or
// dropped record increments a counter here; telemetry is never silently lost.
package telemetry // import "github.com/lee-liao/telemetry-relay/internal/telemetry"

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's internal counters on a dedicated registry served
// from the health endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	AcceptedRecords *prometheus.CounterVec
	RefusedRecords  *prometheus.CounterVec
	SentRecords     *prometheus.CounterVec
	FailedRecords   *prometheus.CounterVec
	DroppedRecords  *prometheus.CounterVec
}

// Drop reasons used as the "reason" label on DroppedRecords.
const (
	ReasonQueueFull       = "queue_full"
	ReasonRetriesExceeded = "retries_exceeded"
	ReasonPermanentError  = "permanent_error"
	ReasonSendFailed      = "send_failed"
	ReasonShutdown        = "shutdown"
)

// NewMetrics creates the counter set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		AcceptedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_receiver_accepted_records_total",
			Help: "Records successfully pushed into the pipeline.",
		}, []string{"transport"}),
		RefusedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_receiver_refused_records_total",
			Help: "Records rejected at the receiver boundary.",
		}, []string{"transport"}),
		SentRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_exporter_sent_records_total",
			Help: "Records delivered to a destination.",
		}, []string{"exporter"}),
		FailedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_exporter_send_failed_records_total",
			Help: "Record delivery attempts that failed.",
		}, []string{"exporter"}),
		DroppedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_exporter_dropped_records_total",
			Help: "Records dropped for one destination after the retry policy was exhausted.",
		}, []string{"exporter", "reason"}),
	}
	m.Registry.MustRegister(
		m.AcceptedRecords,
		m.RefusedRecords,
		m.SentRecords,
		m.FailedRecords,
		m.DroppedRecords,
	)
	return m
}
