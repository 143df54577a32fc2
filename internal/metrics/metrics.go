// Package metrics reports operational counters. Recording is fire and
// forget: a metrics failure must never fail the operation it measures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names recorded by the service.
const (
	VersionsAppended     = "versions_appended"
	DocumentTransitions  = "document_transitions"
	PermissionDenials    = "permission_denials"
	PurgeInconsistencies = "purge_inconsistencies"
	DocumentsPurged      = "documents_purged"
	ShareLinkAccesses    = "share_link_accesses"
	TableOpDuration      = "table_op_duration_seconds"
)

// Sink receives named measurements with dimensions. Implementations must
// be safe for concurrent use and must not block the caller.
type Sink interface {
	Record(name string, value float64, dims map[string]string)
}

// NoopSink discards everything. Default in tests.
type NoopSink struct{}

func (NoopSink) Record(string, float64, map[string]string) {}

// PromSink maps the sink interface onto Prometheus counters.
type PromSink struct {
	appends       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	denials       *prometheus.CounterVec
	inconsistency prometheus.Counter
	purged        prometheus.Counter
	shareAccesses prometheus.Counter
	tableOps      *prometheus.HistogramVec
}

func NewPromSink() *PromSink {
	return &PromSink{
		appends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crestfund_versions_appended_total",
				Help: "Record versions appended, by entity kind",
			},
			[]string{"kind"},
		),
		transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crestfund_document_transitions_total",
				Help: "Document status transitions, by source and target status",
			},
			[]string{"from", "to"},
		),
		denials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crestfund_permission_denials_total",
				Help: "Authorization denials, by capability",
			},
			[]string{"capability"},
		),
		inconsistency: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crestfund_purge_inconsistencies_total",
				Help: "Purges that deleted the blob but failed to purge the table",
			},
		),
		purged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crestfund_documents_purged_total",
				Help: "Documents permanently purged after retention expiry",
			},
		),
		shareAccesses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crestfund_share_link_accesses_total",
				Help: "Successful public share link resolutions",
			},
		),
		tableOps: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crestfund_table_op_duration_seconds",
				Help:    "Version table operation latency, by operation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
}

func (s *PromSink) Record(name string, value float64, dims map[string]string) {
	switch name {
	case VersionsAppended:
		s.appends.WithLabelValues(dims["kind"]).Add(value)
	case DocumentTransitions:
		s.transitions.WithLabelValues(dims["from"], dims["to"]).Add(value)
	case PermissionDenials:
		s.denials.WithLabelValues(dims["capability"]).Add(value)
	case PurgeInconsistencies:
		s.inconsistency.Add(value)
	case DocumentsPurged:
		s.purged.Add(value)
	case ShareLinkAccesses:
		s.shareAccesses.Add(value)
	case TableOpDuration:
		s.tableOps.WithLabelValues(dims["op"]).Observe(value)
	}
}
