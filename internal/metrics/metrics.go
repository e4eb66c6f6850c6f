// Package metrics defines the Prometheus collectors of the tally actors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tally"

// Outcome label values.
const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

var (
	shardIncrements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "increments_total",
			Help:      "Accepted increment requests across all shards.",
		},
	)

	shardFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "flushes_total",
			Help:      "Shard flushes to the global aggregator by trigger event and outcome.",
		},
		[]string{"event", "outcome"},
	)

	shardMergeBacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shard",
			Name:      "merge_backs_total",
			Help:      "Failed flushes whose snapshot was merged back into the shard.",
		},
	)

	globalMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "global",
			Name:      "merges_total",
			Help:      "Shard writes received by global aggregators by outcome.",
		},
		[]string{"outcome"},
	)

	globalMirrorWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "global",
			Name:      "mirror_writes_total",
			Help:      "Mirror writes by outcome.",
		},
		[]string{"outcome"},
	)

	globalResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "global",
			Name:      "resets_total",
			Help:      "Counter names reset on global aggregators.",
		},
	)

	auditAppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "append_failures_total",
			Help:      "Audit records that could not be appended.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics on reg.
func Register(reg prometheus.Registerer) {
	registerMetrics.Do(func() {
		reg.MustRegister(shardIncrements)
		reg.MustRegister(shardFlushes)
		reg.MustRegister(shardMergeBacks)
		reg.MustRegister(globalMerges)
		reg.MustRegister(globalMirrorWrites)
		reg.MustRegister(globalResets)
		reg.MustRegister(auditAppendFailures)
	})
}

// Reset drops every labelled series. Tests only.
func Reset() {
	shardFlushes.Reset()
	globalMerges.Reset()
	globalMirrorWrites.Reset()
}

func RecordShardIncrement() { shardIncrements.Inc() }

// RecordShardFlush records one flush attempt triggered by event.
func RecordShardFlush(event, outcome string) {
	shardFlushes.WithLabelValues(event, outcome).Inc()
}

func RecordShardMergeBack() { shardMergeBacks.Inc() }

func RecordGlobalMerge(outcome string) {
	globalMerges.WithLabelValues(outcome).Inc()
}

func RecordMirrorWrite(outcome string) {
	globalMirrorWrites.WithLabelValues(outcome).Inc()
}

func RecordGlobalReset() { globalResets.Inc() }

func RecordAuditAppendFailure() { auditAppendFailures.Inc() }

// Collectors exposes the collectors for assertions in tests of other packages.
var Collectors = struct {
	ShardIncrements     prometheus.Counter
	ShardFlushes        *prometheus.CounterVec
	ShardMergeBacks     prometheus.Counter
	GlobalMerges        *prometheus.CounterVec
	GlobalMirrorWrites  *prometheus.CounterVec
	GlobalResets        prometheus.Counter
	AuditAppendFailures prometheus.Counter
}{
	ShardIncrements:     shardIncrements,
	ShardFlushes:        shardFlushes,
	ShardMergeBacks:     shardMergeBacks,
	GlobalMerges:        globalMerges,
	GlobalMirrorWrites:  globalMirrorWrites,
	GlobalResets:        globalResets,
	AuditAppendFailures: auditAppendFailures,
}
