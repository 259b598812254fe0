// Package metrics exposes the host's Prometheus instruments. Persistence
// is fire-and-forget by contract, so append failures surface here rather
// than in return values.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventLogAppendFailures counts best-effort journal appends that failed.
	EventLogAppendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcpld",
		Name:      "eventlog_append_failures_total",
		Help:      "Event journal appends that failed and were dropped.",
	}, []string{"log"})

	// PushEventsRejected counts push events rejected before enqueue.
	PushEventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mcpld",
		Name:      "push_events_rejected_total",
		Help:      "Push events rejected by dedup or rate limiting.",
	}, []string{"reason"})

	// InferenceQuotaRejections counts brokered inferences refused by quota.
	InferenceQuotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpld",
		Name:      "inference_quota_rejections_total",
		Help:      "Brokered inference requests refused by the hourly quota.",
	})

	// HookTimeouts counts beforeInference dispatches that timed out.
	HookTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mcpld",
		Name:      "hook_timeouts_total",
		Help:      "beforeInference hook dispatches that yielded no reply in time.",
	})

	// PendingToolCalls tracks in-flight tool-call correlations.
	PendingToolCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcpld",
		Name:      "pending_tool_calls",
		Help:      "Tool calls awaiting a delegate response.",
	})

	// ConnectedDelegates tracks live delegate connections.
	ConnectedDelegates = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mcpld",
		Name:      "connected_delegates",
		Help:      "Currently connected delegates.",
	})
)
