// Package metrics provides Prometheus metrics for the data-movement
// engines:
//
//   - nixl_transfers_total: posted transfers by backend and operation
//   - nixl_transfer_failures_total: transfers that latched an error
//   - nixl_bytes_moved_total: payload bytes by backend and operation
//   - nixl_notifications_total: notifications sent and received
//   - nixl_active_handles: live transfer handles by backend
//
// The test driver exposes them at /metrics; embedding applications can use
// the default registry as usual.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersTotal counts posted transfers.
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nixl_transfers_total",
			Help: "Total number of posted transfers",
		},
		[]string{"backend", "op"},
	)

	// TransferFailures counts transfers that latched a terminal error.
	TransferFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nixl_transfer_failures_total",
			Help: "Total number of failed transfers",
		},
		[]string{"backend", "op"},
	)

	// BytesMoved counts payload bytes handed to the wire or store.
	BytesMoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nixl_bytes_moved_total",
			Help: "Total payload bytes moved",
		},
		[]string{"backend", "op"},
	)

	// NotificationsTotal counts notifications by direction.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nixl_notifications_total",
			Help: "Total notifications sent and received",
		},
		[]string{"backend", "direction"},
	)

	// ActiveHandles tracks live transfer handles.
	ActiveHandles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nixl_active_handles",
			Help: "Transfer handles currently alive",
		},
		[]string{"backend"},
	)
)

// RecordPost counts one posted transfer and its payload size.
func RecordPost(backendName, op string, bytes uint64) {
	TransfersTotal.WithLabelValues(backendName, op).Inc()
	BytesMoved.WithLabelValues(backendName, op).Add(float64(bytes))
}

// RecordFailure counts one transfer that latched an error.
func RecordFailure(backendName, op string) {
	TransferFailures.WithLabelValues(backendName, op).Inc()
}
