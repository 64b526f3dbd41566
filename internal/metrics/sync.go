package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sync and awareness metrics, kept in a standalone package so that library packages and
// the CLI can share them without import cycles.

var (
	UpdatesPushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomquill_updates_pushed_total",
		Help: "Local document updates appended to the update log",
	})

	UpdatesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomquill_updates_applied_total",
		Help: "Remote update log entries applied to the local document",
	})

	Compactions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomquill_compactions_total",
		Help: "Update log compactions (swap to a single state update)",
	})

	DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomquill_decode_failures_total",
		Help: "Payloads skipped because they could not be decoded",
	}, []string{"kind"})

	CursorRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomquill_cursor_refreshes_total",
		Help: "Cursor overlay refresh passes",
	})

	StaleCursorsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomquill_stale_cursors_reaped_total",
		Help: "Cursor records deleted because their owner left the room",
	})

	UpdateLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomquill_update_log_size",
		Help: "Entries in the update log after the last local push",
	})
)

// Register registers the sync metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		UpdatesPushed,
		UpdatesApplied,
		Compactions,
		DecodeFailures,
		CursorRefreshes,
		StaleCursorsReaped,
		UpdateLogSize,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
