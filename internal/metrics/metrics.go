// Package metrics exposes the bridge's prometheus instrumentation. All
// methods are safe on a nil receiver so library code never needs to
// know whether metrics are wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Bridge struct {
	broadcastsTotal    prometheus.Counter
	viewerSendFailures prometheus.Counter
	bufferEvictions    prometheus.Counter
	duplicateCommands  prometheus.Counter
	sessionsLive       prometheus.Gauge
	pendingPermissions prometheus.Gauge
	checkpointSaves    prometheus.Counter
}

func New(reg prometheus.Registerer) *Bridge {
	factory := promauto.With(reg)
	return &Bridge{
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_broadcasts_total",
			Help: "Canonical events broadcast to viewers.",
		}),
		viewerSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_viewer_send_failures_total",
			Help: "Viewer socket writes that errored during broadcast.",
		}),
		bufferEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_buffer_evictions_total",
			Help: "Replay buffer entries evicted by the ring bound.",
		}),
		duplicateCommands: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_duplicate_commands_total",
			Help: "Viewer commands dropped by the idempotency guard.",
		}),
		sessionsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_sessions_live",
			Help: "Sessions currently held by the registry.",
		}),
		pendingPermissions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentbridge_pending_permissions",
			Help: "Approval requests awaiting a viewer decision.",
		}),
		checkpointSaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_checkpoint_saves_total",
			Help: "Session snapshots written to the durable store.",
		}),
	}
}

func (b *Bridge) IncBroadcast() {
	if b != nil {
		b.broadcastsTotal.Inc()
	}
}

func (b *Bridge) IncViewerSendFailure() {
	if b != nil {
		b.viewerSendFailures.Inc()
	}
}

func (b *Bridge) IncBufferEviction() {
	if b != nil {
		b.bufferEvictions.Inc()
	}
}

func (b *Bridge) IncDuplicateCommand() {
	if b != nil {
		b.duplicateCommands.Inc()
	}
}

func (b *Bridge) AddSessionsLive(delta float64) {
	if b != nil {
		b.sessionsLive.Add(delta)
	}
}

func (b *Bridge) AddPendingPermissions(delta float64) {
	if b != nil {
		b.pendingPermissions.Add(delta)
	}
}

func (b *Bridge) IncCheckpointSave() {
	if b != nil {
		b.checkpointSaves.Inc()
	}
}
