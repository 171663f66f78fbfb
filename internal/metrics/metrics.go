// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for rendezvous,
// relay operations, and recording transfers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rendezvous metrics
	relayOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_relay_ops_total",
		Help: "Relay key-value operations by op and outcome",
	}, []string{"op", "outcome"}) // outcome=success|miss|failure

	answersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_rendezvous_answers_total",
		Help: "Observed guest answers by surface",
	}, []string{"surface"}) // surface=lan|relay

	answerLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meetsync_rendezvous_answer_latency_seconds",
		Help:    "Time from awaitAnswer start until the first answered observation",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meetsync_active_sessions",
		Help: "Sessions currently held by the LAN registry",
	})

	roomRedrawsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetsync_room_redraws_total",
		Help: "Room name redraws caused by relay collisions",
	})

	// Transfer metrics
	transferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_transfer_bytes_total",
		Help: "Recording bytes moved by direction",
	}, []string{"direction"}) // direction=send|receive

	transferChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_transfer_chunks_total",
		Help: "Recording chunks moved by direction",
	}, []string{"direction"})

	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_transfers_total",
		Help: "Finished transfer attempts by direction and outcome",
	}, []string{"direction", "outcome"}) // outcome=ok|failed|violation

	transferDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meetsync_transfer_duration_seconds",
		Help:    "Wall time of a whole-blob transfer attempt",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// Durability metrics
	blobSavesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_blob_saves_total",
		Help: "Durable blob saves by outcome",
	}, []string{"outcome"}) // outcome=ok|failed

	// Session metrics
	sessionStatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_session_states_total",
		Help: "State machine entries by role and state",
	}, []string{"role", "state"}) // role=guest|host

	catalogStoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetsync_catalog_stores_total",
		Help: "Artifacts written to the host catalog by outcome",
	}, []string{"outcome"}) // outcome=success|failure
)

func IncRelayOp(op, outcome string) { relayOpsTotal.WithLabelValues(op, outcome).Inc() }

func IncAnswer(surface string) { answersTotal.WithLabelValues(surface).Inc() }

func ObserveAnswerLatency(seconds float64) { answerLatencySeconds.Observe(seconds) }

func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

func IncRoomRedraw() { roomRedrawsTotal.Inc() }

func AddTransferBytes(direction string, n int) {
	transferBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func IncTransferChunk(direction string) { transferChunksTotal.WithLabelValues(direction).Inc() }

func IncTransferOutcome(direction, outcome string) {
	transfersTotal.WithLabelValues(direction, outcome).Inc()
}

func ObserveTransferDuration(direction string, seconds float64) {
	transferDurationSeconds.WithLabelValues(direction).Observe(seconds)
}

func IncBlobSave(outcome string) { blobSavesTotal.WithLabelValues(outcome).Inc() }

func IncSessionState(role, state string) { sessionStatesTotal.WithLabelValues(role, state).Inc() }

func IncCatalogStore(outcome string) { catalogStoresTotal.WithLabelValues(outcome).Inc() }
