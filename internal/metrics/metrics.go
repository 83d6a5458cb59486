// Package metrics provides the Prometheus collectors of the hint engine.
package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hintline"

var (
	// FramesSubmitted counts audio frames accepted per channel.
	FramesSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_submitted_total",
			Help:      "Total audio frames accepted by the ingest router",
		},
		[]string{"channel"},
	)

	// FramesDropped counts frames lost to the drop-oldest policy or to an
	// stt outage.
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total audio frames dropped per channel",
		},
		[]string{"channel", "reason"}, // reason: overflow, outage
	)

	// STTReconnects counts reconnection attempts per channel.
	STTReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_reconnects_total",
			Help:      "Total speech-to-text reconnection attempts",
		},
		[]string{"channel"},
	)

	// STTActive is 1 while a channel's stream is connected.
	STTActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stt_stream_active",
			Help:      "Whether the speech-to-text stream of a channel is active",
		},
		[]string{"channel"},
	)

	// ChunksEmitted counts text chunks by the trigger that released them.
	ChunksEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_emitted_total",
			Help:      "Total text chunks emitted by the aggregator",
		},
		[]string{"trigger"},
	)

	// Hints counts generation tasks by mode and outcome.
	Hints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hints_total",
			Help:      "Total hint generation tasks",
		},
		[]string{"mode", "outcome"}, // outcome: completed, cancelled, failed, replaced
	)

	// HintDuration observes the time from task start to hint_completed.
	HintDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hint_duration_seconds",
			Help:      "Duration of completed hint generations in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2, 4, 8, 16, 30},
		},
		[]string{"mode"},
	)

	// SessionsActive is the number of running sessions.
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently active sessions",
		},
	)

	// KnowledgeRetrievals counts retrievals by result.
	KnowledgeRetrievals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "knowledge_retrievals_total",
			Help:      "Total knowledge retrievals",
		},
		[]string{"result"}, // result: hit, empty, error
	)
)

var registerOnce sync.Once

// Register adds all collectors to reg. Collectors already registered are
// tolerated so tests and main can both call it.
func Register(reg prometheus.Registerer) error {
	var err error
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			FramesSubmitted, FramesDropped, STTReconnects, STTActive,
			ChunksEmitted, Hints, HintDuration, SessionsActive, KnowledgeRetrievals,
		} {
			if regErr := reg.Register(c); regErr != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(regErr, &are) {
					err = regErr
					return
				}
			}
		}
	})
	return err
}

// Handler returns the HTTP handler exposing gathered metrics.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
