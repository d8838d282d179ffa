package api

import "github.com/prometheus/client_golang/prometheus"

var (
	gridSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tiletalk_grid_sessions",
		Help: "Number of open websocket grid sessions.",
	})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiletalk_frames_received_total",
		Help: "Websocket frames received, by frame type.",
	}, []string{"type"})

	frameErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tiletalk_frame_errors_total",
		Help: "Websocket frames that were answered with an error frame, by frame type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(gridSessions)
	prometheus.MustRegister(framesReceived)
	prometheus.MustRegister(frameErrors)
}
