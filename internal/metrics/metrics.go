// Prometheus instrumentation for the protocol engine
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxhost_frames_in_total",
		Help: "OmniXtend frames accepted from the wire.",
	})
	FramesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxhost_frames_out_total",
		Help: "OmniXtend frames handed to the transmitter.",
	})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxhost_frames_dropped_total",
		Help: "Inbound frames dropped before reaching a connection.",
	})
	NaksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxhost_naks_sent_total",
		Help: "NAK indications raised for out of order frames.",
	})
	Resends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oxhost_resends_total",
		Help: "Resend sweeps pushed onto the wire.",
	})
	PeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oxhost_peers_active",
		Help: "Connections currently not idle.",
	})
)

// Serve exposes the default registry on addr. Blocking; callers run it in a
// goroutine if an address was configured.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
