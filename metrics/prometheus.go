package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//PrometheusCollector implements Collector with Prometheus metrics
type PrometheusCollector struct {
	clientsActive prometheus.Gauge
	clientsTotal  prometheus.Counter

	messagesTotal   prometheus.Counter
	nameplatesTotal prometheus.Counter

	rendezvousResults *prometheus.CounterVec

	transitConnections prometheus.Counter
	transitResults     *prometheus.CounterVec
	transitBytes       prometheus.Counter
}

//NewPrometheusCollector creates and registers the wormhole
//server metrics on the given registry. A nil registry uses
//the default one
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		clientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wormhole_rendezvous_clients_active",
			Help: "Websocket clients currently connected to the rendezvous server.",
		}),
		clientsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_rendezvous_clients_total",
			Help: "Total websocket clients accepted by the rendezvous server.",
		}),
		messagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_rendezvous_messages_total",
			Help: "Total mailbox messages stored and fanned out.",
		}),
		nameplatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_rendezvous_nameplate_claims_total",
			Help: "Total successful nameplate claims.",
		}),
		rendezvousResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wormhole_rendezvous_usage_total",
			Help: "Usage records emitted on nameplate/mailbox teardown by result.",
		}, []string{"kind", "result"}),
		transitConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_transit_connections_total",
			Help: "Total TCP connections accepted by the transit relay.",
		}),
		transitResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wormhole_transit_usage_total",
			Help: "Transit usage records by result.",
		}, []string{"result"}),
		transitBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wormhole_transit_bytes_total",
			Help: "Size-blurred bytes relayed between paired transit connections.",
		}),
	}

	reg.MustRegister(c.clientsActive, c.clientsTotal, c.messagesTotal,
		c.nameplatesTotal, c.rendezvousResults, c.transitConnections,
		c.transitResults, c.transitBytes)

	return c
}

//ClientConnected counts a new websocket client
func (c *PrometheusCollector) ClientConnected() {
	c.clientsTotal.Inc()
	c.clientsActive.Inc()
}

//ClientDisconnected counts a websocket client leaving
func (c *PrometheusCollector) ClientDisconnected() {
	c.clientsActive.Dec()
}

//MessageAdded counts one stored mailbox message
func (c *PrometheusCollector) MessageAdded() {
	c.messagesTotal.Inc()
}

//NameplateClaimed counts one successful claim
func (c *PrometheusCollector) NameplateClaimed() {
	c.nameplatesTotal.Inc()
}

//RendezvousResult counts one emitted usage record
func (c *PrometheusCollector) RendezvousResult(kind, result string) {
	c.rendezvousResults.WithLabelValues(kind, result).Inc()
}

//TransitConnection counts one accepted transit connection
func (c *PrometheusCollector) TransitConnection() {
	c.transitConnections.Inc()
}

//TransitResult counts one transit usage record and its
//blurred byte total
func (c *PrometheusCollector) TransitResult(result string, blurredBytes int64) {
	c.transitResults.WithLabelValues(result).Inc()
	if blurredBytes > 0 {
		c.transitBytes.Add(float64(blurredBytes))
	}
}

//Server exposes the metrics registry over HTTP
type Server struct {
	srv *http.Server
}

//NewServer builds the /metrics HTTP server on the given
//listen address
func NewServer(listen string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

//Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

//Shutdown gracefully stops the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
