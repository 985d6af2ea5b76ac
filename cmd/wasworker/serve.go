package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	was "github.com/pfirsich/cm4all-libwas"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bind a Session to the given descriptors and serve requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			log, err := was.NewLogger(cfg)
			if err != nil {
				return err
			}

			stats := new(statsHolder)

			var sink func(name string, value float32)
			if cfg.PrometheusMetrics {
				gauges := newMetricGauges()
				sink = gauges.observe
				go serveMetrics(cfg.MetricsAddr, log, stats)
			}

			sess, err := was.NewWithFDs(opts.controlFD, opts.inputFD, opts.outputFD,
				was.WithLogger(logrus.NewEntry(log)),
				was.WithMetricsSink(sink),
			)
			if err != nil {
				return err
			}
			defer sess.Free()

			return serveLoop(sess, log, cfg, stats)
		},
	}
}

// serveLoop is the application's side of the protocol: accept a request,
// handle it, repeat until the peer shuts down. Exactly one request is ever
// in flight, per was.Session's single-threaded contract. stats is updated
// after every request so the /debug endpoint (served from a different
// goroutine) never touches the Session itself.
func serveLoop(sess *was.Session, log *logrus.Logger, cfg was.Config, stats *statsHolder) error {
	for {
		uri, err := sess.Accept()
		if err != nil {
			if err == was.ErrShutdown {
				log.Info("was: peer shut down, exiting")
				return nil
			}
			return err
		}
		entry := log.WithFields(logrus.Fields{
			"request_id": sess.Request().ID(),
			"uri":        uri,
			"method":     sess.Request().Method().String(),
		})
		if err := handleRequest(sess, entry); err != nil {
			entry.WithError(err).Warn("was: request handling failed")
		}
		stats.set(sess.Stats())
	}
}

// handleRequest is the example application: it echoes the request body
// back with a 200, or a 204 for bodyless requests, recording a
// bytes_echoed metric (the response bytes written) if the peer asked for
// one.
func handleRequest(sess *was.Session, log *logrus.Entry) error {
	if !sess.HasBody() {
		log.Debug("was: no request body")
		return sess.End()
	}

	if err := sess.Status(200); err != nil {
		return err
	}
	if err := sess.SetHeader("Content-Type", sess.Request().GetHeader("Content-Type")); err != nil {
		return err
	}
	if n, ok := nonNegative(sess.InputRemaining()); ok {
		if err := sess.SetLength(n); err != nil {
			return err
		}
	}
	if _, err := sess.SpliceAll(false); err != nil {
		return err
	}
	if sess.Request().WantMetrics() {
		if err := sess.Metric("bytes_echoed", float32(sess.Stats().BytesWritten)); err != nil {
			log.WithError(err).Warn("was: failed to send metric")
		}
	}
	return sess.End()
}

func nonNegative(n int64) (uint64, bool) {
	if n < 0 {
		return 0, false
	}
	return uint64(n), true
}

// statsHolder is a goroutine-safe snapshot of the last was.Stats the serve
// loop observed, letting the /debug HTTP handler run on its own goroutine
// without touching the Session directly (Session is documented as not
// safe for concurrent use).
type statsHolder struct {
	mu    sync.Mutex
	stats was.Stats
}

func (h *statsHolder) set(st was.Stats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = st
}

func (h *statsHolder) get() was.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func serveMetrics(addr string, log *logrus.Logger, stats *statsHolder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats.get()); err != nil {
			log.WithError(err).Warn("was: failed to encode /debug response")
		}
	})
	log.WithField("addr", addr).Info("was: serving /metrics and /debug")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("was: metrics server stopped")
	}
}

// metricGauges mirrors every was.Session.Metric call into a Prometheus
// gauge keyed by metric name, so an operator has local visibility in
// addition to whatever the peer does with the wire-level METRIC packet.
type metricGauges struct {
	vec *prometheus.GaugeVec
}

func newMetricGauges() *metricGauges {
	return &metricGauges{
		vec: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wasworker",
			Name:      "metric_value",
			Help:      "Last value of each METRIC packet emitted by the worker.",
		}, []string{"name"}),
	}
}

func (g *metricGauges) observe(name string, value float32) {
	g.vec.WithLabelValues(name).Set(float64(value))
}
