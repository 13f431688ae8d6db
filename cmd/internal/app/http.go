package app

import (
	"net/http"

	"pulse/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	backend *storeBackend,
	ws *realtime.WSGateway,
	reg *prometheus.Registry,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !backend.durable() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if backend.durable() {
			if err := backend.ping(r.Context()); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "store", backend.kind, "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog:          slogErrorLogger{log},
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
	}

	mux.HandleFunc("/ws", ws.HandleWS)
}

// slogErrorLogger routes promhttp encoding errors into slog.
type slogErrorLogger struct{ log Logger }

func (l slogErrorLogger) Println(v ...any) {
	l.log.Error("metrics.serve.fail", "err", v)
}
