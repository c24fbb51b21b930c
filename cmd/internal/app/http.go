package app

import (
	"net/http"
	"time"

	authapi "messenger/cmd/internal/auth/api"
	"messenger/cmd/internal/realtime"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routes struct {
	log    Logger
	cfg    Config
	dbPool *pgxpool.Pool

	ws      *realtime.Gateway
	auth    *authapi.Handler
	metrics prometheus.Gatherer
}

// newRouter registers probes, metrics, the WebSocket endpoint and the REST
// session surface. The returned handler carries the middleware chain.
func newRouter(rt routes) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && rt.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.dbPool != nil {
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	}).Methods(http.MethodGet, http.MethodHead)

	if rt.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(rt.metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.Handle("/ws", rt.ws)

	if rt.auth != nil {
		rt.auth.Register(r)
	}

	var h http.Handler = r
	h = WithCORS(h, rt.cfg, rt.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, rt.log)
	return h
}
