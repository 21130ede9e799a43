package app

import (
	"context"
	"net/http"
	"time"

	"collab/cmd/internal/metrics"
	offerapi "collab/cmd/internal/offer/api"
	"collab/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pinger is an optional readiness dependency (the Redis relay).
type pinger interface {
	Ping(ctx context.Context) error
}

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	relay pinger,
	m *metrics.Metrics,
	api *offerapi.Handler,
	ws *realtime.WSGateway,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if relay != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := relay.Ping(ctx)
			cancel()
			if err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				log.Info("readyz.redis.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	if api != nil {
		api.Register(mux)
	}

	if ws != nil {
		mux.HandleFunc("GET /ws", ws.HandleWS)
	}
}
