// Package app wires the collab server runtime: config, logging, metrics, the offer service with its
// store and fan-out adapters, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"collab/cmd/internal/metrics"
	"collab/cmd/internal/notify"
	"collab/cmd/internal/offer"
	offerapi "collab/cmd/internal/offer/api"
	"collab/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the collab server runtime: it owns every long-lived dependency and the HTTP server.
type App struct {
	cfg Config
	log Logger

	metrics *metrics.Metrics

	store     offer.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	kafka *notify.KafkaPublisher
	redis *redis.Client
	relay *notify.RedisRelay

	offers *offer.Service
	api    *offerapi.Handler
	ws     *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	opts := []offer.Option{
		offer.WithLogger(log),
		offer.WithObserver(a.metrics),
	}
	if !cfg.StrictTransitions {
		opts = append(opts, offer.WithLenientTransitions())
		log.Warn("offer.transitions.lenient")
	}

	if len(cfg.KafkaBrokers) > 0 {
		a.kafka, err = notify.NewKafkaPublisher(log, notify.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, offer.WithEventPublisher(a.kafka))
		log.Info("notify.kafka.enabled", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.relay, err = notify.NewRedisRelay(log, a.redis, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		opts = append(opts, offer.WithChangeRelay(a.relay))
		log.Info("notify.redis.enabled", "channel", cfg.RedisChannel, "instance", a.relay.Instance())
	}

	a.offers, err = offer.NewService(a.store, opts...)
	if err != nil {
		return nil, err
	}

	a.api, err = offerapi.NewHandler(log, a.offers, offerapi.Config{MaxBodyBytes: int64(cfg.MaxBodyBytes)})
	if err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, a.offers, realtime.Config{
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		SendQueueSize:    cfg.WSSendQueueSize,
		MaxSubscriptions: cfg.WSMaxSubscriptions,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	}, a.metrics)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// openStore decides between Postgres-backed persistence and the in-memory dev store.
//
// Ownership model: the app owns the pool lifecycle; PostgresStore.Close() is a no-op.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = offer.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.dbPool = pool

	st, err := offer.NewPostgresStore(pool, offer.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	a.store = st
	a.dbEnabled = true
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	return nil
}

// Handler builds the full middleware chain around the route mux.
func (a *App) Handler() http.Handler {
	var relay pinger
	if a.relay != nil {
		relay = a.relay
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, relay, a.metrics, a.api, a.ws)

	var h http.Handler = WithRequestLogging(mux, a.log, a.metrics)
	h = WithSecurityHeaders(h)
	h = WithCORS(h, a.cfg, a.log)
	return WithRequestID(h)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	// baseCtx outlives Shutdown's wait so hijacked WebSocket sessions can be ended explicitly afterwards.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	if a.relay != nil {
		go func() {
			if err := a.relay.Run(baseCtx, a.offers.Broker().Notify); err != nil {
				a.log.Error("notify.redis.run.fail", "err", err)
			}
		}()
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"strict_transitions", a.offers.Strict(),
		"kafka_enabled", a.kafka != nil,
		"redis_enabled", a.relay != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	cancelBase()

	a.closeResources()
	a.log.Info("server.stopped")
	return runErr
}

// closeResources releases everything New opened. Safe on a partially built App.
func (a *App) closeResources() {
	if a.offers != nil {
		a.offers.Close()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Error("notify.kafka.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("notify.redis.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
