// Package app wires the messenger server runtime: config, logging, storage,
// the session manager, the realtime gateway and the REST session surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"messenger/cmd/identity"
	authapi "messenger/cmd/internal/auth/api"
	"messenger/cmd/internal/auth/session"
	"messenger/cmd/internal/db"
	"messenger/cmd/internal/events"
	"messenger/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// App is the messenger server runtime. It owns the HTTP server, the
// background loops and every resource they share.
type App struct {
	cfg Config
	log Logger

	pool      *pgxpool.Pool
	publisher events.Publisher

	sessions *session.Manager
	registry *realtime.Registry
	sweeper  *realtime.Sweeper

	handler http.Handler
}

type stores struct {
	sessions session.Store
	users    identity.Directory
	messages realtime.MessageStore
	members  realtime.MembershipStore
	missed   realtime.MissedStore
}

// New constructs a fully wired App. Package settings are read from the
// environment (see session, realtime and authapi LoadConfigFromEnv).
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if strings.TrimSpace(cfg.LoginCode) == "" {
		return nil, errors.New("config: MSGR_LOGIN_CODE must be set")
	}

	hasher, err := NewTokenHasher(cfg)
	if err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	rtCfg, err := realtime.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("realtime config: %w", err)
	}
	codec, err := session.NewTokenCodec(sessCfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	a.publisher, err = newPublisher(cfg, log)
	if err != nil {
		return nil, err
	}

	resolver := realtime.NewResolver(st.members)
	a.registry = realtime.NewRegistry(log, resolver)
	bc := realtime.NewBroadcaster(log, a.registry, resolver, st.messages, st.missed, realtime.WithSessions(st.sessions))

	locator, err := session.ParseLocations(sessCfg.Locations)
	if err != nil {
		return nil, err
	}
	a.sessions, err = session.NewManager(sessCfg, st.sessions, codec, hasher,
		session.WithNotifier(bc),
		session.WithEvents(a.publisher),
		session.WithLocator(locator),
		session.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	gw, err := realtime.NewGateway(rtCfg, log, a.registry, bc, a.sessions, st.users)
	if err != nil {
		return nil, err
	}
	a.sweeper = realtime.NewSweeper(a.registry, rtCfg, log)

	api, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), a.sessions, st.users,
		identity.StaticCodeVerifier{Code: cfg.LoginCode},
		authapi.WithHistory(resolver, st.messages),
	)
	if err != nil {
		return nil, err
	}

	var gatherer prometheus.Gatherer
	if cfg.MetricsEnabled {
		gatherer, err = a.metricsGatherer()
		if err != nil {
			return nil, err
		}
	}

	a.handler = newRouter(routes{
		log:     log,
		cfg:     cfg,
		dbPool:  a.pool,
		ws:      gw,
		auth:    api,
		metrics: gatherer,
	})

	ok = true
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server, the connection sweeper and the session expiry
// loop, and blocks until ctx is cancelled or one of them fails. Resources are
// released before Run returns.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.pool != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error { return a.sweeper.Run(gctx) })
	g.Go(func() error { return a.sessions.Run(gctx) })

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return stores{
			sessions: session.NewInMemoryStore(),
			users:    identity.NewInMemoryStore(),
			messages: realtime.NewInMemoryMessageStore(),
			members:  realtime.NewInMemoryMembershipStore(),
			missed:   realtime.NewInMemoryMissedStore(),
		}, nil
	}

	if a.cfg.AutoMigrate {
		if err := db.Migrate(a.cfg.DatabaseURL, "up"); err != nil {
			return stores{}, fmt.Errorf("auto migrate: %w", err)
		}
		a.log.Info("db.migrated")
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return stores{}, err
	}
	a.pool = pool
	a.log.Info("db.enabled.postgres_store")

	// The pool is owned here; stores never close it.
	sessions, err := session.NewPostgresStore(pool)
	if err != nil {
		return stores{}, err
	}
	users, err := identity.NewPostgresStore(pool)
	if err != nil {
		return stores{}, err
	}
	chats, err := realtime.NewPostgresStore(pool)
	if err != nil {
		return stores{}, err
	}
	return stores{sessions: sessions, users: users, messages: chats, members: chats, missed: chats}, nil
}

func newPublisher(cfg Config, log Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return events.LogPublisher{Log: log}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic, log)
	if err != nil {
		return nil, err
	}
	log.Info("events.kafka.enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.EventsTopic)
	return p, nil
}

// metricsGatherer combines the process-wide metrics (counters registered via
// promauto, Go and process collectors) with this App's live registry gauges.
func (a *App) metricsGatherer() (prometheus.Gatherer, error) {
	local := prometheus.NewRegistry()
	for _, c := range a.registry.Collectors() {
		if err := local.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}
	return prometheus.Gatherers{prometheus.DefaultGatherer, local}, nil
}

func (a *App) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Error("events.close.fail", "err", err)
		}
		a.publisher = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
// Wildcard hosts map to the IPv4 loopback.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
