package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/spaces/internal/adapters/http"
	"github.com/dkeye/spaces/internal/adapters/rtc"
	sigadapter "github.com/dkeye/spaces/internal/adapters/signal"
	"github.com/dkeye/spaces/internal/app"
	"github.com/dkeye/spaces/internal/app/orch"
	"github.com/dkeye/spaces/internal/app/sfu"
	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/cache"
	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/metrics"
	"github.com/dkeye/spaces/internal/ratelimit"
	"github.com/dkeye/spaces/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Early logger so config.Load can report; replaced once config is read.
	logging.Init(logging.Config{Level: "info", Pretty: true})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	spaces, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer spaces.Close()

	summaries := openCache(ctx, cfg.Redis)
	defer summaries.Close()

	m := metrics.New()
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	persister := app.NewPersister(spaces, summaries, m, cfg.Space.PersistQueue)
	relays := sfu.NewRelayManager(m)
	conns := app.NewConnectionRegistry()

	d := &orch.Dispatcher{
		Conns:   conns,
		Limiter: ratelimit.New(cfg.RateLimit),
		Policy:  app.SimplePolicy{},
		Speak:   app.SpeakPolicy{Follows: spaces},
		Persist: persister,
		Media:   relays,
		Loader:  spaces,
		Metrics: m,
	}
	d.Registry = core.NewRegistry(core.RegistryConfig{
		DefaultMaxParticipants: cfg.Space.DefaultMaxParticipants,
		IdleTimeout:            cfg.Space.IdleTimeout,
	}, d)

	hub := sigadapter.NewHub(conns, sigadapter.OptionsFrom(cfg.Server))
	d.Attach(hub)

	if err := hydrate(ctx, spaces, d.Registry); err != nil {
		return err
	}

	issuer := auth.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, cfg.Auth.TransportURL)
	media := &rtc.MediaWSController{
		Verifier:  issuer,
		Relays:    relays,
		Config:    rtc.ICEConfig(cfg.Media.ICEServers),
		WriteWait: cfg.Server.WriteWait,
	}

	r := router.SetupRouter(ctx, cfg.Server, router.Deps{
		Registry: d.Registry,
		Store:    spaces,
		Cache:    summaries,
		Issuer:   issuer,
		Hub:      hub,
		Media:    media,
		Gatherer: prometheus.DefaultGatherer,
	})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Spaces server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return persister.Run(gctx)
	})
	g.Go(func() error {
		sweep(gctx, d.Registry, m, cfg.Space.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		hub.CloseAll()
		relays.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})
	return g.Wait()
}

func openStore(cfg config.DatabaseConfig) (store.SpaceStore, error) {
	if cfg.Driver == "" {
		log.Warn().Str("module", "store").Msg("no database configured, spaces are kept in memory")
		return store.NewMemory(), nil
	}
	db, err := store.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "store").Str("driver", cfg.Driver).Msg("database ready")
	return store.NewGormStore(db), nil
}

func openCache(ctx context.Context, cfg config.RedisConfig) cache.SummaryCache {
	if cfg.Addr == "" {
		return cache.Nop{}
	}
	c, err := cache.NewRedis(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Str("module", "cache").Msg("redis unavailable, summaries disabled")
		return cache.Nop{}
	}
	return c
}

const hydrateLimit = 1000

// hydrate reloads spaces that were scheduled or live when the process
// stopped. Their sessions start empty; clients rejoin.
func hydrate(ctx context.Context, st store.SpaceStore, reg *core.Registry) error {
	n := 0
	for _, status := range []domain.Status{domain.StatusLive, domain.StatusScheduled} {
		list, err := st.ListSpaces(ctx, status, hydrateLimit)
		if err != nil {
			return fmt.Errorf("hydrate %s spaces: %w", status, err)
		}
		for _, s := range list {
			if reg.Hydrate(s) {
				n++
			}
		}
	}
	log.Info().Str("module", "core.registry").Int("spaces", n).Msg("hydrated persisted spaces")
	return nil
}

func sweep(ctx context.Context, reg *core.Registry, m *metrics.Metrics, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reg.Sweep(now)
			m.Sessions(reg.ActiveSessions())
		}
	}
}
