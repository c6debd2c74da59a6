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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Hearth/internal/adapters/auth"
	router "github.com/dkeye/Hearth/internal/adapters/http"
	"github.com/dkeye/Hearth/internal/adapters/rtc"
	signaling "github.com/dkeye/Hearth/internal/adapters/signal"
	"github.com/dkeye/Hearth/internal/adapters/store"
	"github.com/dkeye/Hearth/internal/app/maintenance"
	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/app/presence"
	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/app/sfu"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core"
)

type persistence interface {
	core.PersistenceStore
	core.ArchiveStore
}

// openStore picks Postgres when a database URL is configured and restores the
// persisted rooms into the registry; otherwise everything lives in memory.
func openStore(ctx context.Context, cfg *config.Config, reg func(core.RoomStore) *rooms.Registry) (persistence, *rooms.Registry, error) {
	if cfg.Database.URL == "" {
		mem := store.NewMemory()
		log.Warn().Str("module", "main").Msg("no database configured, state is kept in memory")
		return mem, reg(mem), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	registry := reg(pg)
	saved, channels, err := pg.LoadRooms(ctx)
	if err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("load rooms: %w", err)
	}
	registry.Restore(saved, channels)
	log.Info().Str("module", "main").Int("rooms", len(saved)).Int("channels", len(channels)).Msg("rooms restored")
	return pg, registry, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("auth setup")
	}

	limits := rooms.Limits{MinSize: cfg.Rooms.MinSize, MaxSize: cfg.Rooms.MaxSize}
	db, reg, err := openStore(ctx, cfg, func(s core.RoomStore) *rooms.Registry { return rooms.NewRegistry(s, limits) })
	if err != nil {
		log.Fatal().Err(err).Msg("store setup")
	}

	relays := sfu.NewRelayManager()
	mediaOrch, err := media.New(cfg.Media, relays)
	if err != nil {
		log.Fatal().Err(err).Msg("media setup")
	}
	factory, err := rtc.NewFactory(cfg.Media)
	if err != nil {
		log.Fatal().Err(err).Msg("rtc setup")
	}
	sessions := presence.NewManager(nil)

	o := orch.New(reg, mediaOrch, sessions, db, relays)
	o.Connect = factory.Open

	ctl := signaling.NewController(o, verifier, cfg)
	ctl.SetOfferInspector(factory.InspectOffer)

	sched := maintenance.New(nil)
	for _, t := range maintenance.DefaultTasks(cfg, maintenance.Deps{
		Sessions:  sessions,
		OnExpired: ctl.DropExpired,
		Store:     db,
		Archive:   db,
		Media:     mediaOrch,
		Cleaners:  []func(time.Time) int{reg.PurgeExpiredInvites, ctl.Limiter().Purge},
	}) {
		if err := sched.Add(t); err != nil {
			log.Fatal().Err(err).Str("task", t.Name).Msg("scheduler setup")
		}
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler start")
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{Orch: o, Signal: ctl, Auth: verifier})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Int("workers", cfg.Media.Workers).Msg("Hearth server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sched.Stop()
	ctl.Shutdown()
	mediaOrch.Close()
	log.Info().Int("sessions", sessions.CloseAll()).Msg("sessions closed")
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
	log.Info().Msg("Server exited gracefully")
}
