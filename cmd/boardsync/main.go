package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/boardsync/internal/api/ws"
	"github.com/gosuda/boardsync/internal/backend"
	"github.com/gosuda/boardsync/internal/canvas"
	"github.com/gosuda/boardsync/internal/config"
	"github.com/gosuda/boardsync/internal/domain"
	"github.com/gosuda/boardsync/internal/notify"
	"github.com/gosuda/boardsync/internal/persist"
	"github.com/gosuda/boardsync/internal/policy"
	"github.com/gosuda/boardsync/internal/server"
	"github.com/gosuda/boardsync/internal/store/memory"
	"github.com/gosuda/boardsync/internal/store/postgres"
	redisstore "github.com/gosuda/boardsync/internal/store/redis"
	"github.com/gosuda/boardsync/internal/store/sqlite"
	"github.com/gosuda/boardsync/internal/update"
	"github.com/gosuda/boardsync/internal/whiteboard"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	pairs := domain.DefaultPairs(cfg.Sync.Pairs)
	boards := domain.AllBoards(pairs)

	mode, err := policy.ParseMode(cfg.Sync.DefaultMode)
	if err != nil {
		return fmt.Errorf("sync default mode: %w", err)
	}
	pol := policy.New(pairs, stores.settings, policy.WithDefaultMode(mode))
	if err := pol.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("could not load pair settings, using defaults")
	}

	sinks := notify.NewRegistry()
	if stores.pubsub != nil {
		sinks.Register("redis", notify.NewChannelSink(stores.pubsub, redisstore.NoticeChannel()))
	}
	sinks.Register("log", notify.LogSink{})

	co := whiteboard.New(backend.New(stores.states, stores.feed, boards), pol, notify.New(sinks), whiteboard.Options{
		Update: update.Options{MinSpacing: cfg.Sync.MinSpacing},
		Persist: persist.Options{
			Debounce:   cfg.Sync.SaveDebounce,
			RetryBase:  cfg.Sync.RetryBase,
			MaxRetries: cfg.Sync.RetryMax,
		},
	})

	for _, board := range boards {
		if err := co.Mount(ctx, board, canvas.NewMemory()); err != nil {
			return fmt.Errorf("mount %s: %w", board, err)
		}
	}

	hub := ws.NewHub(stores.feed, pairs, co)
	if stores.pubsub != nil {
		hub = hub.WithNotices(stores.pubsub, redisstore.NoticeChannel())
	}

	srv := server.New(ctx, cfg, co, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Int("pairs", len(pairs)).Msg("starting server")
		return srv.Start(gctx)
	})
	if stores.pubsub != nil {
		for _, p := range pairs {
			g.Go(func() error {
				relayActivity(gctx, co, stores.pubsub, p.ID)
				return nil
			})
		}
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			return shutdownErr
		}
		return co.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

type storeSet struct {
	states   domain.StateRepository
	settings domain.SettingsStore
	feed     domain.Feed
	pubsub   *redisstore.PubSub
	closers  []func()
}

func (s *storeSet) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*storeSet, error) {
	s := &storeSet{}
	var fromStore domain.SettingsStore

	switch cfg.Store.Kind {
	case config.BackendPostgres:
		if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
			return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
		}
		pg, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			s.close()
			return nil, err
		}
		s.states, fromStore = pg.States(), pg.Settings()
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = db.Close() })
		s.states, fromStore = db, db
	default:
		s.states, fromStore = memory.NewStateRepo(), memory.NewSettings()
	}
	log.Info().Str("store", cfg.Store.Kind).Str("feed", cfg.Store.Feed).Str("settings", cfg.Store.Settings).Msg("stores selected")

	if cfg.NeedsRedis() {
		ps, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			s.close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = ps.Close() })
		s.pubsub = ps
	}

	if cfg.Store.Feed == config.BackendRedis {
		s.feed = redisstore.NewFeed(s.pubsub)
	} else {
		s.feed = memory.NewFeed()
	}

	if cfg.Store.Settings == config.BackendRedis {
		s.settings = redisstore.NewSettings(s.pubsub)
	} else {
		s.settings = fromStore
	}
	return s, nil
}

// relayActivity mirrors a pair's activity onto its redis channel for other replicas.
func relayActivity(ctx context.Context, co *whiteboard.Coordinator, ps *redisstore.PubSub, pair domain.PairID) {
	events, stop := co.Activity(ctx, pair)
	defer stop()

	channel := redisstore.ActivityChannel(pair)
	for a := range events {
		payload, err := json.Marshal(a)
		if err != nil {
			continue
		}
		if err := ps.Publish(ctx, channel, payload); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("pair", string(pair)).Msg("activity relay: publish failed")
		}
	}
}
