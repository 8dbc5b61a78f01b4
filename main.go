package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"mediabot/internal/admission"
	"mediabot/internal/alert"
	"mediabot/internal/api"
	"mediabot/internal/auth"
	"mediabot/internal/clock"
	"mediabot/internal/config"
	"mediabot/internal/ledger"
	"mediabot/internal/pipeline"
	"mediabot/internal/redis"
	"mediabot/internal/scheduler"
	"mediabot/internal/storage"
	"mediabot/internal/telegram"
	"mediabot/internal/workdir"
)

const tokenPurgeInterval = time.Hour

func main() {
	cfgPath := pflag.String("config", os.Getenv("MEDIABOT_CONFIG"), "path to the config file (.json or .yaml)")
	checkOnly := pflag.Bool("check-tools", false, "verify yt-dlp, ffmpeg and ffprobe are usable, then exit")
	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *checkOnly); err != nil {
		logger.Error("mediabot stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, checkOnly bool) error {
	runner := pipeline.NewExecRunner(logger.With("component", "runner"), cfg.Timeouts.KillGrace.Std())
	probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := pipeline.CheckTools(probeCtx, runner, map[string][]string{
		cfg.Tools.YtDlp:   {"--version"},
		cfg.Tools.FFmpeg:  {"-version"},
		cfg.Tools.FFprobe: {"-version"},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("missing dependencies: %w", err)
	}
	if checkOnly {
		logger.Info("all tools found")
		return nil
	}

	transport, err := telegram.Dial(cfg.Telegram, logger.With("component", "telegram"))
	if err != nil {
		return err
	}
	alerts := alert.New(logger.With("component", "alert"), transport, cfg.Telegram.OperatorChatID)

	logger.Info("opening ledger", "driver", cfg.Database)
	db, err := storage.Open(cfg.Database, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, cfg.Database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	sqlLedger, err := ledger.NewSQL(db, cfg.Database)
	if err != nil {
		return err
	}
	jobLedger := ledger.NewResilient(sqlLedger, 3, 200*time.Millisecond, alerts.LedgerWriteFailed)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
	}

	dirs, err := workdir.NewManager(cfg.Storage.WorkRoot, logger.With("component", "workdir"))
	if err != nil {
		return err
	}
	ctrl := admission.New(admission.Deps{
		Limits:   admission.LimitsFromConfig(cfg),
		Ledger:   jobLedger,
		WorkDirs: dirs,
		Alerts:   alerts,
		Logger:   logger.With("component", "admission"),
	})

	clk := clock.Real()
	pipeLogger := logger.With("component", "pipeline")
	pipe := &pipeline.Pipeline{
		Fetcher: &pipeline.Fetcher{
			Runner: runner,
			Binary: cfg.Tools.YtDlp,
			Retry: pipeline.RetryPolicy{
				Attempts:  cfg.Retry.Attempts,
				BaseDelay: cfg.Retry.BaseDelay.Std(),
				MaxDelay:  cfg.Retry.MaxDelay.Std(),
				Factor:    cfg.Retry.Factor,
			},
			Clock:  clk,
			Logger: pipeLogger,
		},
		Converter: &pipeline.Converter{Runner: runner, FFmpeg: cfg.Tools.FFmpeg, Logger: pipeLogger},
		Splitter: &pipeline.Splitter{
			Runner:  runner,
			FFmpeg:  cfg.Tools.FFmpeg,
			FFprobe: cfg.Tools.FFprobe,
			Logger:  pipeLogger,
		},
		Deliverer: &pipeline.Deliverer{
			Transport:  transport,
			RetryDelay: cfg.Retry.BaseDelay.Std(),
			Clock:      clk,
			Logger:     pipeLogger,
		},
		Space: ctrl,
		Timeouts: pipeline.Timeouts{
			Retrieve: cfg.Timeouts.Retrieve.Std(),
			Convert:  cfg.Timeouts.Convert.Std(),
			Split:    cfg.Timeouts.Split.Std(),
			Upload:   cfg.Timeouts.Upload.Std(),
		},
		Logger: pipeLogger,
	}

	sched := scheduler.New(scheduler.Deps{
		Config:    cfg.Scheduler,
		Admission: ctrl,
		Ledger:    jobLedger,
		Pipeline:  pipe,
		WorkDirs:  dirs,
		Chat:      transport,
		Redis:     rdb,
		Clock:     clk,
		Logger:    logger.With("component", "scheduler"),
	})
	if _, err := sched.Recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sched.StartSweeper(gctx, cfg.Storage.SweepInterval.Std())
	if err := sched.ListenForCancels(gctx); err != nil {
		return fmt.Errorf("subscribe to cancels: %w", err)
	}

	bot := telegram.NewBot(sched, transport, cfg.Telegram.PollTimeout.Std(), logger.With("component", "bot"))
	g.Go(func() error {
		return bot.Run(gctx, transport.Bot())
	})

	if cfg.API.Enabled {
		authService, err := auth.NewService(db, cfg.Database, rdb, cfg.API.TokenTTL.Std(), cfg.API.BootstrapToken)
		if err != nil {
			return err
		}
		handlers := api.NewHandler(sched, authService, logger.With("component", "api"))
		defer handlers.Close()

		router := gin.New()
		router.Use(gin.Recovery())
		handlers.RegisterRoutes(router)
		srv := &http.Server{Addr: cfg.ServerAddress, Handler: router}

		g.Go(func() error {
			logger.Info("http api listening", "addr", cfg.ServerAddress)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			ticker := time.NewTicker(tokenPurgeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if n, err := authService.PurgeExpired(gctx); err != nil {
						logger.Warn("purge expired tokens failed", "error", err)
					} else if n > 0 {
						logger.Info("purged expired tokens", "count", n)
					}
				}
			}
		})
	}

	err = g.Wait()
	logger.Info("shutting down scheduler")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.KillGrace.Std()+30*time.Second)
	defer cancel()
	if serr := sched.Shutdown(shutdownCtx); serr != nil {
		logger.Error("scheduler shutdown incomplete", "error", serr)
	}
	return err
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
