package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizrace/duel-server/internal/api"
	"github.com/quizrace/duel-server/internal/botpool"
	appcfg "github.com/quizrace/duel-server/internal/config"
	"github.com/quizrace/duel-server/internal/duel"
	"github.com/quizrace/duel-server/internal/jobs"
	"github.com/quizrace/duel-server/internal/league"
	"github.com/quizrace/duel-server/internal/matchqueue"
	"github.com/quizrace/duel-server/internal/obslog"
	"github.com/quizrace/duel-server/internal/profile"
	"github.com/quizrace/duel-server/internal/qbank"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("log init error: %v", err)
	}
	logger := obslog.L()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis url parse error", zap.Error(err))
	}
	rdb := redis.NewClient(opt)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal("redis ping error", zap.Error(err))
	}
	pingCancel()

	profiles := profile.NewStore(rdb)
	questions := qbank.NewStore(rdb)
	bots := botpool.NewPool(rdb, cfg.BotPoolMin)

	duels := duel.NewManager(duel.NewStore(rdb), questions, profiles,
		time.Duration(cfg.ReconnectWindowSec)*time.Second)

	var repo *duel.Repository
	if cfg.DatabaseURL != "" {
		repo, err = duel.NewRepository(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("archive repo init error", zap.Error(err))
		}
		duels.AttachArchive(repo)
	} else {
		logger.Warn("DATABASE_URL not set; finished matches will not be archived")
	}

	leagues := league.NewManager(rdb, profiles)
	duels.SetSettleHook(func(ctx context.Context, uid string, earned int) {
		if earned <= 0 {
			return
		}
		if err := leagues.SettleMatchOutcome(ctx, uid, earned); err != nil {
			logger.Warn("league_settle_error", zap.String("uid", uid), zap.Error(err))
		}
	})

	triggers := duel.NewTriggers(duels, questions)
	duels.SetNotifier(triggers.MatchUpdated)

	queue := matchqueue.NewManager(rdb, profiles, bots, duels,
		time.Duration(cfg.BotAfterSec)*time.Second, cfg.EnergyCost)

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bots.EnsureMinimum(warmCtx); err != nil {
		logger.Warn("bot pool warmup error", zap.Error(err))
	}
	warmCancel()

	runner, err := jobs.NewRunner(duels, leagues)
	if err != nil {
		logger.Fatal("jobs init error", zap.Error(err))
	}
	if err := runner.Start(cfg.WeeklyResetDay, cfg.WeeklyResetHourUTC); err != nil {
		logger.Fatal("jobs start error", zap.Error(err))
	}

	srv := api.NewServer(cfg.ListenAddr, queue, duels)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	_ = srv.Shutdown()
	_ = runner.Stop()
	if repo != nil {
		_ = repo.Close()
	}
	_ = rdb.Close()
}
