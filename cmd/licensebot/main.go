package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guildlicense-bot/internal/config"
	"guildlicense-bot/internal/httpapi"
	"guildlicense-bot/internal/license"
	"guildlicense-bot/internal/logger"
	"guildlicense-bot/internal/metrics"
	"guildlicense-bot/internal/notify"
	"guildlicense-bot/internal/store"
	"guildlicense-bot/internal/telegram"
)

func main() {
	configPath := flag.String("config", os.Getenv("LICENSEBOT_CONFIG_PATH"), "Path to the YAML config (or env LICENSEBOT_CONFIG_PATH)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("licensebot stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(reg)

	sinks := notify.Multi{notify.NewLogSink(zl), mtr}
	var tg *tgbotapi.BotAPI
	if cfg.Telegram.Token != "" {
		tg, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		if cfg.Telegram.LogChatID != 0 {
			sinks = append(sinks, telegram.NewNotifier(tg, cfg.Telegram.LogChatID, zl))
		}
	}
	events := notify.NewAsync(sinks, 256, zl)
	defer events.Close()

	mgr := license.NewManager(st, cfg.ManagerConfig(),
		license.WithNotifier(events),
		license.WithRefreshHook(mtr.ObserveSnapshot),
	)
	if err := mgr.Refresh(ctx); err != nil {
		return fmt.Errorf("initial cache load: %w", err)
	}
	zl.Info("license cache loaded",
		zap.Int("licenses", len(mgr.Snapshot().Licenses())),
		zap.Int("tenants", len(mgr.Snapshot().Tenants())))

	sweeper := license.NewSweeper(mgr, cfg.License.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	api := httpapi.New(mgr, zl.Named("http"), reg, mtr)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if tg != nil {
		bot := telegram.NewBot(tg, cfg.Telegram.OwnerID, mgr, zl)
		g.Go(func() error {
			zl.Info("telegram bot running", zap.String("username", tg.Self.UserName))
			return bot.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return store.OpenPostgres(openCtx, cfg.PostgresURL)
	default:
		return store.OpenBBolt(cfg.Path, cfg.Timeout)
	}
}
