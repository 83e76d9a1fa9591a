package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"livecast/internal/applog"
	"livecast/internal/broadcast"
	"livecast/internal/config"
	httpapi "livecast/internal/http"
	"livecast/internal/scheduler"
	"livecast/internal/sender"
	"livecast/internal/storage"
	"livecast/internal/wa"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := applog.Init(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := sender.NewFetcher()
	dialer, err := wa.NewWhatsmeowDialer(ctx, cfg.DBDSN, logger, fetcher.Fetch)
	if err != nil {
		logger.Fatal("open whatsmeow store", zap.Error(err))
	}
	manager := wa.NewManager(dialer, store, wa.Options{
		WatchdogTimeout: cfg.WhatsApp.WatchdogTimeout,
		BackoffBase:     cfg.WhatsApp.BackoffBase,
		BackoffMax:      cfg.WhatsApp.BackoffMax,
		BackoffJitter:   cfg.WhatsApp.BackoffJitter,
	}, logger)
	if cfg.WhatsApp.RestoreOnStart {
		if _, err := manager.Restore(ctx); err != nil {
			logger.Error("restore sessions", zap.Error(err))
		}
	}

	resolver := sender.NewResolver(store, manager, cfg.ZAPI.BaseURL, cfg.ZAPI.RequestsPerSecond, logger)
	engine := broadcast.NewEngine(store, store, resolver, store, broadcast.Options{
		Tick:        cfg.Broadcast.CountdownTick,
		SendTimeout: cfg.Broadcast.SendTimeout,
	}, logger)
	runner := broadcast.NewRunner(ctx, engine, logger)

	var resumer *scheduler.Resumer
	if cfg.Broadcast.ResumeSchedule != "" {
		resumer, err = scheduler.NewResumer(store, runner, cfg.Broadcast.ResumeSchedule, cfg.Broadcast.ResumePending, logger)
		if err != nil {
			logger.Fatal("job resumer", zap.Error(err))
		}
		if _, err := resumer.RunOnce(ctx); err != nil {
			logger.Error("initial resume pass", zap.Error(err))
		}
		resumer.Start()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Sessions:   manager,
		Jobs:       store,
		Logs:       store,
		Runner:     runner,
		Transports: resolver,
		AdhocDelay: cfg.Broadcast.AdhocDelay,
		Log:        logger,
	})
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if resumer != nil {
		<-resumer.Stop().Done()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	runner.Wait()
	manager.Shutdown(shutdownCtx)
}
