package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lingochat/internal/app"
	"lingochat/internal/config"
	"lingochat/internal/ratelimit"
	"lingochat/internal/server"
	"lingochat/internal/usertoken"
	"lingochat/internal/util"
	"lingochat/pkg/push"
	"lingochat/pkg/realtime"
	"lingochat/pkg/storage"
)

const defaultPushExchange = "lingochat.push"

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.TokenSecret,
		Issuer:   cfg.TokenIssuer,
		Audience: cfg.TokenAudience,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	hub := realtime.NewHub()
	var notifier app.Notifier = hub
	var bridge *realtime.Bridge
	if cfg.RedisAddr != "" {
		bridge = realtime.NewBridge(cfg.RedisAddr, cfg.RedisPassword, hub)
		notifier = bridge
	}

	var publisher *push.Publisher
	var pushPublisher app.PushPublisher
	if cfg.AMQPURL != "" {
		exchange := cfg.PushExchange
		if exchange == "" {
			exchange = defaultPushExchange
		}
		publisher, err = push.NewPublisher(cfg.AMQPURL, exchange)
		if err != nil {
			util.Fatal("failed to init push publisher", "err", err)
		}
		pushPublisher = publisher
	}

	var attachments storage.AttachmentStore
	if cfg.MinioEndpoint != "" {
		attachments, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init attachment store", "err", err)
		}
	}

	var sendLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" && cfg.SendRateLimit > 0 {
		window, err := config.ParseSendRateWindow(cfg.SendRateWindow)
		if err != nil {
			util.Fatal("failed to parse send rate window", "err", err)
		}
		sendLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "lingochat:send", cfg.SendRateLimit, window)
		if err != nil {
			util.Fatal("failed to init send limiter", "err", err)
		}
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Notifier:    notifier,
		Push:        pushPublisher,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	httpServer := server.New(server.Config{
		App:           appCore,
		TokenVerifier: verifier,
		Hub:           hub,
		Attachments:   attachments,
		SendLimiter:   sendLimiter,

		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chatd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Close()
		if bridge != nil {
			_ = bridge.Close()
		}
		if publisher != nil {
			_ = publisher.Close()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
