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

	"github.com/PratikDhanave/agent-gateway/internal/auth"
	"github.com/PratikDhanave/agent-gateway/internal/clock"
	"github.com/PratikDhanave/agent-gateway/internal/config"
	"github.com/PratikDhanave/agent-gateway/internal/deadletter"
	"github.com/PratikDhanave/agent-gateway/internal/dispatch"
	"github.com/PratikDhanave/agent-gateway/internal/eventcache"
	"github.com/PratikDhanave/agent-gateway/internal/forwarder"
	"github.com/PratikDhanave/agent-gateway/internal/gateway"
	"github.com/PratikDhanave/agent-gateway/internal/httpserver"
	"github.com/PratikDhanave/agent-gateway/internal/logging"
	"github.com/PratikDhanave/agent-gateway/internal/normalizer"
	"github.com/PratikDhanave/agent-gateway/internal/responder"
	"github.com/PratikDhanave/agent-gateway/internal/slack"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
	"github.com/PratikDhanave/agent-gateway/internal/users"
)

const (
	breakerCooldown = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// main boots the gateway: config → stores → collaborators → HTTP server,
// then drains background work on SIGINT/SIGTERM.
func main() {
	if err := run(); err != nil {
		slog.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.GatewayFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	logger := logging.Init(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := transcript.Open(ctx, cfg.Transcript.Backend, cfg.Transcript.Dir, cfg.Transcript.DBURL)
	if err != nil {
		return err
	}
	defer store.Close()

	sc := slack.New(cfg.BotToken, slack.WithBaseURL(cfg.SlackAPIURL))
	botUserID := cfg.BotUserID
	if botUserID == "" {
		botUserID = discoverBotUser(ctx, sc, logger)
	}

	cached, err := users.NewCache(users.NewLogging(sc, logger), cfg.UserCacheSize)
	if err != nil {
		return fmt.Errorf("user cache: %w", err)
	}

	sink, err := openDeadLetters(cfg, logger)
	if err != nil {
		return err
	}
	defer sink.Close()

	pool := dispatch.NewPool(logger, dispatch.WithWorkers(cfg.Workers), dispatch.WithQueueSize(cfg.QueueSize))
	clk := clock.Real()

	gw := gateway.New(gateway.Deps{
		Cache:      eventcache.New(cfg.DedupTTL, clk),
		Normalizer: normalizer.New(cached, normalizer.WithClock(clk)),
		Forwarder: forwarder.New(cfg.AgentBackendURL,
			forwarder.WithTimeout(cfg.ForwardTimeout),
			forwarder.WithAPIKey(cfg.AgentAPIKey),
			forwarder.WithLogger(logger),
			forwarder.WithBreaker(cfg.ForwardBreakerFailures, breakerCooldown),
		),
		Responder:   responder.New(sc, logger),
		Transcripts: store,
		Users:       cached,
		Executor:    pool,
		DeadLetters: sink,
		Clock:       clk,
		Logger:      logger,
		BotUserID:   botUserID,
	})

	router := httpserver.NewRouter(httpserver.GatewayDeps{
		Verifier:    auth.NewVerifier(cfg.SigningSecret, clk, logger),
		Gateway:     gw,
		Transcripts: store,
		AdminKeys:   cfg.AdminKeys,
		Logger:      logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "agent_backend", cfg.AgentBackendURL, "transcripts", cfg.Transcript.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// acknowledged events still owe their background phase
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Error("background drain incomplete", "error", err)
	}
	return nil
}

// discoverBotUser asks the platform who the bot is. Without an id the
// mention-collision gate stays off.
func discoverBotUser(ctx context.Context, sc *slack.Client, logger *slog.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	id, err := sc.AuthTest(ctx)
	if err != nil {
		logger.Warn("bot identity lookup failed, mention-collision gate disabled", "error", err)
		return ""
	}
	logger.Info("bot identity resolved", "bot_user_id", id)
	return id
}

func openDeadLetters(cfg config.Config, logger *slog.Logger) (deadletter.Sink, error) {
	if cfg.DeadLetterAMQPURL == "" {
		return deadletter.NewLogSink(logger), nil
	}
	sink, err := deadletter.NewAMQPSink(cfg.DeadLetterAMQPURL, cfg.DeadLetterExchange, logger)
	if err != nil {
		return nil, fmt.Errorf("dead letter sink: %w", err)
	}
	logger.Info("dead letters published to amqp", "exchange", cfg.DeadLetterExchange)
	return sink, nil
}
