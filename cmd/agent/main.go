package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PratikDhanave/agent-gateway/internal/agent"
	"github.com/PratikDhanave/agent-gateway/internal/config"
	"github.com/PratikDhanave/agent-gateway/internal/httpserver"
	"github.com/PratikDhanave/agent-gateway/internal/llm"
	"github.com/PratikDhanave/agent-gateway/internal/logging"
	"github.com/PratikDhanave/agent-gateway/internal/transcript"
)

// main boots the agent service that answers POST /agent/invoke.
func main() {
	if err := run(); err != nil {
		slog.Error("agent service stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags := config.AgentFlags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg, err := config.LoadAgent(flags)
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

	model := llm.NewOpenAI(cfg.OpenAIKey,
		llm.WithBaseURL(cfg.OpenAIBaseURL),
		llm.WithModel(cfg.OpenAIModel),
		llm.WithTimeout(cfg.LLMTimeout),
		llm.WithSystemPrompt(cfg.SystemPrompt),
	)
	reg := agent.NewRegistry(map[string]agent.Handler{
		agent.EngineerName: agent.NewEngineer(agent.EngineerName, store, model, logger),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpserver.NewAgentRouter(reg, cfg.APIKeys, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent service listening", "addr", cfg.ListenAddr, "model", model.Model(), "agents", reg.Names())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
