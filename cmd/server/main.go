// Llama-Nexus — an OpenAI-compatible gateway fronting heterogeneous
// inference backends plus MCP tool/RAG orchestration.
//
// This is the main entry point. It resolves the startup plan (CLI flags +
// TOML + env), wires the Backend Registry, Health Watchdog, MCP Client
// Pool, RAG Orchestrator, Memory Store, Tool-Call Loop and HTTP Proxy
// Core together behind the Admin & Data-Plane API, and serves it.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/llamanexus/gateway/internal/api"
	"github.com/llamanexus/gateway/internal/api/handlers"
	"github.com/llamanexus/gateway/internal/config"
	"github.com/llamanexus/gateway/internal/mcp"
	"github.com/llamanexus/gateway/internal/proxy"
	"github.com/llamanexus/gateway/internal/rag"
	"github.com/llamanexus/gateway/internal/registry"
	"github.com/llamanexus/gateway/internal/store"
	"github.com/llamanexus/gateway/internal/telemetry"
	"github.com/llamanexus/gateway/internal/toolloop"
	"github.com/llamanexus/gateway/internal/watchdog"
	"github.com/llamanexus/gateway/pkg/models"
)

// Exit codes per §6: 0 clean shutdown, 2 config error, 1 unexpected crash.
const (
	exitOK          = 0
	exitCrash       = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	plan, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return exitConfigError
	}
	if plan.CLI.PrintVersion {
		fmt.Println("llama-nexus 0.1.0")
		return exitOK
	}

	setupLogging(plan.CLI)

	shutdownTelemetry, err := telemetry.Init(plan.Telemetry)
	if err != nil {
		log.Error().Err(err).Msg("telemetry init failed, continuing without tracing")
		shutdownTelemetry = func(context.Context) error { return nil }
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	for _, b := range plan.Backends {
		if _, err := reg.Register(b.URL, models.Kind(b.Kind), b.APIKey); err != nil {
			log.Error().Err(err).Str("url", b.URL).Msg("failed to pre-register configured backend")
		}
	}

	var wd *watchdog.Watchdog
	if plan.CLI.CheckHealth {
		interval := time.Duration(plan.CLI.CheckHealthSeconds) * time.Second
		wd = watchdog.New(reg, interval)
		go wd.Run(ctx)
	}

	mcpDescriptors := make([]models.MCPServerDescriptor, 0, len(plan.MCP))
	for _, m := range plan.MCP {
		mcpDescriptors = append(mcpDescriptors, models.MCPServerDescriptor{
			Name:              m.Name,
			Transport:         models.MCPTransport(m.Transport),
			URL:               m.URL,
			OAuthURL:          m.OAuthURL,
			OAuthClientID:     m.OAuthClientID,
			OAuthClientSecret: m.OAuthClientSecret,
			Enabled:           m.Enabled,
			Role:              models.MCPRole(m.Role),
			BearerToken:       m.BearerToken,
			APIKeyHeader:      m.APIKeyHeader,
			APIKeyValue:       m.APIKeyValue,
			FallbackMessage:   m.FallbackMessage,
		})
	}
	pool := mcp.NewPool(ctx, mcpDescriptors)
	defer pool.Close()

	var orchestrator *rag.Orchestrator
	if plan.RAG.Enable {
		orchestrator = rag.New(pool, rag.Config{
			Enable:        plan.RAG.Enable,
			Policy:        rag.Policy(plan.RAG.Policy),
			ContextWindow: plan.RAG.ContextWindow,
			Prompt:        plan.RAG.Prompt,
			TopK:          plan.RAG.TopK,
		})
	}

	var memoryStore *store.Store
	if plan.Memory.Enable {
		summarizer := store.NewHTTPSummarizer(plan.Memory.SummaryServiceBaseURL, plan.Memory.SummaryServiceAPIKey)
		memoryStore, err = store.Open(plan.Memory.DatabasePath, store.Config{
			AutoSummarize:      plan.Memory.AutoSummarize,
			Strategy:           store.Strategy(plan.Memory.SummarizationStrategy),
			MaxStoredMessages:  plan.Memory.MaxStoredMessages,
			SummarizeThreshold: plan.Memory.SummarizeThreshold,
		}, summarizer)
		if err != nil {
			log.Error().Err(err).Msg("failed to open memory store")
			return exitConfigError
		}
		defer memoryStore.Close()
	}

	loop := toolloop.New(pool, plan.ToolLoop.MaxTurns)
	proxyCore := proxy.New()

	h := handlers.New(reg, proxyCore, pool, orchestrator, memoryStore, loop, plan.Memory.ContextWindow)
	router := api.NewRouter(h, plan.CLI.WebUIDir)

	httpServer := &http.Server{
		Addr:         plan.BindAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses may run arbitrarily long once started
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", plan.BindAddr).Msg("llama-nexus listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if wd != nil {
			wd.Stop()
		}
		_ = httpServer.Shutdown(shutdownCtx)
		_ = shutdownTelemetry(shutdownCtx)
		return exitOK
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("server crashed")
			return exitCrash
		}
		return exitOK
	}
}

func setupLogging(cli *config.CLI) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch cli.LogDestination {
	case config.LogStdout:
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	case config.LogFile:
		f, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to open log file, falling back to stdout:", err)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
			return
		}
		log.Logger = zerolog.New(f).With().Timestamp().Logger()
	case config.LogBoth:
		f, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "failed to open log file, logging to stdout only:", err)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
			return
		}
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	}
}
