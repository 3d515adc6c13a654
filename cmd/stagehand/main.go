// Command stagehand is the live-event assistance worker. It consumes
// transcript chunks from the change stream, drives the Cards and Facts agent
// sessions per event, and serves the control-plane HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/stagehand-live/stagehand/internal/api"
	"github.com/stagehand-live/stagehand/internal/config"
	"github.com/stagehand-live/stagehand/internal/embed"
	"github.com/stagehand-live/stagehand/internal/health"
	"github.com/stagehand-live/stagehand/internal/ingest"
	"github.com/stagehand-live/stagehand/internal/observe"
	"github.com/stagehand-live/stagehand/internal/orchestrator"
	"github.com/stagehand-live/stagehand/internal/resilience"
	"github.com/stagehand-live/stagehand/internal/runtime"
	"github.com/stagehand-live/stagehand/internal/session"
	"github.com/stagehand-live/stagehand/internal/status"
	rtopenai "github.com/stagehand-live/stagehand/pkg/provider/realtime/openai"
	sgstore "github.com/stagehand-live/stagehand/pkg/store"
	"github.com/stagehand-live/stagehand/pkg/store/postgres"
)

const shutdownTimeout = 15 * time.Second

// Agent system prompts. These seed the instructions section of the token
// budget; operators tune the numbers around them via config, not the text.
const (
	cardsInstructions = `You assist a live event in real time. For each transcript update,
produce concise assistance cards the presenter can glance at. Respond with a
single JSON object containing a "cards" array.`

	factsInstructions = `You maintain a compact fact sheet for a live event. From the
transcript so far, extract stable facts as key/value pairs with a confidence
in [0,1]. Respond with a single JSON object containing a "facts" array.`
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: environment only)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "stagehand: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "stagehand: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("stagehand starting",
		"config", *configPath,
		"worker_port", cfg.Server.WorkerPort,
		"log_level", cfg.Server.LogLevel,
		"cards_model", cfg.Models.Cards,
		"facts_model", cfg.Models.ContextGen,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "stagehand",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	store, err := postgres.NewStore(ctx, cfg.Supabase.URL)
	if err != nil {
		slog.Error("failed to connect to database", "err", err)
		return 1
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "err", err)
		return 1
	}
	slog.Info("database ready")

	stream := postgres.NewChangeStream(store.Pool())

	// ── Sessions ──────────────────────────────────────────────────────────────
	provider := rtopenai.New(cfg.OpenAI.APIKey)
	sessions := session.NewManager(provider, store.Sessions(), logger)

	// ── Cards fallback (optional) ─────────────────────────────────────────────
	var fallback runtime.CardsFallback
	if len(cfg.Models.CardsFallback) > 0 {
		gen, err := resilience.NewCardsGenerator(cfg.OpenAI.APIKey, resilience.CardsGeneratorConfig{
			Model:          cfg.Models.CardsFallback[0],
			FallbackModels: cfg.Models.CardsFallback[1:],
			Logger:         logger,
		})
		if err != nil {
			slog.Error("failed to create cards fallback", "err", err)
			return 1
		}
		fallback = gen
		slog.Info("cards fallback enabled", "models", cfg.Models.CardsFallback)
	}

	// ── Glossary embedder ─────────────────────────────────────────────────────
	embedder, err := embed.NewClient(cfg.OpenAI.APIKey, embed.ClientConfig{
		Model: cfg.Models.Embed,
	})
	if err != nil {
		slog.Error("failed to create glossary embedder", "err", err)
		return 1
	}

	// ── Orchestrator ──────────────────────────────────────────────────────────
	orch := orchestrator.New(orchestrator.Config{
		Runtime: runtime.Config{
			TokenBudget:     cfg.Runtime.TokenBudget,
			FactsDebounce:   cfg.Runtime.FactsDebounce,
			RecentTextChars: cfg.Runtime.RecentTextChars,
			RingCapacity:    cfg.Runtime.RingCapacity,
			RingWindow:      cfg.Runtime.RingWindow,
			MaxFacts:        cfg.Runtime.MaxFacts,
		},
		Session: session.CreateConfig{
			ConnectTimeout:         cfg.Session.ConnectTimeout,
			SendTimeout:            cfg.Session.SendTimeout,
			PingInterval:           cfg.Session.PingInterval,
			MaxMissedPongs:         cfg.Session.MaxMissedPongs,
			Backoff:                cfg.Session.Backoff,
			MaxBackoff:             cfg.Session.MaxBackoff,
			MaxConsecutiveFailures: cfg.Session.MaxConsecutiveFailures,
		},
		CardsModel:        cfg.Models.Cards,
		FactsModel:        cfg.Models.ContextGen,
		CardsInstructions: cardsInstructions,
		FactsInstructions: factsInstructions,
		QueueCapacity:     cfg.Runtime.QueueCapacity,
		Logger:            logger,
	}, orchestrator.Deps{
		Checkpoints: store.Checkpoints(),
		Transcripts: store.Transcripts(),
		// Guards make fact and glossary persistence non-fatal; a flaky
		// backend degrades recovery and prompt richness, not the live event.
		Glossary:    sgstore.NewGlossaryGuard(store.Glossary()),
		Facts:       sgstore.NewFactGuard(store.Facts()),
		Outputs:     store.Outputs(),
		Records:     store.Sessions(),
		Stream:      stream,
		Sessions:    sessions,
		Fallback:    fallback,
		Embedder:    embedder,
		Metrics:     metrics,
	})

	// Recover events that were active before the last restart.
	if err := orch.Recover(ctx); err != nil {
		slog.Error("recovery failed", "err", err)
		return 1
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Run(ctx)
	}()

	// ── Status emitter ────────────────────────────────────────────────────────
	emitter := status.New(status.Config{
		Endpoint: cfg.Status.SSEEndpoint,
		Interval: cfg.Status.Interval,
		Logger:   logger,
	}, orch)
	orch.SetStatusNotifier(emitter.Notify)
	go func() {
		if err := emitter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("status emitter error", "err", err)
		}
	}()

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(
		health.Database(store.Pool()),
		health.Orchestrator(orch),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	api.NewEventsHandler(orch, logger).Register(mux)

	if cfg.Ingest.ForwardEndpoint != "" {
		forwarder, err := ingest.NewHTTPForwarder(ingest.HTTPForwarderConfig{
			Endpoint: cfg.Ingest.ForwardEndpoint,
			Logger:   logger,
		})
		if err != nil {
			slog.Error("failed to create audio forwarder", "err", err)
			return 1
		}
		mux.Handle("/audio/stream", ingest.NewHandler(forwarder, logger))
		slog.Info("audio ingest enabled", "forward_endpoint", cfg.Ingest.ForwardEndpoint)
	} else {
		slog.Info("audio ingest disabled, no forward endpoint configured")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.WorkerPort),
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	slog.Info("worker ready")

	// ── Wait for shutdown ─────────────────────────────────────────────────────
	exit := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		exit = 1
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("orchestrator error", "err", err)
			exit = 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown error", "err", err)
		exit = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return exit
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
