package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"VoiceDesk/internal/agent"
	"VoiceDesk/internal/backend"
	"VoiceDesk/internal/config"
	"VoiceDesk/internal/issues"
	"VoiceDesk/internal/mcp"
	"VoiceDesk/internal/server"
	"VoiceDesk/internal/session"
	"VoiceDesk/internal/speech"
	"VoiceDesk/internal/telemetry"
	"VoiceDesk/internal/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		listenAddr string
		dbPath     string
		debug      bool
		mcpRemote  string
	)
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&listenAddr, "listen", "", "Listen address (overrides config, e.g. :8080)")
	flag.StringVar(&dbPath, "db", "", "Path to SQLite issue database (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.StringVar(&mcpRemote, "mcp-remote", "", "Comma-separated URLs to remote MCP tool servers")
	flag.Parse()

	cfg := config.Default()
	if path, err := config.FindConfig(configPath); err == nil {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	} else if configPath != "" {
		return err
	}

	// Flags override file settings.
	if listenAddr != "" {
		cfg.Listen.Address = listenAddr
		cfg.Listen.Port = 0
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if mcpRemote != "" {
		cfg.MCP.Enabled = true
		cfg.MCP.RemoteServers = strings.Split(mcpRemote, ",")
	}
	if cfg.Groq.APIKey == "" {
		cfg.Groq.APIKey = os.Getenv("GROQ_API_KEY")
	}

	logger, err := telemetry.InitLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer cleanup()

	issueStore, err := issues.NewStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open issue store: %w", err)
	}
	defer issueStore.Close()

	registry := tools.NewRegistry(logger)
	tools.RegisterSupportTools(registry, issueStore)

	if cfg.MCP.Enabled {
		for i, url := range cfg.MCP.RemoteServers {
			name := fmt.Sprintf("remote-%d", i)
			client, err := mcp.Connect(name, strings.TrimSpace(url), logger)
			if err != nil {
				logger.Error("MCP server unreachable", "url", url, "error", err)
				continue
			}
			defer client.Close()
			if err := mcp.RegisterRemoteTools(ctx, registry, client); err != nil {
				logger.Error("MCP tool registration failed", "url", url, "error", err)
			}
		}
	}

	groq, err := backend.NewClient(backend.Options{
		APIKey:  cfg.Groq.APIKey,
		BaseURL: cfg.Groq.BaseURL,
		Model:   cfg.Groq.Model,
		Logger:  logger,
		Tracer:  tracer,
		Meter:   meter,
	})
	if err != nil {
		return fmt.Errorf("init groq client: %w", err)
	}

	transcriber, err := speech.NewWhisperClient(speech.WhisperOptions{
		APIKey:  cfg.Groq.APIKey,
		BaseURL: cfg.Speech.TranscribeURL,
		Model:   cfg.Speech.TranscribeModel,
		Logger:  logger,
		Tracer:  tracer,
	})
	if err != nil {
		return fmt.Errorf("init transcriber: %w", err)
	}

	synthesizer := speech.NewTranslateClient(speech.TranslateOptions{
		BaseURL:  cfg.Speech.SynthesizeURL,
		Language: cfg.Speech.Language,
		Logger:   logger,
		Tracer:   tracer,
	})

	loop := agent.New(groq, registry, agent.Options{
		MaxCycles: cfg.Agent.MaxCycles,
		Deadline:  time.Duration(cfg.Agent.DeadlineSeconds) * time.Second,
		Logger:    logger,
		Tracer:    tracer,
	})

	srv, err := server.New(server.Options{
		Sessions:    session.NewMemoryStore(cfg.MaxSessions),
		Loop:        loop,
		Transcriber: transcriber,
		Synthesizer: synthesizer,
		Model:       groq.Model(),
		Logger:      logger,
		Tracer:      tracer,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := cfg.Listen.Address
	if cfg.Listen.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	}
	logger.Info("starting", "addr", addr, "model", groq.Model(), "tools", len(registry.Schemas()))

	if err := srv.Run(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
