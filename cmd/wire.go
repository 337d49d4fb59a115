package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/canvasmate/internal/ai"
	"github.com/canvasmate/internal/api"
	"github.com/canvasmate/internal/broadcast"
	"github.com/canvasmate/internal/config"
	"github.com/canvasmate/internal/drawing"
	"github.com/canvasmate/internal/llm"
	"github.com/canvasmate/internal/logging"
	"github.com/canvasmate/internal/pipeline"
	"github.com/canvasmate/internal/scene"
	"github.com/canvasmate/internal/store"
)

// App holds the wired components of one process.
type App struct {
	Config       *config.Config
	Store        store.Store
	Hub          *broadcast.Hub
	Orchestrator *pipeline.Orchestrator
	Model        *ai.Connector
	Drawing      *drawing.Client
	Chat         *drawing.ChatService
}

// Build wires every component from cfg. The model and the drawing backend
// are optional: without them the matching endpoints report unavailable.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)

	s, err := store.Open(ctx, store.Options{
		Backend:       cfg.Store.Backend,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		PostgresDSN:   cfg.Store.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	log.Info().Str("backend", cfg.Store.Backend).Str("consistency", cfg.Store.Consistency).Msg("Scene store ready")

	app := &App{
		Config: cfg,
		Store:  s,
		Hub: broadcast.NewHub(broadcast.Options{
			SendBuffer:   cfg.Broadcast.SendBuffer,
			WriteTimeout: cfg.Broadcast.WriteTimeout,
		}),
	}

	var model pipeline.VisionModel
	if cfg.AI.APIKey != "" || ai.Provider(cfg.AI.Provider) == ai.ProviderOllama {
		app.Model, err = ai.NewConnector(ctx, ai.ConnectorOptions{
			Provider: ai.Provider(cfg.AI.Provider),
			APIKey:   cfg.AI.APIKey,
			BaseURL:  cfg.AI.BaseURL,
			ModelConfig: ai.ModelConfig{
				Temperature: cfg.AI.Temperature,
				MaxTokens:   cfg.AI.MaxTokens,
				Model:       cfg.AI.Model,
			},
			RequestsPerMinute: cfg.AI.RequestsPerMinute,
			Burst:             cfg.AI.Burst,
		})
		if err != nil {
			app.Close()
			return nil, err
		}
		model = app.Model
	} else {
		log.Warn().Str("provider", cfg.AI.Provider).Msg("No API key configured, /analyze and /chat are disabled")
	}

	if cfg.Drawing.Enabled {
		app.Drawing, err = drawing.Dial(ctx, cfg.Drawing.MCPURL, cfg.Drawing.Timeout)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.Drawing.MCPURL).Msg("Drawing backend unavailable, continuing without it")
		} else if app.Model != nil {
			app.Chat = drawing.NewChatService(app.Model, app.Drawing)
		}
	}

	scenes := scene.NewManager(s, nil, scene.Options{
		TTL:                cfg.Store.SceneTTL,
		Consistency:        scene.Consistency(cfg.Store.Consistency),
		MaxConflictRetries: cfg.Store.MaxConflictRetries,
	})
	app.Orchestrator = pipeline.New(
		llm.Interpreter{RepairJSON: cfg.AI.RepairJSON},
		scenes,
		app.Hub,
		model,
		pipeline.Options{
			TurnLogDir: cfg.Logging.TurnLogDir,
			CaptureDir: cfg.Logging.CaptureDir,
		},
	)
	return app, nil
}

// Server builds the HTTP surface over the app.
func (a *App) Server() *api.Server {
	deps := api.Deps{
		Orchestrator:   a.Orchestrator,
		Hub:            a.Hub,
		DefaultBoardID: a.Config.Board.DefaultID,
	}
	if a.Chat != nil {
		deps.Chat = a.Chat
	}
	if a.Drawing != nil {
		deps.Drawing = a.Drawing
	}
	return api.NewServer(deps, api.Options{
		Port:         a.Config.Server.Port,
		BodyLimit:    a.Config.Server.BodyLimit,
		AllowOrigins: a.Config.Server.AllowOrigins,
	})
}

// Close releases every component that holds a connection.
func (a *App) Close() {
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Drawing != nil {
		if err := a.Drawing.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close drawing backend")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
}

func loadApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return Build(ctx, cfg)
}
