package main

import (
	"fmt"

	"github.com/codefionn/bizpilot/internal/budget"
	"github.com/codefionn/bizpilot/internal/config"
	"github.com/codefionn/bizpilot/internal/consts"
	"github.com/codefionn/bizpilot/internal/crm"
	"github.com/codefionn/bizpilot/internal/llm"
	"github.com/codefionn/bizpilot/internal/logger"
	"github.com/codefionn/bizpilot/internal/orchestrator"
	"github.com/codefionn/bizpilot/internal/tools"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *crm.Store
	registry *tools.Registry
	ctrl     *orchestrator.Controller
}

func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openBackend loads the config, initializes logging and registers the tool
// catalogue over the sqlite store. withModel also builds the upstream client
// and the controller.
func openBackend(withModel bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()

	store, err := crm.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	registry := tools.NewRegistry()
	if err := store.Register(registry); err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: store, registry: registry}
	if !withModel {
		return a, nil
	}

	client, err := llm.NewOpenAIClient(cfg.APIKey(), llm.OpenAIOptions{
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("%w (set OPENAI_API_KEY or BIZPILOT_API_KEY)", err)
	}
	a.ctrl = orchestrator.New(client, registry, orchestrator.Options{
		Limits: limitsFromConfig(cfg),
		Log:    log,
	})
	log.Info("using model %s at %s with db %s", cfg.Model, cfg.BaseURL, cfg.DBPath)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database: %v", err)
	}
	a.cfg.APIKey().Destroy()
	_ = a.log.Close()
}

func limitsFromConfig(cfg *config.Config) budget.Limits {
	return budget.Limits{
		ModelCall:     cfg.ModelCallTimeout(),
		ToolCall:      cfg.ToolCallTimeout(),
		Total:         cfg.TotalBudget(),
		StreamIdle:    cfg.StreamIdleTimeout(),
		MaxModelCalls: consts.MaxModelCalls,
		MaxToolRounds: consts.MaxToolRounds,
	}
}
