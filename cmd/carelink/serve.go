package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"carelink/internal/agent"
	"carelink/internal/agent/modules"
	"carelink/internal/bus"
	"carelink/internal/channel"
	"carelink/internal/config"
	"carelink/internal/domain"
	"carelink/internal/outbound"
	"carelink/internal/provider"
	"carelink/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := seedAgentConfigs(ctx, db, cfg); err != nil {
		return fmt.Errorf("seed agent configs: %w", err)
	}

	registry := agent.NewRegistry()
	modules.RegisterAll(registry)
	if cfg.General.PromptDir != "" {
		if err := modules.LoadPromptOverrides(cfg.General.PromptDir); err != nil {
			return fmt.Errorf("prompt overrides: %w", err)
		}
	}

	factory := provider.NewFactory(cfg)
	prov, err := factory.DefaultProvider()
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	logger.Info("provider ready", "name", prov.Name())

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	channels, transports := buildChannels(cfg)
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled")
	}

	dispatcher, err := outbound.NewDispatcher(db, transports, cfg, logger)
	if err != nil {
		return err
	}

	sweeper := outbound.NewSweeper(dispatcher, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	router := agent.NewRouter(prov, registry, cfg.General.DefaultModule, logger)
	engine := agent.NewEngine(logger)
	orchestrator := agent.NewOrchestrator(db, prov, registry, router, engine, dispatcher, cfg, logger)

	for _, ch := range channels {
		go func(c domain.Channel) {
			if err := c.Start(ctx, messageBus); err != nil {
				logger.Error("channel stopped", "channel", c.Name(), "error", err)
			}
		}(ch)
		defer ch.Stop()
	}

	logger.Info("carelink serving",
		"clinic", cfg.Clinic.ID,
		"channels", len(channels),
		"default_module", cfg.General.DefaultModule,
	)

	orchestrator.Run(ctx, messageBus)
	return nil
}

// buildChannels constructs the enabled channels. Every channel here doubles
// as the transport for its own outbound traffic.
func buildChannels(cfg *config.Config) ([]domain.Channel, map[string]domain.Transport) {
	var channels []domain.Channel
	transports := make(map[string]domain.Transport)

	if cfg.Channels.WhatsApp.Enabled {
		wa := channel.NewWhatsApp(cfg.Channels.WhatsApp, cfg.Clinic.ID, logger)
		channels = append(channels, wa)
		transports[wa.Name()] = wa
	}
	if cfg.Channels.Telegram.Enabled {
		tg := channel.NewTelegram(cfg.Channels.Telegram.Token, cfg.Clinic.ID, logger)
		channels = append(channels, tg)
		transports[tg.Name()] = tg
	}
	return channels, transports
}

// seedAgentConfigs makes sure the clinic has a row per registered module so
// a fresh install answers messages without manual SQL. Existing rows are
// left alone, so clinic edits stick across restarts.
func seedAgentConfigs(ctx context.Context, db *store.SQLiteStore, cfg *config.Config) error {
	defaults := []domain.AgentConfig{
		{
			Module:      "support",
			DisplayName: "Ana",
			Description: "Front desk assistant answering general questions about the clinic.",
			Enabled:     true,
		},
		{
			Module:      "scheduling",
			DisplayName: "Ana",
			Description: "Scheduling assistant booking and cancelling appointments.",
			Enabled:     true,
		},
		{
			Module:      "billing",
			DisplayName: "Ana",
			Description: "Billing assistant handling invoices and payment links.",
			Enabled:     true,
		},
	}
	for _, ac := range defaults {
		existing, err := db.GetAgentConfig(ctx, cfg.Clinic.ID, ac.Module)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		ac.ClinicID = cfg.Clinic.ID
		if err := db.UpsertAgentConfig(ctx, ac); err != nil {
			return err
		}
	}
	return nil
}
