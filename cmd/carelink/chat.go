package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"carelink/internal/agent"
	"carelink/internal/agent/modules"
	"carelink/internal/domain"
	"carelink/internal/provider"
	"carelink/internal/store"
)

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agents from the terminal",
		Long:  "Runs the full conversation pipeline against a local console session. Useful for trying out prompts and clinic config without a messaging channel.",
		RunE:  runChat,
	}
}

// consoleDeliverer prints replies instead of queueing them; the chat command
// has no business-hours window and no transport.
type consoleDeliverer struct{}

func (consoleDeliverer) Send(ctx context.Context, conv *domain.Conversation, patient *domain.Patient, body, appendix string) error {
	fmt.Println()
	fmt.Println(body)
	if appendix != "" {
		fmt.Println()
		fmt.Println(appendix)
	}
	fmt.Println()
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
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

	factory := provider.NewFactory(cfg)
	prov, err := factory.DefaultProvider()
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	router := agent.NewRouter(prov, registry, cfg.General.DefaultModule, logger)
	engine := agent.NewEngine(logger)
	orchestrator := agent.NewOrchestrator(db, prov, registry, router, engine, consoleDeliverer{}, cfg, logger)

	fmt.Println("carelink chat (ctrl-d to quit)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		result, err := orchestrator.HandleInbound(ctx, domain.InboundMessage{
			Channel:   "cli",
			ClinicID:  cfg.Clinic.ID,
			Address:   "console",
			Content:   text,
			Timestamp: time.Now(),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		_ = result
	}
}
