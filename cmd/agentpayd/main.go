// Command agentpayd runs one agent service: the task protocol endpoint,
// the agent card, and the ops API, backed by the ride agent demo.
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

	"github.com/agentpay/agentpay/agent"
	"github.com/agentpay/agentpay/agents/ride"
	"github.com/agentpay/agentpay/chain"
	"github.com/agentpay/agentpay/comms"
	"github.com/agentpay/agentpay/config"
	"github.com/agentpay/agentpay/internal/version"
	"github.com/agentpay/agentpay/manager"
	"github.com/agentpay/agentpay/metrics"
	"github.com/agentpay/agentpay/protocol"
	"github.com/agentpay/agentpay/provider"
	"github.com/agentpay/agentpay/server"
	"github.com/agentpay/agentpay/signature"
	"github.com/agentpay/agentpay/task"
)

var configPath = flag.String("config", "", "path to YAML config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	logger.Info("starting agentpayd",
		"version", version.Version,
		"commit", version.Commit,
		"agent", cfg.Agent.Name,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ledger, err := buildLedger(cfg, logger)
	if err != nil {
		return err
	}

	ag, err := buildAgent(cfg, ledger, logger)
	if err != nil {
		return err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	bus := comms.NewInMemoryBus()
	m := metrics.New()
	mgr := manager.New(manager.Config{
		Agent:    ag,
		Store:    store,
		Verifier: verifier,
		Ledger:   chainLedgerForVerify(cfg, ledger),
		Bus:      bus,
		Metrics:  m,
		Logger:   logger,
	})

	card := buildCard(cfg, ledger)
	srv := server.New(*cfg, card, mgr, logger)
	srv.SetTaskStore(store)
	srv.SetBus(bus)
	srv.SetMetrics(m)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

// buildLedger connects to the chain node unless chain interaction is
// fully disabled.
func buildLedger(cfg *config.Config, logger *slog.Logger) (chain.Ledger, error) {
	if cfg.Chain.NodeURL == "" {
		return nil, nil
	}
	client, err := chain.NewClient(cfg.Chain, logger)
	if err != nil {
		// The demo keeps serving without a reachable chain; escrow
		// completion degrades to "skipped".
		logger.Warn("chain client unavailable", "error", err)
		return nil, nil
	}
	return client, nil
}

// chainLedgerForVerify gates the admission-time confirmation check on the
// verify toggle.
func chainLedgerForVerify(cfg *config.Config, ledger chain.Ledger) chain.Ledger {
	if !cfg.Verify.Chain {
		return nil
	}
	return ledger
}

func buildAgent(cfg *config.Config, ledger chain.Ledger, logger *slog.Logger) (agent.Agent, error) {
	p, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	svc := ride.NewService(ride.Config{
		Ledger:      ledger,
		HostAddress: cfg.Agent.HostAddress,
		NodeURL:     cfg.Chain.NodeURL,
		Logger:      logger,
	})
	return ride.New(p, svc), nil
}

func buildProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Agent.Provider {
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
		}
		return provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey: key,
			Model:  cfg.Agent.Model,
		}), nil
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
		return provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey: key,
			Model:  cfg.Agent.Model,
		}), nil
	case "mock", "":
		return provider.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Agent.Provider)
	}
}

func buildStore(cfg *config.Config) (task.Store, error) {
	if cfg.Agent.TaskDB == "" {
		return task.NewMemoryStore(), nil
	}
	return task.NewSQLiteStore(cfg.Agent.TaskDB)
}

func buildVerifier(cfg *config.Config) (signature.Verifier, error) {
	if !cfg.Verify.Signatures {
		return nil, nil
	}
	switch cfg.Verify.Scheme {
	case "ecdsa":
		return signature.NewECDSAVerifier(), nil
	case "ed25519", "":
		return signature.NewEd25519Verifier(cfg.Verify.TrustedKeys)
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", cfg.Verify.Scheme)
	}
}

func buildCard(cfg *config.Config, ledger chain.Ledger) protocol.AgentCard {
	card := protocol.AgentCard{
		Name:        cfg.Agent.Name,
		Description: cfg.Agent.Description,
		URL:         cfg.Agent.URL,
		Version:     cfg.Agent.Version,
		Capabilities: protocol.AgentCapabilities{
			Streaming: true,
		},
		DefaultInputModes:  []string{"text", "text/plain"},
		DefaultOutputModes: []string{"text", "text/plain"},
		Skills: []protocol.AgentSkill{{
			ID:          "book_ride",
			Name:        "Ride booking",
			Description: "Searches drivers, estimates fares, and books rides with on-chain task settlement.",
			Tags:        []string{"ride", "booking", "aptos"},
			Examples:    []string{"Book me an UberX from San Francisco to Oakland"},
		}},
	}
	if card.URL == "" {
		card.URL = "http://localhost:10003"
	}
	if ledger != nil && ledger.Address() != "" {
		card.Metadata = map[string]any{"aptos_address": ledger.Address()}
	}
	return card
}
