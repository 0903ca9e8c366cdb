// Command agentpay is the delegation CLI: it resolves remote agent cards,
// sends one instruction to a chosen agent, and prints the flattened
// response. `confirm` escrows a bounty on-chain before delivery.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentpay/agentpay/chain"
	"github.com/agentpay/agentpay/client"
	"github.com/agentpay/agentpay/config"
	"github.com/agentpay/agentpay/host"
	"github.com/agentpay/agentpay/internal/version"
	"github.com/agentpay/agentpay/signature"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		agents       = flag.String("agents", "", "comma-separated remote agent URLs (overrides config)")
		conversation = flag.String("conversation", "", "conversation id; reuse to continue a session")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *agents != "" {
		cfg.Host.Agents = strings.Split(*agents, ",")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "version":
		fmt.Printf("agentpay %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildDate)
	case "agents":
		err = cmdAgents(ctx, cfg, logger)
	case "send":
		err = cmdDelegate(ctx, cfg, logger, rest, *conversation, false)
	case "confirm":
		err = cmdDelegate(ctx, cfg, logger, rest, *conversation, true)
	case "stats":
		err = cmdStats(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `agentpay — task delegation CLI

Usage:
  agentpay [flags] <command> [args]

Flags:
  --config        <path>  YAML config file
  --agents        <urls>  comma-separated remote agent URLs
  --conversation  <id>    conversation id; reuse to continue a session

Commands:
  version                       print version
  agents                        list remote agents and their cards
  send    <agent> <text>        delegate a task
  confirm <agent> <text>        escrow a bounty on-chain, then delegate
  stats                         show this account's escrow task totals
`)
}

func cmdAgents(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	h, err := buildHost(ctx, cfg, logger)
	if err != nil {
		return err
	}
	for _, card := range h.Agents() {
		fmt.Printf("%s\t%s\t%s\n", card.Name, card.Version, card.URL)
		if addr := card.ChainAddress(); addr != "" {
			fmt.Printf("  chain address: %s\n", addr)
		}
		for _, skill := range card.Skills {
			fmt.Printf("  skill: %s — %s\n", skill.Name, skill.Description)
		}
	}
	return nil
}

func cmdStats(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Chain.NodeURL == "" {
		return fmt.Errorf("no chain node configured; set chain.node_url")
	}
	c, err := chain.NewClient(cfg.Chain, logger)
	if err != nil {
		return fmt.Errorf("chain client: %w", err)
	}

	h := host.New(host.Config{
		Ledger:  c,
		NodeURL: cfg.Chain.NodeURL,
		Logger:  logger,
	})
	stats, err := h.ChainStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("account %s\n", c.Address())
	fmt.Printf("  tasks created:   %d\n", stats.Total)
	fmt.Printf("  tasks completed: %d\n", stats.Completed)
	fmt.Printf("  tasks cancelled: %d\n", stats.Cancelled)
	return nil
}

func cmdDelegate(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, conversation string, confirm bool) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s <agent> <instruction>", map[bool]string{true: "confirm", false: "send"}[confirm])
	}
	agentName, instruction := args[0], strings.Join(args[1:], " ")

	h, err := buildHost(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var resp *host.Response
	if confirm {
		d, err := h.ConfirmTask(ctx, agentName, instruction, conversation)
		if err != nil {
			return err
		}
		resp = d.Response
		if d.Confirmed {
			fmt.Printf("escrow confirmed: tx %s\n", d.Confirmation.TxHash)
			if d.Confirmation.ExplorerURL != "" {
				fmt.Printf("  %s\n", d.Confirmation.ExplorerURL)
			}
		} else {
			fmt.Println("escrow unavailable, delegated without confirmation")
		}
	} else {
		resp, err = h.SendTask(ctx, agentName, instruction, conversation)
		if err != nil {
			return err
		}
	}

	printResponse(resp)
	return nil
}

func printResponse(resp *host.Response) {
	fmt.Printf("task %s (%s)\n", resp.TaskID, resp.State)
	for _, item := range resp.Content {
		switch v := item.(type) {
		case string:
			fmt.Println(v)
		default:
			data, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				fmt.Printf("%v\n", v)
				continue
			}
			fmt.Println(string(data))
		}
	}
	if resp.InputRequired {
		fmt.Printf("\nthe agent needs more information; answer with:\n  agentpay --conversation %s send ...\n", resp.SessionID)
	}
}

// buildHost assembles the orchestrator: signer, ledger, saver, and one
// resolved connection per configured remote agent URL.
func buildHost(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*host.Host, error) {
	if len(cfg.Host.Agents) == 0 {
		return nil, fmt.Errorf("no remote agents configured; pass --agents or set host.agents")
	}

	signer, err := buildSigner(cfg)
	if err != nil {
		return nil, err
	}

	var ledger chain.Ledger
	if cfg.Chain.NodeURL != "" {
		c, err := chain.NewClient(cfg.Chain, logger)
		if err != nil {
			logger.Warn("chain client unavailable", "error", err)
		} else {
			ledger = c
		}
	}

	saver, err := host.NewDirSaver(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		return nil, err
	}

	h := host.New(host.Config{
		Signer:            signer,
		Ledger:            ledger,
		NodeURL:           cfg.Chain.NodeURL,
		DefaultRemoteAddr: cfg.Host.DefaultRemoteAddress,
		Bounty:            cfg.Chain.Bounty,
		DeadlineSeconds:   cfg.Chain.DeadlineSeconds,
		Saver:             saver,
		Logger:            logger,
	})
	for _, url := range cfg.Host.Agents {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		card, err := client.ResolveCard(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("resolving agent at %s: %w", url, err)
		}
		h.Register(card, client.New(url))
		logger.Debug("registered remote agent", "name", card.Name, "url", url)
	}
	return h, nil
}

func buildSigner(cfg *config.Config) (signature.Signer, error) {
	if cfg.Host.SignerKey == "" {
		return nil, nil
	}
	switch cfg.Host.Scheme {
	case "ecdsa":
		return signature.NewECDSASigner(cfg.Host.SignerKey)
	case "ed25519", "":
		if cfg.Host.Address == "" {
			return nil, fmt.Errorf("host.address is required for ed25519 signing")
		}
		return signature.NewEd25519Signer(cfg.Host.SignerKey, cfg.Host.Address)
	default:
		return nil, fmt.Errorf("unknown signing scheme %q", cfg.Host.Scheme)
	}
}
