// Squire is a personal Telegram assistant bot.
//
// It answers chat messages with an OpenAI-compatible LLM, keeps a
// durable per-chat conversation log with a rolling recent window, and
// compresses its working context when a model's token budget runs
// short. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	squire serve              Start the Telegram bot
//	squire init [dir]         Initialize a working directory with defaults
//	squire ask <question>     Ask a single question (for testing)
//	squire version            Print version and build information
//	squire -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/squirebot/squire/internal/agent"
	"github.com/squirebot/squire/internal/budget"
	"github.com/squirebot/squire/internal/buildinfo"
	"github.com/squirebot/squire/internal/config"
	"github.com/squirebot/squire/internal/history"
	"github.com/squirebot/squire/internal/llm"
	"github.com/squirebot/squire/internal/telegram"
	"github.com/squirebot/squire/internal/usage"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the squire command. Arguments are
// parsed by hand: the flag package relies on package-level globals
// (flag.CommandLine), which makes it impossible to call run()
// concurrently from tests, and the argument surface here is small.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure. The caller (main) prints the error and exits.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: squire ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Squire - Personal Telegram Assistant Bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: squire [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the Telegram bot")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/squire/config.yaml, /etc/squire/config.yaml")
	return nil
}

// runAsk handles the "squire ask <question>" subcommand. It boots a
// minimal agent (throwaway conversation store, no usage accounting) and
// processes a single question, printing the response to stdout. Useful
// for smoke tests and debugging without connecting to Telegram.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", cfgPath)

	dataDir, err := os.MkdirTemp("", "squire-ask-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(dataDir)

	store, err := history.NewStore(dataDir, logger)
	if err != nil {
		return fmt.Errorf("create conversation store: %w", err)
	}

	budgetMgr := budget.NewManager(cfg.Models.ContextLimits(), nil, logger,
		budget.WithDefaultLimit(cfg.Models.DefaultContextLimit))
	client := llm.NewOpenAIClient(cfg.Models.APIBaseURL, cfg.Models.APIKey)

	svc := agent.NewService(store, budgetMgr, client, nil,
		cfg.Models.Orchestrator.Identifier, cfg.Models.Expert.Identifier, logger)

	response, err := svc.ProcessMessage(ctx, 0, question, time.Now())
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, response)
	return nil
}

// runServe handles the "squire serve" subcommand. It is the primary
// operating mode: loads config, opens the conversation and usage
// stores, wires the agent service, and long polls Telegram until a
// shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Squire",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"data_dir", cfg.DataDir,
		"orchestrator", cfg.Models.Orchestrator.Identifier,
		"expert", cfg.Models.Expert.Identifier,
		"allowed_chats", len(cfg.Telegram.AllowedChatIDs),
	)

	// All persistent state (per-chat JSONL logs, context files, and the
	// usage database) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, err := history.NewStore(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("create conversation store: %w", err)
	}
	logger.Info("conversation store initialized", "dir", cfg.DataDir)

	usageStore, err := usage.NewStore(cfg.DataDir + "/usage.db")
	if err != nil {
		return fmt.Errorf("open usage database: %w", err)
	}
	defer usageStore.Close()
	logger.Info("usage database opened", "path", cfg.DataDir+"/usage.db")

	budgetMgr := budget.NewManager(cfg.Models.ContextLimits(), nil, logger,
		budget.WithDefaultLimit(cfg.Models.DefaultContextLimit))
	client := llm.NewOpenAIClient(cfg.Models.APIBaseURL, cfg.Models.APIKey)

	svc := agent.NewService(store, budgetMgr, client, usageStore,
		cfg.Models.Orchestrator.Identifier, cfg.Models.Expert.Identifier, logger)

	tgClient := telegram.NewClient(cfg.Telegram.Token, logger)
	bot := telegram.NewBot(telegram.BotConfig{
		Client:         tgClient,
		Responder:      svc,
		Logger:         logger,
		AllowedChatIDs: cfg.Telegram.AllowedChatIDs,
		PollTimeoutSec: cfg.Telegram.PollTimeoutSec,
	})

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// the poll loop and in-flight message handlers.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		logger.Warn("LLM endpoint not reachable at startup, continuing", "error", err)
	}

	if err := bot.Run(ctx); err != nil {
		return fmt.Errorf("bot loop: %w", err)
	}

	logger.Info("Squire stopped")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output in Squire goes through slog.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
