package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/config"
	"github.com/asheshgoplani/agentsession/internal/logging"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

const Version = "0.3.0"

var cliLog = logging.ForComponent(logging.CompCLI)

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

func initColorProfile() {
	// AGENTSESSION_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("AGENTSESSION_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Piped output gets whatever termenv detects, usually no color.
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agentsession v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "config":
		handleConfig(args[1:])
		return
	case "mock":
		handleMock(args[1:])
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
	}
	stopLogging := setupLogging(cfg, args[0] == "serve")
	defer stopLogging()

	code := 0
	switch args[0] {
	case "run":
		code = handleRun(cfg, args[1:])
	case "tui":
		code = handleTUI(cfg, args[1:])
	case "list", "ls":
		code = handleList(cfg, args[1:])
	case "health":
		code = handleHealth(cfg, args[1:])
	case "replay":
		code = handleReplay(cfg, args[1:])
	case "serve":
		code = handleServe(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		code = 1
	}
	if code != 0 {
		stopLogging()
		os.Exit(code)
	}
}

// setupLogging initializes file logging from cfg. Long-running commands
// also log to stderr when AGENTSESSION_DEBUG is set. SIGUSR1 dumps the
// in-memory ring buffer next to the log file.
func setupLogging(cfg *config.Config, longRunning bool) func() {
	logCfg := logging.Config{
		LogDir:                cfg.LogDir(),
		Level:                 firstNonEmpty(cfg.Logs.Level, "info"),
		Format:                cfg.Logs.Format,
		MaxSizeMB:             cfg.Logs.MaxSizeMB,
		MaxBackups:            cfg.Logs.MaxBackups,
		MaxAgeDays:            cfg.Logs.MaxAgeDays,
		Compress:              cfg.Logs.Compress,
		AggregateIntervalSecs: cfg.Logs.AggregateIntervalSecs,
	}
	if os.Getenv("AGENTSESSION_DEBUG") != "" {
		logCfg.Level = "debug"
		if longRunning {
			logCfg.Stderr = os.Stderr
		}
	}
	if err := os.MkdirAll(logCfg.LogDir, 0o700); err != nil {
		logCfg.LogDir = ""
	}
	logging.Init(logCfg)

	// Route stray stdlib log output (e.g. net/http server errors) through slog.
	log.SetFlags(0)
	log.SetOutput(logging.NewBridgeWriter(logging.CompCLI))

	usr1Chan := make(chan os.Signal, 1)
	signal.Notify(usr1Chan, syscall.SIGUSR1)
	go func() {
		for range usr1Chan {
			dumpPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			if err := logging.DumpRingBuffer(dumpPath); err != nil {
				cliLog.Error("crash_dump_failed", slog.String("error", err.Error()))
			} else {
				cliLog.Info("crash_dump_written", slog.String("path", dumpPath))
			}
		}
	}()

	return func() {
		signal.Stop(usr1Chan)
		logging.Shutdown()
	}
}

// newClient builds an API client honoring the [client] config section.
func newClient(cfg *config.Config, host string) *api.Client {
	return api.New(host,
		api.WithTimeout(cfg.ClientTimeout()),
		api.WithRateLimit(cfg.Client.RateLimit, cfg.RateBurst()))
}

// orchestratorConfig derives an orchestrator config for name on host.
func orchestratorConfig(cfg *config.Config, host, name, path string) orchestrator.Config {
	return orchestrator.Config{
		Host:                host,
		Name:                name,
		Path:                firstNonEmpty(path, cfg.Session.Path),
		AgentConfig:         cfg.Agent,
		HealthcheckInterval: cfg.HealthcheckInterval(),
		RetryInterval:       cfg.CreateInterval(),
		PollInterval:        cfg.PollInterval(),
	}
}

func printHelp() {
	fmt.Printf("agentsession v%s\n", Version)
	fmt.Println("Drive remote coding-agent sessions from the terminal.")
	fmt.Println()
	fmt.Println("Usage: agentsession <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run [name]          Create or attach to a session and chat with the agent")
	fmt.Println("  tui [name]          Full-screen session view")
	fmt.Println("  list, ls            List sessions on the agent server")
	fmt.Println("  health              Probe the agent server")
	fmt.Println("  replay <name>       Fetch a session's event log and print the folded view")
	fmt.Println("  serve               Run the local web bridge (HTTP, SSE, WebSocket)")
	fmt.Println("  mock                Run an in-memory agent server for development")
	fmt.Println("  config init|show|path  Write an example config or print the effective one")
	fmt.Println("  version             Show version")
	fmt.Println("  help                Show this help")
	fmt.Println()
	fmt.Println("Session commands (inside `run` and `tui`):")
	fmt.Println("  /pause /resume /toggle /reset /delete /quit; any other line is sent to the agent")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-22s home directory (default ~/.agentsession)\n", config.HomeEnv)
	fmt.Printf("  %-22s agent server URL\n", config.HostEnv)
	fmt.Printf("  %-22s API key passed to session start\n", config.APIKeyEnv)
	fmt.Printf("  %-22s debug logging\n", "AGENTSESSION_DEBUG")
	fmt.Printf("  %-22s truecolor, 256, 16, none\n", "AGENTSESSION_COLOR")
}
