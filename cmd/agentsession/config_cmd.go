package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/agentsession/internal/config"
)

func handleConfig(args []string) {
	if len(args) == 0 {
		printConfigHelp()
		return
	}
	switch args[0] {
	case "init":
		path, created, err := config.CreateExample()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("%s wrote %s\n", successStyle.Render(successSymbol), path)
		} else {
			fmt.Printf("%s %s already exists\n", dimStyle.Render(idleSymbol), path)
		}
	case "show":
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (showing defaults)\n", err)
		}
		if err := writeEffectiveConfig(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "path":
		path, err := config.Path()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(path)
	case "help", "--help", "-h":
		printConfigHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n\n", args[0])
		printConfigHelp()
		os.Exit(1)
	}
}

// effectiveConfig fills defaults into a copy of cfg and masks the API key.
func effectiveConfig(cfg *config.Config) config.Config {
	out := *cfg
	out.Host = cfg.HostOrDefault()
	out.Agent = cfg.Agent.Redacted()
	out.Stream.Transport = cfg.TransportName()
	out.Web.Listen = cfg.WebListen()
	if out.Web.Token != "" {
		out.Web.Token = "***"
	}
	out.Logs.Dir = cfg.LogDir()
	out.State.DBPath = cfg.DBPath()
	out.Retry.FatalThreshold = cfg.FatalThreshold()
	out.Retry.HealthcheckIntervalMS = int(cfg.HealthcheckInterval().Milliseconds())
	out.Retry.CreateIntervalMS = int(cfg.CreateInterval().Milliseconds())
	out.Poller.IntervalMS = int(cfg.PollInterval().Milliseconds())
	out.Client.TimeoutSecs = int(cfg.ClientTimeout().Seconds())
	return out
}

func writeEffectiveConfig(cfg *config.Config) error {
	return toml.NewEncoder(os.Stdout).Encode(effectiveConfig(cfg))
}

func printConfigHelp() {
	fmt.Println("Usage: agentsession config <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init    Write an example config.toml if none exists")
	fmt.Println("  show    Print the effective config (secrets masked)")
	fmt.Println("  path    Print the config file location")
}
