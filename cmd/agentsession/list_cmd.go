package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/config"
	"github.com/asheshgoplani/agentsession/internal/statedb"
)

// Table column widths for list command output
const (
	tableColName  = 28
	tableColState = 12
	tableColPath  = 40
)

func handleList(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	host := fs.String("host", "", "Agent server URL (default from config)")
	filter := fs.String("filter", "", "Fuzzy filter on session names")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	known := fs.Bool("known", false, "List sessions recorded by `serve` instead of querying the server")
	fs.Usage = func() {
		fmt.Println("Usage: agentsession list [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  agentsession list")
		fmt.Println("  agentsession list --filter brave")
		fmt.Println("  agentsession list --known --json")
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false)

	if *known {
		return listKnown(cfg, out, *filter)
	}

	hostURL := firstNonEmpty(*host, cfg.HostOrDefault())
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout())
	defer cancel()
	infos, err := newClient(cfg, hostURL).ListSessions(ctx)
	if err != nil {
		out.Error(err.Error(), api.KindOf(err).String())
		return 1
	}
	infos = filterSessions(infos, *filter)

	if *jsonOutput {
		out.printJSON(infos)
		return 0
	}
	if len(infos) == 0 {
		fmt.Printf("No sessions on %s.\n", hostURL)
		return 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", padRight("NAME", tableColName), "PATH")
	b.WriteString(strings.Repeat("-", tableColName+tableColPath+1) + "\n")
	for _, info := range infos {
		fmt.Fprintf(&b, "%s %s\n",
			padRight(truncate(info.Name, tableColName), tableColName),
			truncate(info.Path, tableColPath))
	}
	fmt.Fprintf(&b, "\nTotal: %d sessions on %s\n", len(infos), hostURL)
	out.Print(b.String(), infos)
	return 0
}

func listKnown(cfg *config.Config, out *CLIOutput, filter string) int {
	dbPath := cfg.DBPath()
	if dbPath == "" {
		out.Error("state store is disabled ([state] disabled = true)", "STATE_DISABLED")
		return 1
	}
	db, err := statedb.OpenAndMigrate(dbPath)
	if err != nil {
		out.Error(err.Error(), "STATE_OPEN_FAILED")
		return 1
	}
	defer db.Close()

	rows, err := db.LoadSessions()
	if err != nil {
		out.Error(err.Error(), "STATE_READ_FAILED")
		return 1
	}

	infos := make([]api.SessionInfo, len(rows))
	for i, row := range rows {
		infos[i] = api.SessionInfo{Name: row.Name, Path: row.Path}
	}
	matched := filterSessions(infos, filter)
	keep := make(map[string]bool, len(matched))
	for _, m := range matched {
		keep[m.Name] = true
	}
	filtered := rows[:0]
	for _, row := range rows {
		if keep[row.Name] {
			filtered = append(filtered, row)
		}
	}

	if out.jsonMode {
		out.printJSON(filtered)
		return 0
	}
	if len(filtered) == 0 {
		fmt.Println("No recorded sessions.")
		return 0
	}
	fmt.Printf("%s %s %s\n", padRight("NAME", tableColName), padRight("STATE", tableColState), "LAST SEEN")
	fmt.Println(strings.Repeat("-", tableColName+tableColState+22))
	for _, row := range filtered {
		fmt.Printf("%s %s %s\n",
			padRight(truncate(row.Name, tableColName), tableColName),
			padRight(truncate(row.State, tableColState), tableColState),
			row.LastSeen.Local().Format(time.DateTime))
	}
	return 0
}

func handleHealth(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	host := fs.String("host", "", "Agent server URL (default from config)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	out := NewCLIOutput(*jsonOutput, false)
	hostURL := firstNonEmpty(*host, cfg.HostOrDefault())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout())
	defer cancel()
	start := time.Now()
	if err := newClient(cfg, hostURL).Health(ctx); err != nil {
		out.Error(fmt.Sprintf("%s is not healthy: %v", hostURL, err), api.KindOf(err).String())
		return 1
	}
	elapsed := time.Since(start)
	out.Success(fmt.Sprintf("%s is healthy (%s)", hostURL, elapsed.Round(time.Millisecond)), map[string]any{
		"success":   true,
		"host":      hostURL,
		"latencyMs": elapsed.Milliseconds(),
	})
	return 0
}
