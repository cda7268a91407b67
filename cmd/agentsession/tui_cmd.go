package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/asheshgoplani/agentsession/internal/config"
	"github.com/asheshgoplani/agentsession/internal/ui"
)

func handleTUI(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	sf := addSessionFlags(fs)
	theme := fs.String("theme", "", "dark, light or system (default from config)")
	fs.Usage = func() {
		fmt.Println("Usage: agentsession tui [options] [name]")
		fmt.Println()
		fmt.Println("Full-screen view of one session. Enter sends a message, ctrl+p")
		fmt.Println("pauses or resumes, ctrl+y copies the last agent message,")
		fmt.Println("pgup/pgdown scroll, ctrl+c quits.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	themeSetting := firstNonEmpty(*theme, cfg.ThemeName())
	ui.InitTheme(ui.ResolveTheme(themeSetting))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *ui.ThemeWatcher
	if themeSetting == "system" {
		watcher = ui.NewThemeWatcher(ctx)
		defer watcher.Close()
	}

	ocfg := sf.orchestratorConfig(cfg, fs.Arg(0))
	o := sf.newOrchestrator(cfg, ocfg)
	if err := o.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	updates := o.Subscribe()
	defer o.Unsubscribe(updates)

	model := ui.NewSessionModel(o, updates, ui.SessionOptions{
		FatalThreshold: cfg.FatalThreshold(),
		Theme:          watcher,
	})
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	bringUpErr := make(chan error, 1)
	go func() {
		err := bringUp(ctx, o, ocfg, *sf.noCreate)
		if err != nil && !errors.Is(err, context.Canceled) {
			cliLog.Error("session_bring_up_failed", slog.String("session", ocfg.Name), slog.String("error", err.Error()))
			p.Quit()
		}
		bringUpErr <- err
	}()

	_, runErr := p.Run()
	cancel()
	err := <-bringUpErr
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}
