package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/agentsession/internal/config"
	"github.com/asheshgoplani/agentsession/internal/logging"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
	"github.com/asheshgoplani/agentsession/internal/statedb"
	"github.com/asheshgoplani/agentsession/internal/stream"
	"github.com/asheshgoplani/agentsession/internal/web"
)

const (
	heartbeatInterval = 10 * time.Second
	processTimeout    = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
)

func handleServe(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen", "", "Listen address (default from config)")
	token := fs.String("token", "", "Bearer token for API/SSE/WS access (default from config)")
	readOnly := fs.Bool("read-only", false, "Reject commands and session changes")
	restore := fs.Bool("restore", true, "Re-register sessions recorded by a previous serve")
	fs.Usage = func() {
		fmt.Println("Usage: agentsession serve [options]")
		fmt.Println()
		fmt.Println("Run the local web bridge. Host UIs list, observe and drive sessions over")
		fmt.Println("HTTP (/api/sessions), SSE (/events/sessions/{id}) and WebSocket (/ws/sessions/{id}).")
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
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected arguments: %v\n", fs.Args())
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *statedb.StateDB
	if dbPath := cfg.DBPath(); dbPath != "" {
		var err error
		if db, err = statedb.OpenAndMigrate(dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer db.Close()
		stopHeartbeat := startHeartbeat(ctx, db, dbPath)
		defer stopHeartbeat()
	}

	transport := stream.TransportByName(cfg.TransportName())
	reg := orchestrator.NewRegistry(orchestrator.RegistryOptions{
		Clients: func(host string) orchestrator.API { return newClient(cfg, host) },
		Deps:    orchestrator.Deps{Transport: transport},
		DB:      db,
	})

	if *restore {
		restoreSessions(cfg, reg)
	}
	if cfg.Session.Name != "" {
		host := cfg.HostOrDefault()
		if _, ok := reg.Lookup(orchestrator.SessionID(host, cfg.Session.Name)); !ok {
			if _, err := reg.Create(context.Background(), orchestratorConfig(cfg, host, cfg.Session.Name, "")); err != nil {
				cliLog.Warn("session_register_failed", slog.String("name", cfg.Session.Name), slog.String("error", err.Error()))
			}
		}
	}

	if w := watchConfig(); w != nil {
		go w.Start()
		defer w.Stop()
	}

	webCfg := web.Config{
		ListenAddr:     firstNonEmpty(*listenAddr, cfg.WebListen()),
		Token:          firstNonEmpty(*token, cfg.Web.Token),
		ReadOnly:       *readOnly,
		Registry:       reg,
		Template:       orchestratorConfig(cfg, cfg.HostOrDefault(), "", ""),
		FatalThreshold: cfg.FatalThreshold(),
	}
	if cfg.Web.Push {
		configurePush(&webCfg, cfg.Web.PushSubject)
	}
	server := web.NewServer(webCfg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	fmt.Printf("%s listening on http://%s (%d sessions)\n", accentStyle.Render("agentsession"), server.Addr(), reg.Len())

	code := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		cliLog.Warn("web_shutdown_failed", slog.String("error", err.Error()))
	}
	if err := reg.CloseAll(shutdownCtx); err != nil {
		cliLog.Warn("registry_close_failed", slog.String("error", err.Error()))
	}
	return code
}

// configurePush loads or generates the VAPID keys kept in the home
// directory. Push stays off when they cannot be prepared.
func configurePush(webCfg *web.Config, subject string) {
	dir, err := config.Dir()
	if err != nil {
		cliLog.Warn("push_disabled", slog.String("error", err.Error()))
		return
	}
	pub, priv, generated, err := web.EnsurePushVAPIDKeys(dir, subject)
	if err != nil {
		cliLog.Warn("push_disabled", slog.String("error", err.Error()))
		return
	}
	if generated {
		cliLog.Info("push_vapid_keys_generated", slog.String("dir", dir))
	}
	webCfg.PushVAPIDPublicKey = pub
	webCfg.PushVAPIDPrivateKey = priv
	webCfg.PushVAPIDSubject = subject
	webCfg.PushDir = dir
}

// startHeartbeat records this process in the state store and refreshes its
// heartbeat until ctx is done.
func startHeartbeat(ctx context.Context, db *statedb.StateDB, dbPath string) func() {
	_ = db.CleanDeadProcesses(processTimeout)
	if alive, err := db.AliveProcesses(processTimeout); err == nil {
		for _, p := range alive {
			if p.Role == "serve" && p.PID != os.Getpid() {
				fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf(
					"another serve (pid %d) is using %s; session state may be overwritten", p.PID, dbPath)))
			}
		}
	}
	if err := db.RegisterProcess("serve"); err != nil {
		cliLog.Warn("process_register_failed", slog.String("error", err.Error()))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.Heartbeat(); err != nil {
					cliLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		<-done
		_ = db.UnregisterProcess()
	}
}

// restoreSessions re-registers every session recorded in the state store.
func restoreSessions(cfg *config.Config, reg *orchestrator.Registry) {
	rows, err := reg.Known()
	if err != nil {
		cliLog.Warn("restore_failed", slog.String("error", err.Error()))
		return
	}
	for _, row := range rows {
		ocfg := orchestratorConfig(cfg, row.Host, row.Name, row.Path)
		if row.Model != "" {
			ocfg.AgentConfig.Model = row.Model
		}
		if _, err := reg.Create(context.Background(), ocfg); err != nil {
			cliLog.Warn("restore_session_failed", slog.String("id", row.ID), slog.String("error", err.Error()))
			continue
		}
		cliLog.Info("session_restored", slog.String("id", row.ID), slog.String("last_state", row.State))
	}
}

// watchConfig applies log level changes from config.toml without a
// restart. Other settings take effect for sessions registered afterwards.
func watchConfig() *config.Watcher {
	path, err := config.Path()
	if err != nil {
		return nil
	}
	w, err := config.NewWatcher(path, config.DefaultDebounce, func(c *config.Config, err error) {
		if err != nil {
			cliLog.Warn("config_reload_failed", slog.String("error", err.Error()))
			return
		}
		logging.SetLevel(firstNonEmpty(c.Logs.Level, "info"))
		cliLog.Info("config_reloaded", slog.String("log_level", c.Logs.Level))
	})
	if err != nil {
		cliLog.Warn("config_watch_disabled", slog.String("error", err.Error()))
		return nil
	}
	return w
}
