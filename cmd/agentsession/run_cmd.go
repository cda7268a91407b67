package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/asheshgoplani/agentsession/internal/config"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
	"github.com/asheshgoplani/agentsession/internal/stream"
	"github.com/asheshgoplani/agentsession/internal/ui"
)

func handleRun(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	sf := addSessionFlags(fs)
	fs.Usage = func() {
		fmt.Println("Usage: agentsession run [options] [name]")
		fmt.Println()
		fmt.Println("Create (if needed) and start a session, then stream its conversation.")
		fmt.Println("Lines typed on stdin are sent to the agent.")
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

	ocfg := sf.orchestratorConfig(cfg, fs.Arg(0))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := sf.newOrchestrator(cfg, ocfg)
	if err := o.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer o.Close()

	fmt.Printf("%s session %s on %s\n", accentStyle.Render("agentsession"), ocfg.Name, ocfg.Host)
	renderDone := make(chan struct{})
	go func() {
		defer close(renderDone)
		renderStatuses(o, cfg.FatalThreshold(), terminalWidth())
	}()

	if err := bringUp(ctx, o, ocfg, *sf.noCreate); err != nil {
		o.Close()
		<-renderDone
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
		return 1
	}

	code := readInput(ctx, o, os.Stdin)
	o.Close()
	<-renderDone
	return code
}

// sessionFlags are shared by the commands that drive one session.
type sessionFlags struct {
	host      *string
	path      *string
	model     *string
	transport *string
	noCreate  *bool
}

func addSessionFlags(fs *flag.FlagSet) *sessionFlags {
	return &sessionFlags{
		host:      fs.String("host", "", "Agent server URL (default from config)"),
		path:      fs.String("path", "", "Working directory for a new session"),
		model:     fs.String("model", "", "Model for a new session (default from config)"),
		transport: fs.String("transport", "", "Event stream transport: sse or websocket"),
		noCreate:  fs.Bool("no-create", false, "Fail instead of creating a missing session"),
	}
}

// orchestratorConfig resolves the session name (argument, then config,
// then a generated one) and applies the flag overrides.
func (f *sessionFlags) orchestratorConfig(cfg *config.Config, arg string) orchestrator.Config {
	name := firstNonEmpty(arg, cfg.Session.Name)
	if name == "" {
		name = orchestrator.GenerateSessionName()
	}
	hostURL := strings.TrimRight(firstNonEmpty(*f.host, cfg.HostOrDefault()), "/")
	ocfg := orchestratorConfig(cfg, hostURL, name, *f.path)
	if *f.model != "" {
		ocfg.AgentConfig.Model = *f.model
	}
	return ocfg
}

func (f *sessionFlags) newOrchestrator(cfg *config.Config, ocfg orchestrator.Config) *orchestrator.Orchestrator {
	return orchestrator.New(ocfg, orchestrator.Deps{
		API:       newClient(cfg, ocfg.Host),
		Transport: stream.TransportByName(firstNonEmpty(*f.transport, cfg.TransportName())),
	})
}

// bringUp waits for setup to finish, creates the session when missing and
// sends init.
func bringUp(ctx context.Context, o *orchestrator.Orchestrator, ocfg orchestrator.Config, noCreate bool) error {
	st, err := o.WaitFor(ctx, func(st orchestrator.Status) bool {
		return st.State == orchestrator.StateSessionReady || st.State == orchestrator.StateSessionDoesNotExist
	})
	if err != nil {
		return err
	}
	if st.State == orchestrator.StateSessionDoesNotExist {
		if noCreate {
			return fmt.Errorf("session %s does not exist", ocfg.Name)
		}
		if err := o.Dispatch(orchestrator.Create(ocfg.Path, ocfg.AgentConfig)); err != nil {
			return err
		}
		if _, err := o.WaitForState(ctx, orchestrator.StateSessionReady); err != nil {
			return err
		}
	}
	return o.Dispatch(orchestrator.Init(ocfg.AgentConfig))
}

// readInput dispatches stdin lines until EOF, /quit, ctx cancellation or
// the session is deleted.
func readInput(ctx context.Context, o *orchestrator.Orchestrator, in io.Reader) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-o.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			cmd, quit, err := ui.ParseInput(line)
			if quit {
				return 0
			}
			if err != nil {
				fmt.Fprintln(os.Stderr, warnStyle.Render(err.Error()))
				continue
			}
			if cmd.Type == "" {
				continue
			}
			if err := o.Dispatch(cmd); err != nil {
				if errors.Is(err, orchestrator.ErrIgnored) {
					fmt.Fprintln(os.Stderr, warnStyle.Render(fmt.Sprintf("%s is not available while %s", cmd.Type, o.Status().State)))
					continue
				}
				fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("Error:"), err)
				return 1
			}
			if cmd.Type == orchestrator.CmdDelete {
				if _, err := o.WaitForState(ctx, orchestrator.StateSessionDoesNotExist); err == nil {
					fmt.Println(dimStyle.Render("session deleted"))
				}
				return 0
			}
		}
	}
}

// renderStatuses prints state changes and new conversation messages until
// the orchestrator stops.
func renderStatuses(o *orchestrator.Orchestrator, fatalThreshold, width int) {
	ch := o.Subscribe()
	defer o.Unsubscribe(ch)

	var lastState orchestrator.State
	var lastTool string
	printed := 0
	warnedFatal := false
	for {
		select {
		case st := <-ch:
			if st.State != lastState {
				fmt.Printf("%s %s\n", StateSymbol(st.State), dimStyle.Render(string(st.State)))
				lastState = st.State
			}
			if st.Fatal(fatalThreshold) && !warnedFatal {
				warnedFatal = true
				fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf(
					"agent server unreachable after %d attempts: %s", st.Context.HealthcheckRetry, st.LastError)))
				cliLog.Error("server_unreachable", slog.Int("attempts", st.Context.HealthcheckRetry))
			}
			if !st.Fatal(fatalThreshold) {
				warnedFatal = false
			}
			if len(st.View.Messages) < printed {
				fmt.Println(dimStyle.Render("-- conversation reset --"))
				printed = 0
			}
			for _, m := range st.View.Messages[printed:] {
				fmt.Println(FormatMessage(m, width))
			}
			printed = len(st.View.Messages)
			if st.View.ToolMessage != lastTool {
				lastTool = st.View.ToolMessage
				if lastTool != "" {
					fmt.Println(dimStyle.Render(truncate(lastTool, 80)))
				}
			}
			if st.State.Terminal() {
				return
			}
		case <-o.Done():
			return
		}
	}
}
