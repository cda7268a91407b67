package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/config"
	"github.com/asheshgoplani/agentsession/internal/events"
)

type replayResult struct {
	Name   string             `json:"name"`
	Events int                `json:"events"`
	View   events.SessionView `json:"view"`
	State  api.SessionState   `json:"state,omitempty"`
}

func handleReplay(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	host := fs.String("host", "", "Agent server URL (default from config)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	withState := fs.Bool("state", false, "Also fetch the aggregate session state")
	fs.Usage = func() {
		fmt.Println("Usage: agentsession replay [options] <name>")
		fmt.Println()
		fmt.Println("Fetch a session's event log and print the conversation it folds into.")
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
	out := NewCLIOutput(*jsonOutput, false)
	name := firstNonEmpty(fs.Arg(0), cfg.Session.Name)
	if name == "" {
		out.Error("session name is required", "INVALID_ARGS")
		return 1
	}

	client := newClient(cfg, firstNonEmpty(*host, cfg.HostOrDefault()))
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ClientTimeout())
	defer cancel()

	evs, err := client.LoadEvents(ctx, name)
	if err != nil {
		out.Error(err.Error(), api.KindOf(err).String())
		return 1
	}
	res := replayResult{Name: name, Events: len(evs), View: events.Fold(events.SessionView{}, evs...)}
	if *withState {
		if res.State, err = client.GetState(ctx, name); err != nil {
			out.Error(err.Error(), api.KindOf(err).String())
			return 1
		}
	}

	out.Print(renderReplay(res, terminalWidth()), res)
	return 0
}

func renderReplay(res replayResult, width int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%d events)\n\n", accentStyle.Render("session"), res.Name, res.Events)
	for _, m := range res.View.Messages {
		b.WriteString(FormatMessage(m, width) + "\n")
	}
	if len(res.View.Messages) > 0 {
		b.WriteString("\n")
	}

	var flags []string
	if res.View.Ended {
		flags = append(flags, "ended")
	}
	if res.View.ModelLoading {
		flags = append(flags, "model loading")
	}
	if res.View.UserRequest {
		flags = append(flags, "waiting for your response")
	}
	if res.View.ToolMessage != "" {
		flags = append(flags, "tool: "+truncate(res.View.ToolMessage, 60))
	}
	if len(flags) > 0 {
		b.WriteString(dimStyle.Render(strings.Join(flags, " · ")) + "\n")
	}

	if git := res.View.GitData; git.BaseCommit != nil || len(git.Commits) > 0 {
		base := "none"
		if git.BaseCommit != nil {
			base = shortCommit(*git.BaseCommit)
		}
		commits := make([]string, len(git.Commits))
		for i, c := range git.Commits {
			commits[i] = shortCommit(c)
		}
		fmt.Fprintf(&b, "git: base %s, commits [%s]\n", base, strings.Join(commits, " "))
	}
	if len(res.State) > 0 {
		fmt.Fprintf(&b, "state: %s\n", string(res.State))
	}
	return b.String()
}

func shortCommit(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
