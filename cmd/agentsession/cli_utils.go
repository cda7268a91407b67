package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/sahilm/fuzzy"
	"golang.org/x/term"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "replay my-session --json" silently ignores --json. This function
// moves all flags to the front so they get parsed correctly.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	// Build set of known boolean flags (don't need a value argument)
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")

			// Handle --flag=value (value is part of the arg, nothing to move)
			if strings.Contains(name, "=") {
				continue
			}

			// If it's not a bool flag, the next arg is its value
			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// firstNonEmpty returns the first non-empty string after trimming whitespace.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
}

// NewCLIOutput creates a new CLI output handler
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{
		jsonMode:  jsonMode,
		quietMode: quietMode,
	}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Printf("%s %s\n", successStyle.Render(successSymbol), message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]any{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("Error:"), message)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData any) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Print(humanOutput)
}

func (c *CLIOutput) printJSON(data any) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to format JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	pendingSymbol = "◐"
	idleSymbol    = "○"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#7aa2f7")).Bold(true)
	thoughtStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#bb9af7")).Italic(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#7dcfff"))
)

// StateSymbol returns a colored marker for an orchestrator state.
func StateSymbol(s orchestrator.State) string {
	switch {
	case s == orchestrator.StateRunning:
		return successStyle.Render(successSymbol)
	case s == orchestrator.StatePaused || s == orchestrator.StateSessionReady:
		return dimStyle.Render(idleSymbol)
	case s == orchestrator.StateHealthcheckRetry || s == orchestrator.StateCreatingRetry:
		return warnStyle.Render(pendingSymbol)
	case s.Terminal():
		return errorStyle.Render(errorSymbol)
	default:
		return warnStyle.Render(pendingSymbol)
	}
}

// messageLabels are the prefixes printed before each conversation message.
var messageLabels = map[events.MessageType]string{
	events.MessageUser:    "you",
	events.MessageAgent:   "agent",
	events.MessageCommand: "cmd",
	events.MessageTool:    "tool",
	events.MessageTask:    "task",
	events.MessageThought: "thought",
	events.MessageError:   "error",
}

// FormatMessage renders one conversation message, wrapped to width cells
// (no wrapping when width <= 0).
func FormatMessage(m events.Message, width int) string {
	label := messageLabels[m.Type]
	if label == "" {
		label = string(m.Type)
	}
	prefix := fmt.Sprintf("[%s] ", label)
	text := m.Text
	if width > 0 {
		text = wrapText(text, width-runewidth.StringWidth(prefix), strings.Repeat(" ", runewidth.StringWidth(prefix)))
	}

	var style lipgloss.Style
	switch m.Type {
	case events.MessageThought:
		style = thoughtStyle
	case events.MessageTool, events.MessageCommand:
		style = toolStyle
	case events.MessageError:
		style = errorStyle
	case events.MessageUser:
		style = accentStyle
	default:
		style = lipgloss.NewStyle()
	}
	return style.Render(prefix) + text
}

// wrapText breaks each line of s at width display cells, indenting
// continuation lines.
func wrapText(s string, width int, indent string) string {
	if width < 10 {
		return s
	}
	var out strings.Builder
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			out.WriteString("\n" + indent)
		}
		for runewidth.StringWidth(line) > width {
			head := runewidth.Truncate(line, width, "")
			out.WriteString(head + "\n" + indent)
			line = line[len(head):]
		}
		out.WriteString(line)
	}
	return out.String()
}

// truncate shortens s to max display cells, adding an ellipsis.
func truncate(s string, max int) string {
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}

// padRight pads s with spaces to width display cells.
func padRight(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// terminalWidth returns the stdout width, or 0 when stdout is not a terminal.
func terminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// sessionNames adapts a session list for fuzzy matching.
type sessionNames []api.SessionInfo

func (s sessionNames) String(i int) string { return s[i].Name }
func (s sessionNames) Len() int            { return len(s) }

// filterSessions keeps the sessions whose name fuzzy-matches pattern,
// best match first. An empty pattern keeps everything in order.
func filterSessions(infos []api.SessionInfo, pattern string) []api.SessionInfo {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return infos
	}
	matches := fuzzy.FindFrom(pattern, sessionNames(infos))
	out := make([]api.SessionInfo, 0, len(matches))
	for _, m := range matches {
		out = append(out, infos[m.Index])
	}
	return out
}
