package ui

import (
	"sync"

	"github.com/charmbracelet/lipgloss"
	dark "github.com/thiagokokada/dark-mode-go"

	"github.com/asheshgoplani/agentsession/internal/events"
)

// Theme is the active color scheme.
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

type palette struct {
	Border, Text, TextDim           lipgloss.Color
	Accent, Purple, Cyan, Green     lipgloss.Color
	Yellow, Red, Surface, SurfaceFg lipgloss.Color
}

// Tokyo Night
var darkColors = palette{
	Border:    lipgloss.Color("#414868"),
	Text:      lipgloss.Color("#c0caf5"),
	TextDim:   lipgloss.Color("#787fa0"),
	Accent:    lipgloss.Color("#7aa2f7"),
	Purple:    lipgloss.Color("#bb9af7"),
	Cyan:      lipgloss.Color("#7dcfff"),
	Green:     lipgloss.Color("#9ece6a"),
	Yellow:    lipgloss.Color("#e0af68"),
	Red:       lipgloss.Color("#f7768e"),
	Surface:   lipgloss.Color("#24283b"),
	SurfaceFg: lipgloss.Color("#a9b1d6"),
}

// Tokyo Night Light
var lightColors = palette{
	Border:    lipgloss.Color("#9699a3"),
	Text:      lipgloss.Color("#343b58"),
	TextDim:   lipgloss.Color("#6a6d7c"),
	Accent:    lipgloss.Color("#34548a"),
	Purple:    lipgloss.Color("#7847bd"),
	Cyan:      lipgloss.Color("#166775"),
	Green:     lipgloss.Color("#485e30"),
	Yellow:    lipgloss.Color("#8f5e15"),
	Red:       lipgloss.Color("#8c4351"),
	Surface:   lipgloss.Color("#e9e9ec"),
	SurfaceFg: lipgloss.Color("#343b58"),
}

// themeMu guards the style variables during live theme switches.
var themeMu sync.RWMutex

var currentTheme = ThemeDark

var (
	HeaderStyle    lipgloss.Style
	StatusBarStyle lipgloss.Style
	DimStyle       lipgloss.Style
	ErrorStyle     lipgloss.Style
	WarningStyle   lipgloss.Style
	SuccessStyle   lipgloss.Style
	InputBoxStyle  lipgloss.Style

	labelStyles map[events.MessageType]lipgloss.Style
)

// ResolveTheme maps a configured theme ("dark", "light" or "system") to a
// concrete one. "system" follows the OS and falls back to dark.
func ResolveTheme(setting string) Theme {
	switch setting {
	case "light":
		return ThemeLight
	case "dark":
		return ThemeDark
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return ThemeDark
	}
	return ThemeLight
}

// InitTheme switches the active palette. Must run before rendering.
func InitTheme(theme Theme) {
	themeMu.Lock()
	defer themeMu.Unlock()
	c := darkColors
	currentTheme = ThemeDark
	if theme == ThemeLight {
		c = lightColors
		currentTheme = ThemeLight
	}

	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(c.Accent)
	StatusBarStyle = lipgloss.NewStyle().Background(c.Surface).Foreground(c.SurfaceFg).Padding(0, 1)
	DimStyle = lipgloss.NewStyle().Foreground(c.TextDim)
	ErrorStyle = lipgloss.NewStyle().Foreground(c.Red).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(c.Yellow)
	SuccessStyle = lipgloss.NewStyle().Foreground(c.Green)
	InputBoxStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(c.Border).
		Padding(0, 1)

	labelStyles = map[events.MessageType]lipgloss.Style{
		events.MessageUser:    lipgloss.NewStyle().Foreground(c.Accent).Bold(true),
		events.MessageAgent:   lipgloss.NewStyle().Foreground(c.Green).Bold(true),
		events.MessageCommand: lipgloss.NewStyle().Foreground(c.Cyan),
		events.MessageTool:    lipgloss.NewStyle().Foreground(c.Cyan),
		events.MessageTask:    lipgloss.NewStyle().Foreground(c.Purple).Bold(true),
		events.MessageThought: lipgloss.NewStyle().Foreground(c.TextDim).Italic(true),
		events.MessageError:   lipgloss.NewStyle().Foreground(c.Red).Bold(true),
	}
}

// CurrentTheme returns the active theme.
func CurrentTheme() Theme {
	themeMu.RLock()
	defer themeMu.RUnlock()
	return currentTheme
}

func labelStyle(t events.MessageType) lipgloss.Style {
	themeMu.RLock()
	defer themeMu.RUnlock()
	if s, ok := labelStyles[t]; ok {
		return s
	}
	return DimStyle
}

func init() {
	InitTheme(ThemeDark)
}
