package ui

import (
	"context"
	"log/slog"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	dark "github.com/thiagokokada/dark-mode-go"

	"github.com/asheshgoplani/agentsession/internal/logging"
)

var uiLog = logging.ForComponent(logging.CompUI)

// ThemeWatcher follows OS dark mode changes while the theme is "system".
type ThemeWatcher struct {
	changeCh  chan bool // true=dark; buffered, latest wins
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewThemeWatcher starts watching. Returns nil when the platform cannot
// report changes; callers keep the theme they started with.
func NewThemeWatcher(parentCtx context.Context) *ThemeWatcher {
	ctx, cancel := context.WithCancel(parentCtx)

	changes, errs, err := dark.WatchDarkMode(ctx)
	if err != nil {
		cancel()
		uiLog.Warn("theme_watcher_init_failed", slog.String("error", err.Error()))
		return nil
	}

	tw := &ThemeWatcher{
		changeCh: make(chan bool, 1),
		closeCh:  make(chan struct{}),
	}
	go tw.watchLoop(cancel, changes, errs)
	return tw
}

func (tw *ThemeWatcher) watchLoop(cancel context.CancelFunc, changes <-chan bool, errs <-chan error) {
	defer cancel()
	for {
		select {
		case <-tw.closeCh:
			return
		case isDark, ok := <-changes:
			if !ok {
				return
			}
			select {
			case <-tw.changeCh:
			default:
			}
			tw.changeCh <- isDark
		case err, ok := <-errs:
			if ok && err != nil {
				uiLog.Warn("theme_watcher_error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (tw *ThemeWatcher) Close() {
	if tw == nil {
		return
	}
	tw.closeOnce.Do(func() { close(tw.closeCh) })
}

type themeChangedMsg struct{ theme Theme }

// listenForTheme waits for the next OS theme change.
func listenForTheme(tw *ThemeWatcher) tea.Cmd {
	if tw == nil {
		return nil
	}
	return func() tea.Msg {
		select {
		case isDark := <-tw.changeCh:
			if isDark {
				return themeChangedMsg{theme: ThemeDark}
			}
			return themeChangedMsg{theme: ThemeLight}
		case <-tw.closeCh:
			return nil
		}
	}
}
