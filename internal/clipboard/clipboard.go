// Package clipboard copies conversation text out of the terminal UI.
package clipboard

import (
	"fmt"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/aymanbagabas/go-osc52/v2"
)

// CopyResult describes a successful copy.
type CopyResult struct {
	Method    string // "native" or "osc52"
	ByteSize  int
	LineCount int
}

// writeNative and openTTY are replaced in tests.
var (
	writeNative = clipboard.WriteAll
	openTTY     = func() (*os.File, error) { return os.OpenFile("/dev/tty", os.O_WRONLY, 0) }
)

// Copy puts text on the system clipboard. When no clipboard tool is
// available and allowOSC52 is set, it falls back to the OSC 52 escape
// sequence, which most terminal emulators (and tmux) forward.
func Copy(text string, allowOSC52 bool) (*CopyResult, error) {
	if text == "" {
		return nil, fmt.Errorf("no content to copy")
	}
	res := &CopyResult{ByteSize: len(text), LineCount: countLines(text)}

	nativeErr := writeNative(text)
	if nativeErr == nil {
		res.Method = "native"
		return res, nil
	}
	if !allowOSC52 {
		return nil, fmt.Errorf("clipboard: %w", nativeErr)
	}

	tty, err := openTTY()
	if err != nil {
		return nil, fmt.Errorf("clipboard: no native tool (%v) and cannot open terminal: %w", nativeErr, err)
	}
	defer tty.Close()
	if _, err := tty.WriteString(osc52Sequence(text, os.Getenv("TMUX") != "")); err != nil {
		return nil, fmt.Errorf("clipboard: osc52: %w", err)
	}
	res.Method = "osc52"
	return res, nil
}

// osc52Sequence builds the escape sequence, wrapped for tmux passthrough
// when inTmux is set.
func osc52Sequence(text string, inTmux bool) string {
	seq := osc52.New(text)
	if inTmux {
		seq = seq.Tmux()
	}
	return seq.String()
}

// countLines counts lines; a trailing newline does not add one.
func countLines(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}
