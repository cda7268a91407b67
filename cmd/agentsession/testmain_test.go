package main

import (
	"os"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// TestMain points the home directory at a scratch location so no test can
// read or overwrite the user's config.toml or state.db, and disables color
// so rendered output can be compared as plain text.
func TestMain(m *testing.M) {
	home, err := os.MkdirTemp("", "agentsession-cmd-test-")
	if err != nil {
		panic(err)
	}
	os.Setenv("AGENTSESSION_HOME", home)
	lipgloss.SetColorProfile(termenv.Ascii)

	code := m.Run()

	os.RemoveAll(home)
	os.Exit(code)
}
