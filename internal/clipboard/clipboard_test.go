package clipboard

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stubNative(t *testing.T, err error) *[]string {
	t.Helper()
	var got []string
	prev := writeNative
	writeNative = func(s string) error {
		got = append(got, s)
		return err
	}
	t.Cleanup(func() { writeNative = prev })
	return &got
}

func stubTTY(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tty")
	prev := openTTY
	openTTY = func() (*os.File, error) { return os.Create(path) }
	t.Cleanup(func() { openTTY = prev })
	return path
}

func TestCopyEmptyContent(t *testing.T) {
	_, err := Copy("", true)
	if err == nil || err.Error() != "no content to copy" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCopyNative(t *testing.T) {
	got := stubNative(t, nil)
	res, err := Copy("one\ntwo\n", true)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.Method != "native" || res.LineCount != 2 || res.ByteSize != 8 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(*got) != 1 || (*got)[0] != "one\ntwo\n" {
		t.Fatalf("native writer got %q", *got)
	}
}

func TestCopyFallsBackToOSC52(t *testing.T) {
	stubNative(t, errors.New("no clipboard utilities available"))
	t.Setenv("TMUX", "")
	path := stubTTY(t)

	res, err := Copy("hello", true)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if res.Method != "osc52" {
		t.Fatalf("method = %s, want osc52", res.Method)
	}
	written, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(written), base64.StdEncoding.EncodeToString([]byte("hello"))) {
		t.Fatalf("tty got %q, want the base64 payload", written)
	}
}

func TestCopyWithoutOSC52Fails(t *testing.T) {
	stubNative(t, errors.New("no clipboard utilities available"))
	if _, err := Copy("hello", false); err == nil {
		t.Fatal("expected error when native copy fails and OSC 52 is not allowed")
	}
}

func TestOSC52Sequence(t *testing.T) {
	plain := osc52Sequence("hi", false)
	if !strings.HasPrefix(plain, "\x1b]52;c;") || !strings.Contains(plain, base64.StdEncoding.EncodeToString([]byte("hi"))) {
		t.Fatalf("unexpected sequence %q", plain)
	}
	tmux := osc52Sequence("hi", true)
	if !strings.HasPrefix(tmux, "\x1bPtmux;") {
		t.Fatalf("expected tmux passthrough, got %q", tmux)
	}
}

func TestCountLines(t *testing.T) {
	tests := map[string]int{
		"":                   0,
		"hello":              1,
		"line1\nline2\n":     2,
		"line1\nline2\nline": 3,
	}
	for in, want := range tests {
		if got := countLines(in); got != want {
			t.Errorf("countLines(%q) = %d, want %d", in, got, want)
		}
	}
}
