package ui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

// ErrUnknownInput is returned for a "/" command ParseInput does not know.
var ErrUnknownInput = errors.New("unknown command")

// ParseInput maps one line typed by the user to a command. Lines starting
// with "/" are control commands; "//" escapes a literal slash. A blank
// line yields an empty Command.
func ParseInput(line string) (cmd orchestrator.Command, quit bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return orchestrator.Command{}, false, nil
	case strings.HasPrefix(line, "//"):
		return orchestrator.SendMessage(line[1:]), false, nil
	case !strings.HasPrefix(line, "/"):
		return orchestrator.SendMessage(line), false, nil
	}

	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/pause":
		return orchestrator.Pause(), false, nil
	case "/resume":
		return orchestrator.Resume(), false, nil
	case "/toggle":
		return orchestrator.Toggle(), false, nil
	case "/reset":
		return orchestrator.Reset(), false, nil
	case "/delete":
		return orchestrator.Delete(), false, nil
	case "/quit", "/exit", "/q":
		return orchestrator.Command{}, true, nil
	}
	return orchestrator.Command{}, false, fmt.Errorf("%w: %s", ErrUnknownInput, line)
}
