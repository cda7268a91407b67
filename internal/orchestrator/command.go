package orchestrator

import (
	"errors"
	"fmt"

	"github.com/asheshgoplani/agentsession/internal/api"
)

// CommandType names a host command.
type CommandType string

const (
	CmdCreate      CommandType = "session.create"
	CmdInit        CommandType = "session.init"
	CmdDelete      CommandType = "session.delete"
	CmdPause       CommandType = "session.pause"
	CmdResume      CommandType = "session.resume"
	CmdToggle      CommandType = "session.toggle"
	CmdReset       CommandType = "session.reset"
	CmdSendMessage CommandType = "session.sendMessage"
)

// Command is a request from the host application. Path and AgentConfig
// are read by create and init; Message by sendMessage.
type Command struct {
	Type        CommandType      `json:"type"`
	Path        string           `json:"path,omitempty"`
	AgentConfig *api.AgentConfig `json:"agentConfig,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// Create asks for the remote session to be created at path.
func Create(path string, cfg api.AgentConfig) Command {
	return Command{Type: CmdCreate, Path: path, AgentConfig: &cfg}
}

// Init asks for the event log to be loaded and the session started.
func Init(cfg api.AgentConfig) Command { return Command{Type: CmdInit, AgentConfig: &cfg} }

func Delete() Command { return Command{Type: CmdDelete} }
func Pause() Command  { return Command{Type: CmdPause} }
func Resume() Command { return Command{Type: CmdResume} }
func Toggle() Command { return Command{Type: CmdToggle} }
func Reset() Command  { return Command{Type: CmdReset} }

// SendMessage sends text as an answer or an interrupt.
func SendMessage(text string) Command { return Command{Type: CmdSendMessage, Message: text} }

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("orchestrator: closed")
	// ErrNotStarted is returned by Dispatch before Start.
	ErrNotStarted = errors.New("orchestrator: not started")
	// ErrIgnored is returned when the current state does not accept a
	// command. The command has no effect.
	ErrIgnored = errors.New("orchestrator: command not accepted")
	// ErrUnknownCommand is returned for an unrecognised command type.
	ErrUnknownCommand = errors.New("orchestrator: unknown command")
)

// Validate checks the fields a command type needs.
func (c Command) Validate() error {
	switch c.Type {
	case CmdCreate:
		if c.AgentConfig == nil {
			return fmt.Errorf("%s: agentConfig required", c.Type)
		}
	case CmdSendMessage:
		if c.Message == "" {
			return fmt.Errorf("%s: message required", c.Type)
		}
	case CmdInit, CmdDelete, CmdPause, CmdResume, CmdToggle, CmdReset:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Type)
	}
	return nil
}
