package events

import (
	"slices"
)

const (
	// ToolMessageLimit is the rune length past which an accumulated tool
	// message is cut.
	ToolMessageLimit = 2000

	toolCommandPrefix = "Running command: "
	toolSeparator     = "\n"
)

type modelResponseContent struct {
	Thought string `json:"thought"`
}

type toolRequestContent struct {
	RawCommand string `json:"raw_command"`
}

type gitEventContent struct {
	Type         string `json:"type"`
	Commit       string `json:"commit"`
	CommitToGoTo string `json:"commit_to_go_to"`
}

// Reduce applies one event to view and returns the resulting view. It has
// no side effects: view is never mutated, and the same inputs always give
// the same output. Unknown event types leave the view unchanged.
func Reduce(view SessionView, ev ServerEvent) SessionView {
	switch ev.Type {
	case TypeSessionReset:
		return SessionView{}

	case TypeStop:
		view.Ended = true

	case TypeModelRequest:
		view.ModelLoading = true

	case TypeModelResponse:
		var content modelResponseContent
		if err := ev.DecodeContent(&content); err != nil {
			view = appendMessage(view, Message{
				Text: "failed to parse model response: " + err.Error(),
				Type: MessageError,
			})
		} else {
			view = appendMessage(view, Message{Text: content.Thought, Type: MessageThought})
		}
		view.ModelLoading = false

	case TypeToolRequest:
		var content toolRequestContent
		_ = ev.DecodeContent(&content)
		view.ToolMessage = toolCommandPrefix + content.RawCommand

	case TypeToolResponse:
		msg := view.ToolMessage + toolSeparator + ev.ContentText()
		// Keeps everything after the first ToolMessageLimit runes, which is
		// not a tail of ToolMessageLimit runes once msg exceeds twice the limit.
		if runes := []rune(msg); len(runes) > ToolMessageLimit {
			msg = string(runes[ToolMessageLimit:])
		}
		view = appendMessage(view, Message{Text: msg, Type: MessageTool})
		view.ToolMessage = ""

	case TypeTask:
		view = appendMessage(view, Message{Text: ev.ContentText(), Type: MessageTask})

	case TypeInterrupt:
		view = appendMessage(view, Message{Text: ev.ContentText(), Type: MessageUser})

	case TypeUserRequest:
		view.UserRequest = true
		view = appendMessage(view, Message{Text: ev.ContentText(), Type: MessageAgent})

	case TypeUserResponse:
		view.UserRequest = false
		view = appendMessage(view, Message{Text: ev.ContentText(), Type: MessageUser})

	case TypeError:
		view = appendMessage(view, Message{Text: ev.ContentText(), Type: MessageError})

	case TypeGitEvent:
		var content gitEventContent
		if err := ev.DecodeContent(&content); err != nil {
			return view
		}
		view.GitData = reduceGit(view.GitData, content)
	}
	return view
}

// Fold reduces events onto view in order.
func Fold(view SessionView, evs ...ServerEvent) SessionView {
	for _, ev := range evs {
		view = Reduce(view, ev)
	}
	return view
}

func reduceGit(git GitData, content gitEventContent) GitData {
	switch content.Type {
	case GitBaseCommit:
		commit := content.Commit
		return GitData{BaseCommit: &commit, Commits: []string{commit}}

	case GitCommit:
		git.Commits = append(slices.Clip(git.Commits), content.Commit)
		return git

	case GitRevert:
		commit := content.Commit
		git.BaseCommit = &commit
		// An unknown target truncates the ledger to empty.
		idx := slices.Index(git.Commits, content.CommitToGoTo)
		git.Commits = slices.Clone(git.Commits[:idx+1])
		return git
	}
	return git
}

// appendMessage appends without writing into a backing array another view
// may share.
func appendMessage(view SessionView, m Message) SessionView {
	view.Messages = append(slices.Clip(view.Messages), m)
	return view
}
