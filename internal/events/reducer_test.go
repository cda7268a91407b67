package events

import (
	"encoding/json"
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gitEvent(kind, commit, target string) ServerEvent {
	content := map[string]string{"type": kind, "commit": commit}
	if target != "" {
		content["commit_to_go_to"] = target
	}
	return NewEvent(TypeGitEvent, content)
}

func strPtr(s string) *string { return &s }

func TestReduceModelTurn(t *testing.T) {
	view := Reduce(SessionView{}, ServerEvent{Type: TypeModelRequest})
	assert.True(t, view.ModelLoading)

	view = Reduce(view, NewEvent(TypeModelResponse, `{"thought":"hi"}`))
	assert.False(t, view.ModelLoading)
	assert.Equal(t, []Message{{Text: "hi", Type: MessageThought}}, view.Messages)
}

func TestReduceModelResponseObjectContent(t *testing.T) {
	ev := ServerEvent{Type: TypeModelResponse, Content: json.RawMessage(`{"thought":"direct"}`)}
	view := Reduce(SessionView{ModelLoading: true}, ev)
	assert.Equal(t, []Message{{Text: "direct", Type: MessageThought}}, view.Messages)
}

func TestReduceModelResponseParseFailure(t *testing.T) {
	view := Reduce(SessionView{ModelLoading: true}, NewEvent(TypeModelResponse, "not json"))

	require.Len(t, view.Messages, 1)
	assert.Equal(t, MessageError, view.Messages[0].Type)
	assert.Contains(t, view.Messages[0].Text, "failed to parse model response")
	assert.False(t, view.ModelLoading)
}

func TestReduceToolCall(t *testing.T) {
	view := Reduce(SessionView{}, NewEvent(TypeToolRequest, map[string]string{"raw_command": "ls"}))
	assert.Equal(t, "Running command: ls", view.ToolMessage)
	assert.Empty(t, view.Messages)

	view = Reduce(view, NewEvent(TypeToolResponse, "a\nb"))
	require.Len(t, view.Messages, 1)
	assert.Equal(t, MessageTool, view.Messages[0].Type)
	assert.Equal(t, "Running command: ls\na\nb", view.Messages[0].Text)
	assert.Empty(t, view.ToolMessage)
}

func TestReduceToolResponseTruncation(t *testing.T) {
	tests := []struct {
		name    string
		outLen  int
		wantLen int
	}{
		{"under limit kept whole", 100, len("Running command: x\n") + 100},
		{"just over limit drops first 2000 runes", 2000, len("Running command: x\n") + 2000 - ToolMessageLimit},
		{"far over limit keeps more than the limit", 5000, len("Running command: x\n") + 5000 - ToolMessageLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := Reduce(SessionView{}, NewEvent(TypeToolRequest, map[string]string{"raw_command": "x"}))
			view = Reduce(view, NewEvent(TypeToolResponse, strings.Repeat("z", tt.outLen)))
			require.Len(t, view.Messages, 1)
			assert.Len(t, []rune(view.Messages[0].Text), tt.wantLen)
		})
	}
}

func TestReduceToolResponseCountsRunes(t *testing.T) {
	view := SessionView{ToolMessage: "Running command: x"}
	view = Reduce(view, NewEvent(TypeToolResponse, strings.Repeat("é", 1990)))
	// 18 + 1 + 1990 = 2009 runes, so 9 remain
	require.Len(t, view.Messages, 1)
	assert.Equal(t, strings.Repeat("é", 9), view.Messages[0].Text)
}

func TestReduceConversationMessages(t *testing.T) {
	tests := []struct {
		ev   ServerEvent
		want Message
	}{
		{NewEvent(TypeTask, "fix the build"), Message{"fix the build", MessageTask}},
		{NewEvent(TypeInterrupt, "stop that"), Message{"stop that", MessageUser}},
		{NewEvent(TypeError, "boom"), Message{"boom", MessageError}},
		{NewEvent(TypeUserRequest, "which file?"), Message{"which file?", MessageAgent}},
		{NewEvent(TypeUserResponse, "main.go"), Message{"main.go", MessageUser}},
	}
	for _, tt := range tests {
		t.Run(string(tt.ev.Type), func(t *testing.T) {
			view := Reduce(SessionView{}, tt.ev)
			assert.Equal(t, []Message{tt.want}, view.Messages)
		})
	}
}

func TestReduceUserRequestToggle(t *testing.T) {
	view := Reduce(SessionView{}, NewEvent(TypeUserRequest, "q"))
	assert.True(t, view.UserRequest)
	view = Reduce(view, NewEvent(TypeTask, "unrelated"))
	assert.True(t, view.UserRequest)
	view = Reduce(view, NewEvent(TypeUserResponse, "a"))
	assert.False(t, view.UserRequest)
}

func TestReduceStopAndReset(t *testing.T) {
	view := Fold(SessionView{}, NewEvent(TypeTask, "t"), ServerEvent{Type: TypeStop})
	assert.True(t, view.Ended)

	view = Reduce(view, NewEvent(TypeTask, "after stop"))
	assert.True(t, view.Ended)

	view = Reduce(view, ServerEvent{Type: TypeSessionReset})
	assert.Equal(t, SessionView{}, view)
}

func TestReduceGitLedger(t *testing.T) {
	view := Fold(SessionView{},
		gitEvent(GitBaseCommit, "c0", ""),
		gitEvent(GitCommit, "c1", ""),
		gitEvent(GitCommit, "c2", ""),
		gitEvent(GitCommit, "c3", ""),
	)
	assert.Equal(t, strPtr("c0"), view.GitData.BaseCommit)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, view.GitData.Commits)

	reverted := Reduce(view, gitEvent(GitRevert, "c1", "c1"))
	assert.Equal(t, strPtr("c1"), reverted.GitData.BaseCommit)
	assert.Equal(t, []string{"c0", "c1"}, reverted.GitData.Commits)

	// the pre-revert view is untouched
	assert.Equal(t, []string{"c0", "c1", "c2", "c3"}, view.GitData.Commits)

	rebased := Reduce(reverted, gitEvent(GitBaseCommit, "n0", ""))
	assert.Equal(t, GitData{BaseCommit: strPtr("n0"), Commits: []string{"n0"}}, rebased.GitData)
}

func TestReduceGitRevertUnknownCommit(t *testing.T) {
	view := Fold(SessionView{}, gitEvent(GitBaseCommit, "c0", ""), gitEvent(GitCommit, "c1", ""))

	var got SessionView
	require.NotPanics(t, func() {
		got = Reduce(view, gitEvent(GitRevert, "cX", "missing"))
	})
	assert.Equal(t, strPtr("cX"), got.GitData.BaseCommit)
	assert.Empty(t, got.GitData.Commits)
}

func TestReduceGitUnknownKindAndBadContent(t *testing.T) {
	view := Fold(SessionView{}, gitEvent(GitBaseCommit, "c0", ""))
	assert.Equal(t, view, Reduce(view, gitEvent("tag", "v1", "")))
	assert.Equal(t, view, Reduce(view, ServerEvent{Type: TypeGitEvent, Content: json.RawMessage(`[1,2]`)}))
}

func TestReduceUnknownEventIsNoop(t *testing.T) {
	view := Fold(SessionView{}, NewEvent(TypeTask, "t"), ServerEvent{Type: TypeModelRequest})
	assert.Equal(t, view, Reduce(view, NewEvent("Checkpoint", "x")))
}

func TestReduceDoesNotAliasInput(t *testing.T) {
	base := SessionView{Messages: make([]Message, 1, 8)}
	base.Messages[0] = Message{Text: "first", Type: MessageUser}

	a := Reduce(base, NewEvent(TypeTask, "a"))
	b := Reduce(base, NewEvent(TypeTask, "b"))

	assert.Len(t, base.Messages, 1)
	assert.Equal(t, "a", a.Messages[1].Text)
	assert.Equal(t, "b", b.Messages[1].Text)
}

var randomEventTypes = []EventType{
	TypeStop, TypeModelRequest, TypeModelResponse, TypeToolRequest, TypeToolResponse,
	TypeTask, TypeInterrupt, TypeUserRequest, TypeUserResponse, TypeError, TypeGitEvent,
	"Unknown",
}

func randomEvents(r *rand.Rand, n int) []ServerEvent {
	commits := []string{"a", "b", "c", "d", "e"}
	evs := make([]ServerEvent, 0, n)
	for range n {
		switch t := randomEventTypes[r.Intn(len(randomEventTypes))]; t {
		case TypeModelResponse:
			if r.Intn(4) == 0 {
				evs = append(evs, NewEvent(t, "{broken"))
			} else {
				evs = append(evs, NewEvent(t, `{"thought":"t"}`))
			}
		case TypeToolRequest:
			evs = append(evs, NewEvent(t, map[string]string{"raw_command": "cmd"}))
		case TypeGitEvent:
			kinds := []string{GitBaseCommit, GitCommit, GitCommit, GitRevert}
			evs = append(evs, gitEvent(kinds[r.Intn(len(kinds))], commits[r.Intn(len(commits))], commits[r.Intn(len(commits))]))
		default:
			evs = append(evs, NewEvent(t, "x"))
		}
	}
	return evs
}

func TestReduceProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for run := range 200 {
		evs := randomEvents(r, 60)

		view := SessionView{}
		ended := false
		for i, ev := range evs {
			prev := view
			view = Reduce(view, ev)

			// messages only grow, and the prefix is unchanged
			require.GreaterOrEqual(t, len(view.Messages), len(prev.Messages), "run %d event %d", run, i)
			if len(prev.Messages) > 0 {
				require.Equal(t, prev.Messages, view.Messages[:len(prev.Messages)], "run %d event %d", run, i)
			}

			// ended is monotonic
			if ended {
				require.True(t, view.Ended, "run %d event %d", run, i)
			}
			ended = view.Ended

			// only UserRequest/UserResponse touch userRequest
			switch ev.Type {
			case TypeUserRequest:
				require.True(t, view.UserRequest)
			case TypeUserResponse:
				require.False(t, view.UserRequest)
			default:
				require.Equal(t, prev.UserRequest, view.UserRequest)
			}

			// every ledger entry is one that was committed
			for _, c := range view.GitData.Commits {
				require.True(t, slices.Contains([]string{"a", "b", "c", "d", "e"}, c))
			}
		}

		// determinism
		assert.Equal(t, view, Fold(SessionView{}, evs...), "run %d", run)
	}
}
