package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/fakeagent"
)

func newFake(t *testing.T) (*fakeagent.Server, *api.Client) {
	t.Helper()
	fake := fakeagent.New()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)
	return fake, api.New(srv.URL + "/")
}

func TestSessionLifecycleCalls(t *testing.T) {
	fake, client := newFake(t)
	ctx := context.Background()

	require.NoError(t, client.Health(ctx))

	exists, err := client.SessionExists(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, exists)

	cfg := api.AgentConfig{Model: "claude", APIKey: "k-1", PromptType: "anthropic"}
	require.NoError(t, client.CreateSession(ctx, "demo", "/work/my repo", cfg))

	sess, ok := fake.Session("demo")
	require.True(t, ok)
	assert.Equal(t, "/work/my repo", sess.Path)
	assert.Equal(t, cfg, sess.Config)

	exists, err = client.SessionExists(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, client.StartSession(ctx, "demo", "k-1"))
	sess, _ = fake.Session("demo")
	assert.Equal(t, fakeagent.StatusRunning, sess.Status)
	assert.Equal(t, "k-1", sess.APIKey)

	require.NoError(t, client.PauseSession(ctx, "demo"))
	require.NoError(t, client.ResetSession(ctx, "demo"))
	require.NoError(t, client.DeleteSession(ctx, "demo"))

	_, ok = fake.Session("demo")
	assert.False(t, ok)
}

func TestMessagesAndEventLog(t *testing.T) {
	fake, client := newFake(t)
	ctx := context.Background()
	fake.AddSession("demo", "/p", events.NewEvent(events.TypeTask, "build it"))

	require.NoError(t, client.SendInterrupt(ctx, "demo", "wait"))
	require.NoError(t, client.SendResponse(ctx, "demo", "yes & no"))

	evs, err := client.LoadEvents(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, events.TypeInterrupt, evs[1].Type)
	assert.Equal(t, "wait", evs[1].ContentText())
	assert.Equal(t, "user", evs[1].Producer)
	assert.Equal(t, "agent", evs[1].Consumer)
	assert.Equal(t, events.TypeUserResponse, evs[2].Type)
	assert.Equal(t, "yes & no", evs[2].ContentText())
}

func TestGetState(t *testing.T) {
	fake, client := newFake(t)
	fake.AddSession("demo", "/p")
	require.NoError(t, fake.SetState("demo", map[string]any{"path": "/p", "files": []string{"a.go"}}))

	state, err := client.GetState(context.Background(), "demo")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(state, &decoded))
	assert.Equal(t, "/p", decoded["path"])
}

func TestErrorKinds(t *testing.T) {
	fake, client := newFake(t)
	ctx := context.Background()

	_, err := client.LoadEvents(ctx, "missing")
	assert.True(t, api.IsNotFound(err), "got %v", err)

	fake.FailCreate(1)
	err = client.CreateSession(ctx, "x", "/p", api.AgentConfig{})
	assert.True(t, api.IsServerError(err), "got %v", err)

	require.NoError(t, client.CreateSession(ctx, "x", "/p", api.AgentConfig{}))
	err = client.CreateSession(ctx, "x", "/p", api.AgentConfig{})
	assert.True(t, api.IsValidation(err), "got %v", err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "create_session", apiErr.Op)
	assert.Contains(t, apiErr.Error(), "session exists")
}

func TestRedirectStatusIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMultipleChoices)
	}))
	defer srv.Close()

	err := api.New(srv.URL).PauseSession(context.Background(), "demo")
	assert.True(t, api.IsServerError(err), "got %v", err)
	assert.False(t, api.IsValidation(err))
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := api.New(url, api.WithTimeout(time.Second))
	err := client.Health(context.Background())
	assert.True(t, api.IsUnreachable(err), "got %v", err)
	assert.Equal(t, api.Unreachable, api.KindOf(err))
}

func TestSessionExistsTreats404AsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	exists, err := api.New(srv.URL).SessionExists(context.Background(), "any")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestHealthCollapsesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))
	defer srv.Close()

	client := api.New(srv.URL)
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, client.Health(context.Background()))
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestSharedHealthSurvivesFirstCallerCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	client := api.New(srv.URL)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() { errA <- client.Health(ctxA) }()
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, time.Millisecond)

	errB := make(chan error, 1)
	go func() { errB <- client.Health(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	err := <-errA
	assert.True(t, api.IsUnreachable(err), "got %v", err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, <-errB)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRateLimitHonoursContext(t *testing.T) {
	_, client := newFake(t)
	limited := api.New(client.Host(), api.WithRateLimit(0.001, 1))

	require.NoError(t, limited.Health(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limited.Health(ctx)
	assert.True(t, api.IsUnreachable(err), "got %v", err)
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, "http://h:1/sessions/a%20b/events/stream", api.StreamURL("http://h:1/", "a b"))
}
