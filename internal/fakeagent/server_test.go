package fakeagent

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentsession/internal/events"
)

func TestSSEStreamDeliversEmittedEvents(t *testing.T) {
	fake := New()
	fake.AddSession("s1", "/tmp/p")
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()
	defer fake.CloseStreams()

	resp, err := http.Get(srv.URL + "/sessions/s1/events/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return fake.Subscribers("s1") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, fake.Emit("s1", events.NewEvent(events.TypeTask, "hello")))

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.ServerEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
		assert.Equal(t, events.TypeTask, ev.Type)
		assert.Equal(t, "hello", ev.ContentText())
		return
	}
}

func TestFailureInjection(t *testing.T) {
	fake := New()
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	fake.FailHealth(2)
	codes := []int{}
	for range 3 {
		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{503, 503, 200}, codes)
	assert.Equal(t, 3, fake.CallCount("health"))
}

func TestUnknownSessionIs404(t *testing.T) {
	fake := New()
	srv := httptest.NewServer(fake.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions/nope/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
