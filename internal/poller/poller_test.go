package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/clock"
)

// scriptedFetcher returns states in order, repeating the last one.
type scriptedFetcher struct {
	mu     sync.Mutex
	states []string
	errs   map[int]error
	calls  int
}

func (f *scriptedFetcher) GetState(ctx context.Context, name string) (api.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if err := f.errs[i]; err != nil {
		return nil, err
	}
	if i >= len(f.states) {
		i = len(f.states) - 1
	}
	return api.SessionState(f.states[i]), nil
}

type updates struct {
	mu  sync.Mutex
	got []string
}

func (u *updates) add(s api.SessionState) {
	u.mu.Lock()
	u.got = append(u.got, string(s))
	u.mu.Unlock()
}

func (u *updates) list() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.got...)
}

func TestFingerprintIsStructural(t *testing.T) {
	a := Fingerprint(api.SessionState(`{"path":"/p","files":["a","b"],"git":{"branch":"main"}}`))
	b := Fingerprint(api.SessionState(`{ "git": {"branch": "main"}, "files": ["a", "b"], "path": "/p" }`))
	c := Fingerprint(api.SessionState(`{"path":"/p","files":["b","a"],"git":{"branch":"main"}}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	big1 := Fingerprint(api.SessionState(`{"n":9007199254740993}`))
	big2 := Fingerprint(api.SessionState(`{"n":9007199254740992}`))
	assert.NotEqual(t, big1, big2, "large integers keep their precision")

	assert.NotEmpty(t, Fingerprint(api.SessionState(`not json`)))
}

func TestPollerEmitsOnlyChanges(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	fetcher := &scriptedFetcher{states: []string{
		`{"files":["a"]}`,
		`{ "files": ["a"] }`,
		`{"files":["a","b"]}`,
		`{"files":["a","b"]}`,
	}}
	got := &updates{}
	p := New("demo", fetcher, Config{Interval: time.Second, Clock: fake, OnUpdate: got.add})
	defer p.Close()

	p.StartFetching()
	require.Eventually(t, func() bool { return len(got.list()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), p.Fetches())

	for i := 2; i <= 4; i++ {
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
		want := int64(i)
		require.Eventually(t, func() bool { return p.Fetches() == want }, time.Second, time.Millisecond)
	}
	assert.Equal(t, []string{`{"files":["a"]}`, `{"files":["a","b"]}`}, got.list())
}

func TestPollerIgnoresFetchErrors(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	fetcher := &scriptedFetcher{
		states: []string{`{"x":1}`},
		errs:   map[int]error{0: &api.Error{Kind: api.Unreachable, Op: "get_state", Err: errors.New("refused")}},
	}
	got := &updates{}
	p := New("demo", fetcher, Config{Interval: time.Second, Clock: fake, OnUpdate: got.add})
	defer p.Close()

	p.StartFetching()
	require.Eventually(t, func() bool { return p.Fetches() == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, got.list())

	fake.WaitForTimers(1)
	fake.Advance(time.Second)
	require.Eventually(t, func() bool { return len(got.list()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, p.Fetching())
}

func TestPollerStopCancelsInterval(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	fetcher := &scriptedFetcher{states: []string{`{}`}}
	got := &updates{}
	p := New("demo", fetcher, Config{Interval: time.Second, Clock: fake, OnUpdate: got.add})
	defer p.Close()

	p.StartFetching()
	p.StartFetching() // already fetching
	require.Eventually(t, func() bool { return p.Fetches() == 1 }, time.Second, time.Millisecond)
	fake.WaitForTimers(1)
	assert.Equal(t, 1, fake.PendingCount())

	p.StopFetching()
	require.Eventually(t, func() bool { return !p.Fetching() }, time.Second, time.Millisecond)
	assert.Zero(t, fake.PendingCount())

	fake.Advance(10 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int64(1), p.Fetches())

	// A new fetching period re-emits the current snapshot.
	p.StartFetching()
	require.Eventually(t, func() bool { return len(got.list()) == 2 }, time.Second, time.Millisecond)
}

func TestPollerCloseStopsEverything(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	p := New("demo", &scriptedFetcher{states: []string{`{}`}}, Config{Interval: time.Second, Clock: fake})
	p.StartFetching()
	fake.WaitForTimers(1)

	p.Close()
	p.Close()
	assert.False(t, p.Fetching())
	assert.Zero(t, fake.PendingCount())
	p.StartFetching() // must not block after close
}
