// Package poller periodically fetches a session's aggregate state snapshot
// and forwards it only when its content changed.
package poller

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/clock"
	"github.com/asheshgoplani/agentsession/internal/logging"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = 2 * time.Second

var pollLog = logging.ForComponent(logging.CompPoller)

// Fetcher is the part of the API client the poller needs.
type Fetcher interface {
	GetState(ctx context.Context, name string) (api.SessionState, error)
}

// Config wires a Poller.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	// OnUpdate receives each snapshot whose content differs from the
	// previously observed one.
	OnUpdate func(api.SessionState)
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
)

// Poller is the state polling task for one session.
type Poller struct {
	name    string
	fetcher Fetcher
	cfg     Config

	cmds   chan cmdKind
	quit   chan struct{}
	exited chan struct{}

	closeOnce sync.Once
	active    atomic.Bool
	fetches   atomic.Int64
}

// New starts an idle Poller for session name.
func New(name string, fetcher Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.OnUpdate == nil {
		cfg.OnUpdate = func(api.SessionState) {}
	}
	p := &Poller{
		name:    name,
		fetcher: fetcher,
		cfg:     cfg,
		cmds:    make(chan cmdKind, 16),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go p.run()
	return p
}

// StartFetching begins polling. The first fetch happens immediately.
// No-op while already fetching.
func (p *Poller) StartFetching() { p.send(cmdStart) }

// StopFetching cancels the interval.
func (p *Poller) StopFetching() { p.send(cmdStop) }

// Close cancels any live interval and ends the task. Safe to call
// multiple times.
func (p *Poller) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.exited
}

// Fetching reports whether the interval is live.
func (p *Poller) Fetching() bool { return p.active.Load() }

// Fetches returns the number of completed fetch attempts.
func (p *Poller) Fetches() int64 { return p.fetches.Load() }

func (p *Poller) send(c cmdKind) {
	select {
	case p.cmds <- c:
	case <-p.exited:
	}
}

func (p *Poller) run() {
	defer close(p.exited)
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel, done = nil, nil
		p.active.Store(false)
	}
	defer stop()

	for {
		select {
		case <-p.quit:
			return
		case c := <-p.cmds:
			switch c {
			case cmdStart:
				if cancel != nil {
					continue
				}
				var ctx context.Context
				ctx, cancel = context.WithCancel(context.Background())
				done = make(chan struct{})
				p.active.Store(true)
				go p.pump(ctx, done)
			case cmdStop:
				stop()
			}
		}
	}
}

// pump owns one fetching period. The fingerprint starts empty, so the
// first snapshot after every StartFetching is always forwarded.
func (p *Poller) pump(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := pollLog.With(slog.String("session", p.name))
	log.Debug("poll_started", slog.Duration("interval", p.cfg.Interval))

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var last string
	fetch := func() {
		state, err := p.fetcher.GetState(ctx, p.name)
		p.fetches.Add(1)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Aggregate(logging.CompPoller, "poll_failed",
				slog.String("session", p.name), slog.String("kind", api.KindOf(err).String()))
			return
		}
		fp := Fingerprint(state)
		if fp == last {
			logging.Aggregate(logging.CompPoller, "poll_unchanged", slog.String("session", p.name))
			return
		}
		last = fp
		log.Debug("poll_changed", slog.String("fingerprint", fp[:12]))
		p.cfg.OnUpdate(state)
	}

	fetch()
	for {
		select {
		case <-ctx.Done():
			log.Debug("poll_stopped")
			return
		case <-ticker.C:
			fetch()
		}
	}
}

// Fingerprint hashes the canonical form of a JSON document: objects are
// re-encoded with sorted keys and insignificant whitespace removed, so two
// structurally equal snapshots hash the same. Invalid JSON is hashed as-is.
func Fingerprint(state api.SessionState) string {
	raw := []byte(state)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err == nil {
		if canonical, err := json.Marshal(doc); err == nil {
			raw = canonical
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
