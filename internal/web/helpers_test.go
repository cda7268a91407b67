package web

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asheshgoplani/agentsession/internal/api"
	"github.com/asheshgoplani/agentsession/internal/fakeagent"
	"github.com/asheshgoplani/agentsession/internal/orchestrator"
)

type testEnv struct {
	fake  *fakeagent.Server
	agent *httptest.Server
	reg   *orchestrator.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := fakeagent.New()
	agent := httptest.NewServer(fake.Handler())
	reg := orchestrator.NewRegistry(orchestrator.RegistryOptions{
		Clients: func(host string) orchestrator.API { return api.New(host) },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.CloseAll(ctx)
		fake.CloseStreams()
		agent.Close()
	})
	return &testEnv{fake: fake, agent: agent, reg: reg}
}

func (e *testEnv) template() orchestrator.Config {
	return orchestrator.Config{
		Host:                e.agent.URL,
		AgentConfig:         api.AgentConfig{Model: "m1", APIKey: "key-1"},
		HealthcheckInterval: 20 * time.Millisecond,
		RetryInterval:       20 * time.Millisecond,
		PollInterval:        20 * time.Millisecond,
	}
}

func (e *testEnv) register(t *testing.T, name string) *orchestrator.Orchestrator {
	t.Helper()
	cfg := e.template()
	cfg.Name = name
	o, err := e.reg.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return o
}

func (e *testEnv) server(cfg Config) *Server {
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Registry = e.reg
	cfg.Template = e.template()
	return NewServer(cfg)
}

func waitState(t *testing.T, o *orchestrator.Orchestrator, s orchestrator.State) orchestrator.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.WaitForState(ctx, s)
	if err != nil {
		t.Fatalf("waiting for %s: %v (last state %s)", s, err, st.State)
	}
	return st
}
