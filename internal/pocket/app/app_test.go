package app

import (
	"context"
	"testing"

	"github.com/ddevalco/codex-pocket/internal/pocket/config"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

func TestAnchorAdapterHealthFollowsPresence(t *testing.T) {
	a := newAnchorAdapter("codex")
	ctx := context.Background()

	if h := a.Health(ctx); h.State != provider.Unknown {
		t.Fatalf("unwired probe: %s", h.State)
	}

	connected := false
	a.setConnectedProbe(func() bool { return connected })
	if h := a.Health(ctx); h.State != provider.Degraded {
		t.Fatalf("no anchor: %s", h.State)
	}
	connected = true
	if h := a.Health(ctx); h.State != provider.Healthy {
		t.Fatalf("anchor connected: %s", h.State)
	}
}

func TestAnchorAdapterNeverPromptsInProcess(t *testing.T) {
	a := newAnchorAdapter("codex")
	if _, err := a.SendPrompt(context.Background(), "s1", provider.PromptInput{Text: "x"}, nil); err == nil {
		t.Fatal("in-process prompt against the anchor must fail")
	}
	caps := a.Capabilities()
	if !caps.SendPrompt || !caps.Approvals {
		t.Fatalf("anchor capabilities should advertise the remote surface: %+v", caps)
	}
}

func TestBuildRegistryEnableRules(t *testing.T) {
	enabled := true
	anchor := newAnchorAdapter(config.DefaultProviderID)
	reg := buildRegistry(anchor, map[string]provider.Config{
		"copilot-acp": {Enabled: &enabled, ExecutablePath: "/no/such/copilot"},
		"claude":      {Enabled: &enabled, BaseURL: "http://127.0.0.1:1", APIKey: "k-abcdef"},
		"dormant":     {ExecutablePath: "/no/such/thing"},
	})
	reg.StartAll(context.Background())
	t.Cleanup(func() { reg.StopAll(context.Background()) })

	if _, ok := reg.Get(config.DefaultProviderID); !ok {
		t.Fatal("default provider must run without explicit enable")
	}
	if _, ok := reg.Get("copilot-acp"); !ok {
		t.Fatal("enabled subprocess provider should start (degraded, not absent)")
	}
	if _, ok := reg.Get("claude"); !ok {
		t.Fatal("enabled http provider should start")
	}
	if _, ok := reg.Get("dormant"); ok {
		t.Fatal("opt-in provider without enabled=true must not start")
	}

	// Both secondary adapters report degraded health (bad binary / bad
	// backend) without affecting each other or the anchor entry.
	healths := reg.HealthAll(context.Background())
	if len(healths) != 3 {
		t.Fatalf("healths = %+v", healths)
	}
}
