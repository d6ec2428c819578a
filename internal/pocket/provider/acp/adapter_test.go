package acp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

func TestStartWithMissingBinaryDegrades(t *testing.T) {
	a := New("copilot-acp", provider.Config{ExecutablePath: "/no/such/binary-xyz"})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start must not fail on missing binary, got %v", err)
	}
	h := a.Health(context.Background())
	if h.State != provider.Degraded {
		t.Fatalf("health = %s, want degraded", h.State)
	}
	if h.Provider != "copilot-acp" {
		t.Fatalf("provider = %q", h.Provider)
	}
}

func TestStartWithNoExecutableConfigured(t *testing.T) {
	a := New("copilot-acp", provider.Config{})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h := a.Health(context.Background()); h.State != provider.Degraded {
		t.Fatalf("health = %s, want degraded", h.State)
	}
}

func TestUpdateNotificationsReachSubscribers(t *testing.T) {
	a := New("copilot-acp", provider.Config{})

	got := make(chan events.NormalizedEvent, 4)
	a.Subscribe("s1", func(ev events.NormalizedEvent) { got <- ev })

	send := func(line string) {
		a.handleUpdate(json.RawMessage(line))
	}
	send(`{"sessionId":"s1","turnId":"t1","type":"content","delta":"Hello "}`)
	send(`{"sessionId":"s1","turnId":"t1","type":"content","delta":"world"}`)
	send(`{"sessionId":"s1","turnId":"t1","type":"content","delta":"!","done":true}`)

	select {
	case ev := <-got:
		if ev.Category != events.CategoryAgentMessage || ev.Text != "Hello world!" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.Provider != "copilot-acp" || ev.SessionID != "s1" {
			t.Fatalf("routing fields wrong: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	// Unsubscribed sessions receive nothing.
	a.Unsubscribe("s1")
	send(`{"sessionId":"s1","turnId":"t2","type":"content","delta":"x","done":true}`)
	select {
	case ev := <-got:
		t.Fatalf("event after unsubscribe: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestToolFieldsMergeIntoPayload(t *testing.T) {
	a := New("copilot-acp", provider.Config{})

	got := make(chan events.NormalizedEvent, 1)
	a.Subscribe("s1", func(ev events.NormalizedEvent) { got <- ev })

	a.handleUpdate(json.RawMessage(`{"sessionId":"s1","turnId":"t1","type":"tool","command":"go test"}`))
	a.handleUpdate(json.RawMessage(`{"sessionId":"s1","turnId":"t1","type":"tool","output":"ok","exitCode":0,"done":true}`))

	select {
	case ev := <-got:
		if ev.Category != events.CategoryToolCommand {
			t.Fatalf("category = %s", ev.Category)
		}
		if ev.Payload["command"] != "go test" || ev.Payload["output"] != "ok" || ev.Payload["exitCode"] != 0 {
			t.Fatalf("payload = %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPermissionRequestRoundTrip(t *testing.T) {
	a := New("copilot-acp", provider.Config{})

	requests := make(chan provider.ApprovalRequest, 1)
	a.OnApprovalRequest(func(req provider.ApprovalRequest) { requests <- req })

	params := json.RawMessage(`{
		"sessionId": "abc",
		"toolCall": {"toolCallId": "tc9", "title": "Run ls", "kind": "execute"},
		"options": [{"optionId": "allow_once", "name": "Allow once"}, {"optionId": "reject"}]
	}`)

	type handlerResult struct {
		result any
		err    error
	}
	done := make(chan handlerResult, 1)
	go func() {
		res, err := a.handlePermission(context.Background(), json.RawMessage("7"), params)
		done <- handlerResult{res, err}
	}()

	var req provider.ApprovalRequest
	select {
	case req = <-requests:
	case <-time.After(time.Second):
		t.Fatal("approval handler never fired")
	}
	if req.RPCID != "7" || req.SessionID != "abc" || req.ToolCallID != "tc9" {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.Options) != 2 || req.Options[0].OptionID != "allow_once" {
		t.Fatalf("options wrong: %+v", req.Options)
	}

	if err := a.ResolveApproval("7", provider.ApprovalOutcome{
		Outcome: provider.OutcomeSelected, OptionID: "allow_once",
	}); err != nil {
		t.Fatalf("ResolveApproval: %v", err)
	}

	select {
	case hr := <-done:
		if hr.err != nil {
			t.Fatalf("handler error: %v", hr.err)
		}
		outcome, ok := hr.result.(provider.ApprovalOutcome)
		if !ok || outcome.Outcome != provider.OutcomeSelected || outcome.OptionID != "allow_once" {
			t.Fatalf("handler result = %+v", hr.result)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never returned after resolution")
	}

	// Resolution is single-shot.
	if err := a.ResolveApproval("7", provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}); err == nil {
		t.Fatal("second resolution should fail")
	}
}

func TestAutoApproveAnswersImmediately(t *testing.T) {
	a := New("copilot-acp", provider.Config{AutoApprove: true})

	caps := a.Capabilities()
	if caps.Approvals {
		t.Fatal("autoApprove must disable the approvals capability")
	}
	if caps.Flags[provider.FlagSupportsApprovals] {
		t.Fatal("UI flag must mirror the disabled capability")
	}

	params := json.RawMessage(`{
		"sessionId": "abc",
		"toolCall": {"toolCallId": "tc1"},
		"options": [{"optionId": "allow_once"}]
	}`)
	res, err := a.handlePermission(context.Background(), json.RawMessage("1"), params)
	if err != nil {
		t.Fatalf("handlePermission: %v", err)
	}
	outcome := res.(provider.ApprovalOutcome)
	if outcome.Outcome != provider.OutcomeSelected || outcome.OptionID != "allow_once" {
		t.Fatalf("auto-approve outcome = %+v", outcome)
	}
}

func TestNoHandlerCancelsNotApproves(t *testing.T) {
	a := New("copilot-acp", provider.Config{})
	params := json.RawMessage(`{"sessionId":"abc","toolCall":{"toolCallId":"tc1"},"options":[{"optionId":"allow_once"}]}`)
	res, err := a.handlePermission(context.Background(), json.RawMessage("1"), params)
	if err != nil {
		t.Fatalf("handlePermission: %v", err)
	}
	outcome := res.(provider.ApprovalOutcome)
	if outcome.Outcome != provider.OutcomeCancelled {
		t.Fatalf("unattended prompt must cancel, got %+v", outcome)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := New("copilot-acp", provider.Config{})
	ctx := context.Background()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
