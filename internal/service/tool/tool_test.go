package tool

import (
	"context"
	"testing"
	"time"

	"github.com/cipher982/zerg/internal/service/credential"
)

func testRegistry() *Registry {
	b := NewBuilder(0)
	b.Add(Definition{
		Tool:    toolSchema("github_issues", "List issues", map[string]any{}, nil),
		Handler: func(context.Context, Invocation, map[string]any) Result { return Success("issues") },
	})
	b.Add(Definition{
		Tool:    toolSchema("github_pulls", "List pulls", map[string]any{}, nil),
		Handler: func(context.Context, Invocation, map[string]any) Result { return Success("pulls") },
	})
	b.Add(Definition{
		Tool:    toolSchema("slack_webhook", "Post to Slack", map[string]any{}, nil),
		Handler: func(context.Context, Invocation, map[string]any) Result { return Success("posted") },
	})
	return b.Build()
}

func TestExpandWildcard(t *testing.T) {
	reg := testRegistry()

	got := reg.Expand([]string{"github_*"})
	if len(got) != 2 {
		t.Fatalf("Expand(github_*) returned %d tools, want 2", len(got))
	}
	if got[0].Name != "github_issues" || got[1].Name != "github_pulls" {
		t.Fatalf("Expand(github_*) = %v", got)
	}
}

func TestExpandEmptyMeansAll(t *testing.T) {
	reg := testRegistry()

	got := reg.Expand(nil)
	if len(got) != 3 {
		t.Fatalf("Expand(nil) returned %d tools, want 3", len(got))
	}
}

func TestExpandExactName(t *testing.T) {
	reg := testRegistry()

	got := reg.Expand([]string{"slack_webhook"})
	if len(got) != 1 || got[0].Name != "slack_webhook" {
		t.Fatalf("Expand(slack_webhook) = %v", got)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	reg := testRegistry()

	res := reg.Invoke(context.Background(), "nope", nil, Invocation{})
	if res.OK {
		t.Fatal("unknown tool should fail")
	}
	if res.ErrorType != ErrInvalidArguments {
		t.Fatalf("error_type = %q, want %q", res.ErrorType, ErrInvalidArguments)
	}
}

func TestInvokeTimeout(t *testing.T) {
	b := NewBuilder(0)
	b.Add(Definition{
		Tool: toolSchema("slow", "Sleeps forever", map[string]any{}, nil),
		Handler: func(ctx context.Context, _ Invocation, _ map[string]any) Result {
			<-ctx.Done()
			return Success("never")
		},
		Timeout: 50 * time.Millisecond,
	})
	reg := b.Build()

	res := reg.Invoke(context.Background(), "slow", nil, Invocation{})
	if res.OK {
		t.Fatal("timed-out tool should fail")
	}
	if res.ErrorType != ErrUpstream {
		t.Fatalf("error_type = %q, want %q", res.ErrorType, ErrUpstream)
	}
}

func TestInvokePanicRecovery(t *testing.T) {
	b := NewBuilder(0)
	b.Add(Definition{
		Tool: toolSchema("boom", "Panics", map[string]any{}, nil),
		Handler: func(context.Context, Invocation, map[string]any) Result {
			panic("kaboom")
		},
	})
	reg := b.Build()

	res := reg.Invoke(context.Background(), "boom", nil, Invocation{})
	if res.OK {
		t.Fatal("panicking tool should fail")
	}
}

func TestEnvelopeShapes(t *testing.T) {
	res := NotConfigured("slack_webhook", "https://example.com/settings/connectors")
	if res.OK {
		t.Fatal("NotConfigured should not be ok")
	}
	if res.ErrorType != ErrConnectorNotConfigured {
		t.Fatalf("error_type = %q", res.ErrorType)
	}
	if res.Connector != "slack_webhook" || res.SetupURL == "" {
		t.Fatalf("envelope missing connector/setup_url: %+v", res)
	}
}

func TestInvokeMarksRateLimitedConnector(t *testing.T) {
	limits := credential.NewRateLimitTracker()

	b := NewBuilder(0)
	b.SetRateLimitTracker(limits)
	b.Add(Definition{
		Tool: toolSchema("slack_webhook", "Post to Slack", map[string]any{}, nil),
		Handler: func(context.Context, Invocation, map[string]any) Result {
			return Result{
				OK:          false,
				ErrorType:   ErrRateLimited,
				UserMessage: "slow down",
				Connector:   "slack_webhook",
			}
		},
	})
	reg := b.Build()

	reg.Invoke(context.Background(), "slack_webhook", nil, Invocation{})

	if !limits.Limited("slack_webhook") {
		t.Fatal("rate-limited result must mark the connector in the tracker")
	}
	if limits.Limited("email_smtp") {
		t.Fatal("other connectors must stay unmarked")
	}
}
