package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// scriptPlugin starts a shell script as the policy plugin.
func scriptPlugin(t *testing.T, script string, opts ...PluginOption) *Plugin {
	t.Helper()

	plugin, err := NewPlugin("sh", []string{"-c", script}, opts...)
	if err != nil {
		t.Fatalf("failed to start the plugin: %v", err)
	}

	t.Cleanup(func() { plugin.Close() })
	return plugin
}

func TestPluginVerdicts(t *testing.T) {
	event := &nostr.Event{ID: "e1"}

	tests := []struct {
		name    string
		verdict string
		allowed bool
		reason  string
	}{
		{
			name:    "accept",
			verdict: `{\"id\":\"e1\",\"action\":\"accept\"}`,
			allowed: true,
		},
		{
			name:    "reject with reason",
			verdict: `{\"id\":\"e1\",\"action\":\"reject\",\"msg\":\"spam\"}`,
			allowed: false,
			reason:  "spam",
		},
		{
			name:    "shadow reject",
			verdict: `{\"id\":\"e1\",\"action\":\"shadowReject\"}`,
			allowed: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			script := fmt.Sprintf("while read line; do echo \"%s\"; done", test.verdict)
			plugin := scriptPlugin(t, script)

			allowed, reason, err := plugin.Call(context.Background(), event)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			if allowed != test.allowed {
				t.Fatalf("expected allowed %v, got %v", test.allowed, allowed)
			}

			if reason != test.reason {
				t.Fatalf("expected reason %q, got %q", test.reason, reason)
			}
		})
	}
}

func TestPluginTimeout(t *testing.T) {
	plugin := scriptPlugin(t, "read line; sleep 10", WithCallTimeout(50*time.Millisecond))

	_, _, err := plugin.Call(context.Background(), &nostr.Event{ID: "e1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected %v, got %v", context.DeadlineExceeded, err)
	}
}

func TestPluginClosed(t *testing.T) {
	plugin := scriptPlugin(t, "while read line; do :; done")
	plugin.Close()

	_, _, err := plugin.Call(context.Background(), &nostr.Event{ID: "e1"})
	if !errors.Is(err, ErrPluginClosed) {
		t.Fatalf("expected %v, got %v", ErrPluginClosed, err)
	}
}

func TestAllowAll(t *testing.T) {
	allowed, reason, err := AllowAll{}.Call(context.Background(), &nostr.Event{ID: "e1"})
	if err != nil || !allowed || reason != "" {
		t.Fatalf("expected a clean accept, got allowed=%v reason=%q err=%v", allowed, reason, err)
	}
}
