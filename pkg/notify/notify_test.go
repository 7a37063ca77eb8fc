package notify

import (
	"context"
	"log/slog"
	"os"
	"testing"
)

func TestNoopNotifier_NotifyEscalation(t *testing.T) {
	n := &NoopNotifier{Logger: slog.New(slog.NewTextHandler(os.Stderr, nil))}
	err := n.NotifyEscalation(context.Background(), EscalationNotice{
		AgentID: "agent-1", TeamID: "team-1", FailureCount: 3, SuggestedAction: "manual_review",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNew_EmptyTokenReturnsNoop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	n := New("", "#alerts", logger)
	if _, ok := n.(*NoopNotifier); !ok {
		t.Errorf("New with empty token = %T, want *NoopNotifier", n)
	}

	n2 := New("xoxb-token", "", logger)
	if _, ok := n2.(*NoopNotifier); !ok {
		t.Errorf("New with empty channel = %T, want *NoopNotifier", n2)
	}

	n3 := New("xoxb-token", "#alerts", logger)
	if _, ok := n3.(*SlackNotifier); !ok {
		t.Errorf("New with token+channel = %T, want *SlackNotifier", n3)
	}
}

func TestNotifierInterface(t *testing.T) {
	var _ Notifier = (*NoopNotifier)(nil)
	var _ Notifier = (*SlackNotifier)(nil)
}
