package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("EMAIL_TRANSPORT", "log")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SNS_ALERT_TOPIC_ARN", "")
	t.Setenv("SQS_TRIGGER_QUEUE_URL", "")
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	err := app.Run(append([]string{"notifier"}, args...))
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	app := newApp()
	for _, name := range []string{"run", "reconcile", "set-email", "listen", "schedule"} {
		if app.Command(name) == nil {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestRun_EmptyPass(t *testing.T) {
	setupEnv(t)

	out, err := runCLI(t, "run")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"candidates": 0`) {
		t.Errorf("expected empty summary, got %s", out)
	}
}

func TestRun_UnknownBlockIsNoop(t *testing.T) {
	setupEnv(t)

	out, err := runCLI(t, "run", uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"claimed": 0`) {
		t.Errorf("expected nothing claimed, got %s", out)
	}
}

func TestRun_InvalidBlockID(t *testing.T) {
	setupEnv(t)

	_, err := runCLI(t, "run", "not-a-uuid")
	if err == nil || !strings.Contains(err.Error(), "invalid block id") {
		t.Fatalf("expected invalid block id error, got %v", err)
	}
}

func TestReconcile(t *testing.T) {
	setupEnv(t)

	out, err := runCLI(t, "reconcile")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, `"released": 0`) {
		t.Errorf("expected released count, got %s", out)
	}
}

func TestListen_RequiresQueue(t *testing.T) {
	setupEnv(t)

	_, err := runCLI(t, "listen")
	if err == nil || !strings.Contains(err.Error(), "SQS_TRIGGER_QUEUE_URL") {
		t.Fatalf("expected missing queue error, got %v", err)
	}
}

func TestConfigErrorSurfaces(t *testing.T) {
	setupEnv(t)
	t.Setenv("STORE_BACKEND", "sqlite")

	_, err := runCLI(t, "run")
	if err == nil || !strings.Contains(err.Error(), "failed to load config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSetEmail_Rejections(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing args", []string{"set-email"}, "usage"},
		{"bad id", []string{"set-email", "nope", "a@b.c"}, "invalid block id"},
		{"bad email", []string{"set-email", uuid.NewString(), "nope"}, "invalid email"},
		{"unknown block", []string{"set-email", uuid.NewString(), "a@b.c"}, "block not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
