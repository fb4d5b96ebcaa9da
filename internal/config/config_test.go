package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Errorf("expected postgres backend, got %s", cfg.StoreBackend)
	}
	if cfg.LeadTime != 10*time.Minute || cfg.Tolerance != 30*time.Second {
		t.Errorf("unexpected window defaults: lead=%s tol=%s", cfg.LeadTime, cfg.Tolerance)
	}
	if cfg.Pacing != 100*time.Millisecond {
		t.Errorf("expected 100ms pacing, got %s", cfg.Pacing)
	}
	if cfg.ClaimLease != 15*time.Minute {
		t.Errorf("expected 15m lease, got %s", cfg.ClaimLease)
	}
	if cfg.DispatchSchedule != "* * * * *" {
		t.Errorf("unexpected schedule %q", cfg.DispatchSchedule)
	}
	if cfg.ReminderTimezone != time.UTC {
		t.Errorf("expected UTC, got %s", cfg.ReminderTimezone)
	}
	if cfg.DispatchLockTTL != 30*time.Second {
		t.Errorf("expected 30s lock ttl, got %s", cfg.DispatchLockTTL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("NOTIFY_PACING", "250ms")
	t.Setenv("DISPATCH_SCHEDULE", "*/2 * * * *")
	t.Setenv("REMINDER_TIMEZONE", "Asia/Kolkata")
	t.Setenv("SQS_TRIGGER_QUEUE_URL", "https://sqs.example/queue")
	t.Setenv("GATEWAY_SCHEDULER", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected 9090, got %d", cfg.Port)
	}
	if cfg.StoreBackend != BackendMongo {
		t.Errorf("expected mongo, got %s", cfg.StoreBackend)
	}
	if cfg.Pacing != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %s", cfg.Pacing)
	}
	if cfg.DispatchSchedule != "*/2 * * * *" {
		t.Errorf("unexpected schedule %q", cfg.DispatchSchedule)
	}
	if cfg.ReminderTimezone.String() != "Asia/Kolkata" {
		t.Errorf("unexpected timezone %s", cfg.ReminderTimezone)
	}
	if cfg.SQSTriggerQueueURL != "https://sqs.example/queue" {
		t.Errorf("unexpected queue url %s", cfg.SQSTriggerQueueURL)
	}
	if !cfg.GatewayScheduler {
		t.Error("expected gateway scheduler enabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  string
	}{
		{"PORT", "abc", "invalid PORT"},
		{"NOTIFY_LEAD_TIME", "ten minutes", "invalid NOTIFY_LEAD_TIME"},
		{"NOTIFY_PACING", "-1s", "must be positive"},
		{"STORE_BACKEND", "sqlite", "invalid STORE_BACKEND"},
		{"EMAIL_TRANSPORT", "smtp", "invalid EMAIL_TRANSPORT"},
		{"DISPATCH_SCHEDULE", "every minute", "invalid DISPATCH_SCHEDULE"},
		{"REMINDER_TIMEZONE", "Mars/Olympus", "invalid REMINDER_TIMEZONE"},
		{"NOTIFY_TOLERANCE", "15m", "must be below NOTIFY_LEAD_TIME"},
		{"CLAIM_LEASE", "30s", "must be at least 1m"},
		{"GATEWAY_SCHEDULER", "sometimes", "invalid GATEWAY_SCHEDULER"},
		{"DISPATCH_LOCK_TTL", "15m", "must be below 1m"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
