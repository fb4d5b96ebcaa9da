package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/blocks", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/blocks", 201, 50*time.Millisecond)
	RecordRequest("GET", "/v1/blocks", 404, 10*time.Millisecond)
}

func TestRecordPass(t *testing.T) {
	RecordPass("empty", 5*time.Millisecond)
	RecordPass("completed", 300*time.Millisecond)
	RecordPass("error", time.Millisecond)
}

func TestRecordOutcome(t *testing.T) {
	for _, o := range []string{OutcomeClaimed, OutcomeDelivered, OutcomeRolledBack, OutcomeRollbackFailed, OutcomeSkipped} {
		RecordOutcome(o)
	}
}

func TestRecordStaleClaimsReleased(t *testing.T) {
	RecordStaleClaimsReleased(0)
	RecordStaleClaimsReleased(3)
}

func TestRecordBlockAndTrigger(t *testing.T) {
	RecordBlockCreated()
	RecordTriggerEnqueued("block")
	RecordTriggerEnqueued("pass")
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection()
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("email", 1)
	SetBreakerState("email", 0)
}

func TestHandlerExposesDispatchMetrics(t *testing.T) {
	RecordOutcome(OutcomeDelivered)
	RecordPass("completed", time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"quiethours_dispatch_outcomes_total",
		"quiethours_dispatch_passes_total",
		"quiethours_dispatch_pass_duration_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
