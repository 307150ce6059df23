package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/test", 200, 100*time.Millisecond)
	RecordRequest("POST", "/test", 201, 50*time.Millisecond)
	RecordRequest("GET", "/test", 404, 10*time.Millisecond)
}

func TestRecordPipelineMetrics(t *testing.T) {
	RecordNotificationCreated("order_update")
	RecordEntryScheduled("email", "daily")
	RecordDelivery("email", "completed")
	RecordDelivery("push", "retry")
	RecordDeliveryLatency("in_app", 20*time.Millisecond)
	RecordClaimed(7)
	RecordRollup("ok")
	RecordRetention("read_notifications", 12)
}

func TestRecordIngest(t *testing.T) {
	RecordIngest("sqs", "created")
	RecordIngest("amqp", "rejected")
	SetIngestInFlight(3)
	SetIngestInFlight(0)
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	RecordRateLimitRejection("recipient")
	RecordRateLimitRejection("ip")
}

func TestGauges(t *testing.T) {
	SetDBConnections(10)
	SetRedisConnections(5)
	SetBreakerState("ses", 1)
	StreamOpened()
	StreamClosed()
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
	if !strings.Contains(body, "herald_http_requests_total") {
		t.Error("metrics response should include herald_http_requests_total")
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

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/recipients/{recipientID}/notifications", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/recipients/abc/notifications", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}
