package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func waitCount(c *atomic.Int32, want int32) int32 {
	deadline := time.Now().Add(time.Second)
	for c.Load() < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return c.Load()
}

func TestDispatchMatchesType(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{TypeAuthTimeout}},
	}, nil)
	d.Dispatch(Event{Type: TypeAuthTimeout, RequestID: "req-1", Reason: "no operator decision"})

	if got := waitCount(called, 1); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{TypeIntegrityViolation}},
	}, nil)
	d.Dispatch(Event{Type: TypeConnectionLost, Reason: "heartbeat lost"})
	time.Sleep(100 * time.Millisecond)

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchWildcard(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "slack", Events: []string{"*"}},
	}, nil)
	d.Dispatch(Event{Type: TypeSafeMode, Reason: "geofence breach"})

	if got := waitCount(called, 1); got != 1 {
		t.Errorf("expected wildcard to match, got %d calls", got)
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	srv1, c1 := countingServer(t, http.StatusOK)
	srv2, c2 := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{TypeSafeMode}},
		{URL: srv2.URL, Format: "pagerduty", Events: []string{TypeAuthTimeout, TypeSafeMode}},
	}, nil)
	d.Dispatch(Event{Type: TypeSafeMode, Reason: "operator override"})

	if waitCount(c1, 1) != 1 || waitCount(c2, 1) != 1 {
		t.Errorf("expected both webhooks to fire, got %d and %d", c1.Load(), c2.Load())
	}
}

func TestNilDispatcherIsSafe(t *testing.T) {
	d := NewDispatcher(nil, nil)
	if d != nil {
		t.Fatal("expected nil dispatcher for empty configs")
	}
	d.Dispatch(Event{Type: TypeSafeMode})
	if d.Len() != 0 {
		t.Error("nil dispatcher should report no webhooks")
	}
}

func TestDispatchSyncWaitsForDelivery(t *testing.T) {
	a, calledA := countingServer(t, http.StatusOK)
	b, calledB := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: a.URL, Events: []string{TypeBinaryTamper}},
		{URL: b.URL, Events: []string{TypeSafeMode}},
	}, nil)
	d.DispatchSync(Event{Type: TypeBinaryTamper, Severity: SeverityCritical})

	if calledA.Load() != 1 || calledB.Load() != 0 {
		t.Errorf("expected delivery before return to matching webhook only, got %d/%d", calledA.Load(), calledB.Load())
	}
}

func TestRetryOn5xx(t *testing.T) {
	retryDelay = time.Millisecond
	defer func() { retryDelay = time.Second }()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(context.Background(), AlertConfig{URL: srv.URL}, Event{Type: TypeAuthTimeout}); err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	srv, attempts := countingServer(t, http.StatusBadRequest)

	err := Send(context.Background(), AlertConfig{URL: srv.URL}, Event{Type: TypeAuthTimeout})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("expected ErrRejected on 400, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestHeadersForwarded(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := AlertConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}}
	if err := Send(context.Background(), cfg, Event{Type: TypeSafeMode}); err != nil {
		t.Fatal(err)
	}
	if h := <-got; h != "abc" {
		t.Errorf("header = %q", h)
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := Event{
		Timestamp: "2026-01-15T14:00:00.000Z",
		SessionID: "s-1",
		Type:      TypeAuthTimeout,
		RequestID: "req-9",
		Reason:    "timeout after 30s",
		Severity:  SeverityWarning,
	}
	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}
	var parsed Event
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed != event {
		t.Errorf("generic payload lost fields: %+v", parsed)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	data, err := FormatPayload("slack", Event{Type: TypeIntegrityViolation, Reason: "hash mismatch", Severity: SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}
	blocks, ok := parsed["blocks"].([]any)
	if !ok || len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %v", parsed["blocks"])
	}
	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}
	section, _ := blocks[1].(map[string]any)
	if fields, ok := section["fields"].([]any); !ok || len(fields) != 4 {
		t.Errorf("expected 4 fields in section, got %v", section["fields"])
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	data, err := FormatPayload("pagerduty", Event{Type: TypeIntegrityViolation, Severity: SeverityCritical})
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["event_action"] != "trigger" {
		t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
	}
	payload := parsed["payload"].(map[string]any)
	if payload["severity"] != "critical" {
		t.Errorf("expected severity critical, got %v", payload["severity"])
	}
	if payload["source"] != "hitlwatch" {
		t.Errorf("expected source hitlwatch, got %v", payload["source"])
	}
}

func TestSendStopsRetryingOnCancel(t *testing.T) {
	retryDelay = time.Hour
	defer func() { retryDelay = time.Second }()

	srv, attempts := countingServer(t, http.StatusBadGateway)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Send(ctx, AlertConfig{URL: srv.URL}, Event{Type: TypeConnectionLost})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts.Load())
	}
}

func TestDispatchThenWaitDelivers(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)
	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{TypeIntegrityViolation}}}, nil)

	d.Dispatch(Event{Type: TypeIntegrityViolation, Severity: SeverityCritical})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if called.Load() != 1 {
		t.Errorf("expected delivery before Wait returned, got %d", called.Load())
	}
}

func TestWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"*"}}}, nil)
	d.Dispatch(Event{Type: TypeSafeMode})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestWaitOnNilDispatcher(t *testing.T) {
	var d *Dispatcher
	if err := d.Wait(context.Background()); err != nil {
		t.Errorf("nil dispatcher: %v", err)
	}
}
