package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/payoffsolar/api/internal/platform/httpx"
	"github.com/payoffsolar/api/internal/platform/requestctx"
)

var fixedTime = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

func putOrder(key, body, actor string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/orders/ord-1", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if actor != "" {
		req = req.WithContext(requestctx.WithActor(req.Context(), actor))
	}
	return req
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	code, _ := payload["error"].(string)
	return code
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	handler.ServeHTTP(httptest.NewRecorder(), putOrder("", `{}`, "staff-1"))
	if calls != 1 {
		t.Fatalf("expected handler to run, got %d calls", calls)
	}
}

func TestMiddlewareRequiredKey(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithRequired())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, putOrder("", `{}`, "staff-1"))
	if rr.Code != http.StatusBadRequest || errorCode(t, rr.Body.Bytes()) != "idempotency_key_required" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success":true}`))
		}),
	)

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, putOrder("key-1", `{"status":"complete"}`, "staff-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, putOrder("key-1", `{"status":"complete"}`, "staff-1"))

	if calls != 1 {
		t.Fatalf("expected single execution, got %d", calls)
	}
	if second.Code != http.StatusOK || second.Body.String() != `{"success":true}` {
		t.Fatalf("unexpected replay %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header")
	}

	// The same key from another staff member is a separate request.
	third := httptest.NewRecorder()
	handler.ServeHTTP(third, putOrder("key-1", `{"status":"complete"}`, "staff-2"))
	if calls != 2 {
		t.Fatalf("expected key to be scoped per actor, got %d calls", calls)
	}
}

func TestMiddlewareRejectsDifferentBodyForSameKey(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), putOrder("key-1", `{"status":"complete"}`, "staff-1"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, putOrder("key-1", `{"status":"pending"}`, "staff-1"))
	if rr.Code != http.StatusUnprocessableEntity || errorCode(t, rr.Body.Bytes()) != "idempotency_key_conflict" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, putOrder("key-1", `{}`, "staff-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, putOrder("key-1", `{}`, "staff-1"))

	if first.Code != http.StatusInternalServerError || second.Code != http.StatusOK || calls != 2 {
		t.Fatalf("expected retry after 500, got %d then %d (%d calls)", first.Code, second.Code, calls)
	}
}

func TestMemoryStorePendingAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	res, err := store.Reserve(ctx, "k|a", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v %v", res.State, err)
	}
	res, err = store.Reserve(ctx, "k|a", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v %v", res.State, err)
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(2*time.Minute), 10)
	if err != nil || removed != 1 {
		t.Fatalf("expected one expired record removed, got %d %v", removed, err)
	}
	res, _ = store.Reserve(ctx, "k|a", "fp", fixedTime.Add(2*time.Minute), time.Minute)
	if res.State != ReservationStateNew {
		t.Fatalf("expected fresh reservation after cleanup")
	}
}

func TestMiddlewareRejectsOversizedBody(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	oversized := `{"notes":"` + strings.Repeat("x", httpx.MaxBodyBytes) + `"}`
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, putOrder("key-big", oversized, "staff-1"))
	if rr.Code != http.StatusRequestEntityTooLarge || errorCode(t, rr.Body.Bytes()) != "request_too_large" {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
	if calls != 0 {
		t.Fatalf("handler must not run, got %d calls", calls)
	}

	// The key was never reserved, so a normal request may still use it.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, putOrder("key-big", `{"status":"complete"}`, "staff-1"))
	if rr.Code != http.StatusOK || calls != 1 {
		t.Fatalf("expected follow-up request to run, got %d with %d calls", rr.Code, calls)
	}
}
