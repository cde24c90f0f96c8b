package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/payoffsolar/api/internal/platform/requestctx"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

func serve(t *testing.T, handler http.Handler, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders/ord-1", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireFirebaseAuthAllowsStaff(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{
		UID: "uid-123",
		Claims: map[string]any{
			"role":  []any{"Staff", "staff", "viewer"},
			"email": "ops@example.com",
		},
	}}
	authn := NewAuthenticator(verifier)

	called := false
	handler := authn.RequireFirebaseAuth(RoleStaff, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "uid-123" || identity.Email != "ops@example.com" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if len(identity.Roles) != 2 || !identity.HasRole("STAFF") {
			t.Fatalf("unexpected roles %v", identity.Roles)
		}
		if requestctx.Actor(r.Context()) != "uid-123" {
			t.Fatalf("expected actor to be recorded")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := serve(t, handler, "Bearer token-abc")
	if !called || rec.Code != http.StatusNoContent {
		t.Fatalf("expected handler to run, got %d", rec.Code)
	}
	if verifier.received != "token-abc" {
		t.Fatalf("unexpected token %q", verifier.received)
	}
}

func TestRequireFirebaseAuthRejections(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run")
	})

	cases := []struct {
		name     string
		verifier *stubTokenVerifier
		header   string
		status   int
		code     string
	}{
		{name: "missing header", verifier: &stubTokenVerifier{}, status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "wrong scheme", verifier: &stubTokenVerifier{}, header: "Basic abc", status: http.StatusUnauthorized, code: "unauthenticated"},
		{name: "verification error", verifier: &stubTokenVerifier{err: errors.New("bad signature")}, header: "Bearer x", status: http.StatusUnauthorized, code: "invalid_token"},
		{
			name:     "customer role",
			verifier: &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{"role": "user"}}},
			header:   "Bearer x",
			status:   http.StatusForbidden,
			code:     "insufficient_role",
		},
		{
			name:     "no role claim",
			verifier: &stubTokenVerifier{token: &firebaseauth.Token{UID: "u", Claims: map[string]any{}}},
			header:   "Bearer x",
			status:   http.StatusForbidden,
			code:     "insufficient_role",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewAuthenticator(tc.verifier).RequireFirebaseAuth(RoleStaff, RoleAdmin)(next)
			rec := serve(t, handler, tc.header)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestRolesFromClaimsMapForm(t *testing.T) {
	roles := rolesFromClaims(map[string]any{"role": map[string]any{"admin": true, "staff": false}}, "role")
	if len(roles) != 1 || roles[0] != "admin" {
		t.Fatalf("unexpected roles %v", roles)
	}
}
