package secrets

import (
	"context"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	if err, ok := f.errs[req.GetName()]; ok {
		return nil, err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
}

func (f *fakeSecretClient) Close() error { return nil }

func TestResolveSecretCachesRemoteValue(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	resource := "projects/solar/secrets/database-dsn/versions/latest"
	client.values[resource] = "postgres://remote"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("solar"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	for i := 0; i < 2; i++ {
		got, err := fetcher.ResolveSecret(ctx, "secret://database-dsn")
		if err != nil || got != "postgres://remote" {
			t.Fatalf("resolve %d: %q %v", i, got, err)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected one remote call, got %d", client.calls[resource])
	}
}

func TestResolveSecretHonoursVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/other/secrets/redis-password/versions/3"] = "pinned"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithDefaultProject("solar"))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.ResolveSecret(ctx, "secret://redis-password?version=3&project=other")
	if err != nil || got != "pinned" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestResolveSecretFallsBackLocally(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errs["projects/solar/secrets/database-dsn/versions/latest"] = status.Error(codes.PermissionDenied, "denied")
	env := map[string]string{"SECRET_DATABASE_DSN": "postgres://local"}

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithDefaultProject("solar"),
		WithLocalFallback(true),
		withEnvLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	got, err := fetcher.ResolveSecret(ctx, "secret://database-dsn")
	if err != nil || got != "postgres://local" {
		t.Fatalf("unexpected %q %v", got, err)
	}
}

func TestResolveSecretDoesNotFallBackOnNotFound(t *testing.T) {
	ctx := context.Background()
	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(newFakeSecretClient()),
		WithDefaultProject("solar"),
		WithLocalFallback(true),
		withEnvLookup(func(string) (string, bool) { return "local", true }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.ResolveSecret(ctx, "secret://missing"); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestParseReferenceRejectsBadInput(t *testing.T) {
	for _, ref := range []string{"", "http://x", "secret://", "secret://a/b"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected error for %q", ref)
		}
	}
}
