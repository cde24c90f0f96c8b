package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "ps-dev",
		"API_DB_DSN":              "postgres://localhost/payoffsolar?sslmode=disable",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Driver != DatabaseDriverPostgres {
		t.Errorf("expected postgres driver, got %s", cfg.Database.Driver)
	}
	if cfg.Database.MaxOpenConns != defaultDBMaxOpenConns {
		t.Errorf("unexpected max open conns: %d", cfg.Database.MaxOpenConns)
	}
	if cfg.Firestore.ProjectID != "ps-dev" || cfg.PubSub.ProjectID != "ps-dev" {
		t.Errorf("expected firestore/pubsub projects to default to firebase project, got %s/%s", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.PubSub.OrderEventTopic != defaultOrderEventsTopic {
		t.Errorf("unexpected topic %s", cfg.PubSub.OrderEventTopic)
	}
	if cfg.Currency.Precision != 2 || cfg.Currency.Code != "USD" {
		t.Errorf("unexpected currency %+v", cfg.Currency)
	}
	if cfg.Locks.RedisAddr != "" || cfg.Locks.TTL != defaultLockTTL {
		t.Errorf("unexpected locks %+v", cfg.Locks)
	}
	if !cfg.IsLocal() {
		t.Errorf("expected local environment by default")
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader || cfg.Idempotency.Store != IdempotencyStoreMemory {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
	if cfg.Server.OrderWriteLimit != 0 || cfg.Server.OrderWriteWindow != time.Minute {
		t.Errorf("expected write rate limit disabled by default, got %d per %s", cfg.Server.OrderWriteLimit, cfg.Server.OrderWriteWindow)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":               "9090",
		"API_FIREBASE_PROJECT_ID":       "ps-prod",
		"API_FIRESTORE_PROJECT_ID":      "ps-fire",
		"API_DB_DSN":                    "secret://db/dsn",
		"API_DB_MAX_OPEN_CONNS":         "40",
		"API_DB_AUTO_MIGRATE":           "yes",
		"API_LOCKS_REDIS_ADDR":          "redis:6379",
		"API_LOCKS_REDIS_PASSWORD":      "sm://redis/password",
		"API_LOCKS_TTL":                 "45s",
		"API_CURRENCY_CODE":             "jpy",
		"API_CURRENCY_PRECISION":        "0",
		"API_SECURITY_ENVIRONMENT":      "PROD",
		"API_IDEMPOTENCY_STORE":         "Firestore",
		"API_IDEMPOTENCY_CLEANUP_BATCH": "50",
	}

	resolved := map[string]string{}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		resolved[ref] = "resolved"
		switch ref {
		case "secret://db/dsn":
			return "postgres://prod/payoffsolar", nil
		case "secret://redis/password":
			return "hunter2", nil
		}
		return "", errors.New("unexpected ref " + ref)
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Database.DSN != "postgres://prod/payoffsolar" || !cfg.Database.AutoMigrate || cfg.Database.MaxOpenConns != 40 {
		t.Errorf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Locks.RedisPassword != "hunter2" || cfg.Locks.TTL != 45*time.Second {
		t.Errorf("unexpected locks config %+v", cfg.Locks)
	}
	if cfg.Currency.Code != "JPY" || cfg.Currency.Precision != 0 {
		t.Errorf("unexpected currency %+v", cfg.Currency)
	}
	if cfg.Security.Environment != "prod" || cfg.IsLocal() {
		t.Errorf("expected prod environment, got %s", cfg.Security.Environment)
	}
	if cfg.Idempotency.Store != IdempotencyStoreFirestore || cfg.Firestore.ProjectID != "ps-fire" {
		t.Errorf("unexpected idempotency/firestore config %+v %+v", cfg.Idempotency, cfg.Firestore)
	}
	if len(resolved) != 2 {
		t.Errorf("expected two secrets resolved, got %v", resolved)
	}
}

func TestLoadMemoryDriverNeedsNoDSN(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{"API_DB_DRIVER": "memory"}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Database.Driver != DatabaseDriverMemory {
		t.Fatalf("expected memory driver, got %s", cfg.Database.Driver)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "export API_SERVER_PORT=7070\nAPI_DB_DRIVER=memory\n# comment\nAPI_FIREBASE_PROJECT_ID=\"ps-dot\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "ps-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{
		"API_SECURITY_ENVIRONMENT": "prod",
		"API_DB_DRIVER":            "mysql",
		"API_IDEMPOTENCY_STORE":    "redis",
	}), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T (%v)", err, err)
	}
	want := map[string]bool{"Database.Driver": true, "Firebase.ProjectID": true, "Idempotency.Store": true}
	for _, field := range validation.Fields() {
		delete(want, field)
	}
	if len(want) != 0 {
		t.Fatalf("expected fields %v to be reported, got %v", want, validation.Fields())
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{"API_DB_DSN": "secret://missing"}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}
