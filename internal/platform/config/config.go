package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultOrderWriteWindow     = time.Minute
	defaultSecurityEnvironment  = "local"
	defaultDatabaseDriver       = DatabaseDriverPostgres
	defaultDBMaxOpenConns       = 20
	defaultDBMaxIdleConns       = 5
	defaultDBConnMaxLifetime    = 30 * time.Minute
	defaultDBTxTimeout          = 15 * time.Second
	defaultLockTTL              = 30 * time.Second
	defaultLockWait             = 5 * time.Second
	defaultCurrencyCode         = "USD"
	defaultCurrencyPrecision    = 2
	defaultOrderEventsTopic     = "order-events"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyStore     = IdempotencyStoreMemory
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Database drivers understood by the repository registry.
const (
	DatabaseDriverPostgres = "postgres"
	DatabaseDriverMemory   = "memory"
)

// Idempotency record stores.
const (
	IdempotencyStoreMemory    = "memory"
	IdempotencyStoreFirestore = "firestore"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Database    DatabaseConfig
	PubSub      PubSubConfig
	Locks       LockConfig
	Currency    CurrencyConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	LogLevel     string
	// OrderWriteLimit caps order updates per staff member per OrderWriteWindow; 0 disables it.
	OrderWriteLimit  int
	OrderWriteWindow time.Duration
}

// FirebaseConfig stores Firebase project settings used for staff authentication.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores the project backing idempotency records.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// DatabaseConfig selects and tunes the relational store.
type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	TxTimeout       time.Duration
	AutoMigrate     bool
}

// PubSubConfig configures order event publishing. An empty ProjectID disables publishing.
type PubSubConfig struct {
	ProjectID       string
	OrderEventTopic string
	EmulatorHost    string
}

// LockConfig configures per-order locking. An empty RedisAddr selects the in-process locker.
type LockConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	Wait          time.Duration
}

// CurrencyConfig controls rounding of totals and ledger amounts.
type CurrencyConfig struct {
	Code      string
	Precision int
}

// SecurityConfig groups environment-level security settings.
type SecurityConfig struct {
	Environment string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	Store            string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// IsLocal reports whether the service runs in a developer environment.
func (c Config) IsLocal() bool {
	return c.Security.Environment == defaultSecurityEnvironment
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// EnvironmentValues returns the merged environment (dotenv < OS env < explicit map)
// so callers can build dependencies, such as the secret fetcher, before Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := newLoaderOptions(opts)
	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(dotEnv))
	for key, value := range dotEnv {
		values[key] = value
	}
	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || strings.TrimSpace(key) == "" {
				continue
			}
			values[strings.TrimSpace(key)] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and Secret Manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	env := envLookup{explicit: options.envMap, system: options.useSystemEnv, dotEnv: dotEnv}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.String("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.Duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.Duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.Duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			LogLevel:     env.String("API_LOG_LEVEL", "info"),

			OrderWriteLimit:  env.Int("API_ORDER_WRITE_LIMIT", 0),
			OrderWriteWindow: env.Duration("API_ORDER_WRITE_WINDOW", defaultOrderWriteWindow),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.String("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.String("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.String("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.String("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(env.String("API_DB_DRIVER", defaultDatabaseDriver)),
			DSN:             env.String("API_DB_DSN", ""),
			MaxOpenConns:    env.Int("API_DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    env.Int("API_DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: env.Duration("API_DB_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
			TxTimeout:       env.Duration("API_DB_TX_TIMEOUT", defaultDBTxTimeout),
			AutoMigrate:     env.Bool("API_DB_AUTO_MIGRATE", false),
		},
		PubSub: PubSubConfig{
			ProjectID:       env.String("API_PUBSUB_PROJECT_ID", ""),
			OrderEventTopic: env.String("API_PUBSUB_ORDER_EVENTS_TOPIC", defaultOrderEventsTopic),
			EmulatorHost:    env.String("API_PUBSUB_EMULATOR_HOST", ""),
		},
		Locks: LockConfig{
			RedisAddr:     env.String("API_LOCKS_REDIS_ADDR", ""),
			RedisPassword: env.String("API_LOCKS_REDIS_PASSWORD", ""),
			RedisDB:       env.Int("API_LOCKS_REDIS_DB", 0),
			TTL:           env.Duration("API_LOCKS_TTL", defaultLockTTL),
			Wait:          env.Duration("API_LOCKS_WAIT", defaultLockWait),
		},
		Currency: CurrencyConfig{
			Code:      strings.ToUpper(env.String("API_CURRENCY_CODE", defaultCurrencyCode)),
			Precision: env.Int("API_CURRENCY_PRECISION", defaultCurrencyPrecision),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.String("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.String("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			Store:            strings.ToLower(env.String("API_IDEMPOTENCY_STORE", defaultIdempotencyStore)),
			TTL:              env.Duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.Duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.Int("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub default to the Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	secretFields := []*string{
		&cfg.Database.DSN,
		&cfg.Locks.RedisPassword,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	ref := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	switch cfg.Database.Driver {
	case DatabaseDriverPostgres:
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			missing = append(missing, "Database.DSN")
		}
	case DatabaseDriverMemory:
	default:
		missing = append(missing, "Database.Driver")
	}
	if cfg.Server.OrderWriteLimit < 0 || cfg.Server.OrderWriteWindow <= 0 {
		missing = append(missing, "Server.OrderWriteLimit")
	}
	if cfg.Database.MaxOpenConns <= 0 {
		missing = append(missing, "Database.MaxOpenConns")
	}
	if cfg.Database.MaxIdleConns < 0 {
		missing = append(missing, "Database.MaxIdleConns")
	}
	if cfg.Firebase.ProjectID == "" && cfg.Security.Environment != defaultSecurityEnvironment {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Locks.TTL <= 0 {
		missing = append(missing, "Locks.TTL")
	}
	if cfg.Locks.Wait <= 0 {
		missing = append(missing, "Locks.Wait")
	}
	if cfg.Currency.Precision < 0 || cfg.Currency.Precision > 8 {
		missing = append(missing, "Currency.Precision")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	switch cfg.Idempotency.Store {
	case IdempotencyStoreMemory:
	case IdempotencyStoreFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Idempotency.Store")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}
