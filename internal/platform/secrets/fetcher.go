package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	metricNamespace = "github.com/payoffsolar/api/internal/platform/secrets"
	defaultCacheTTL = 10 * time.Minute
	// Local fallbacks are read from SECRET_<NAME>, e.g. SECRET_DATABASE_DSN.
	fallbackEnvPrefix = "SECRET_"
)

// secretManagerClient is the subset of the Secret Manager client in use.
type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret://NAME[?version=V&project=P] references against
// Secret Manager, caching values for a while. Outside production, an
// unreachable Secret Manager falls back to SECRET_<NAME> environment values.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	projectID  string
	fallback   bool
	lookupEnv  func(string) (string, bool)
	cacheTTL   time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	latency    metric.Float64Histogram

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

type fetcherConfig struct {
	client     secretManagerClient
	clientOpts []option.ClientOption
	projectID  string
	fallback   bool
	lookupEnv  func(string) (string, bool)
	cacheTTL   time.Duration
	clock      func() time.Time
	logger     *zap.Logger
	meter      metric.Meter
}

// Option customises the fetcher.
type Option func(*fetcherConfig)

// WithDefaultProject sets the project used when a reference names none.
func WithDefaultProject(projectID string) Option {
	return func(c *fetcherConfig) { c.projectID = strings.TrimSpace(projectID) }
}

// WithLocalFallback enables SECRET_<NAME> environment fallbacks.
func WithLocalFallback(enabled bool) Option {
	return func(c *fetcherConfig) { c.fallback = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *fetcherConfig) { c.logger = logger }
}

// WithMeter overrides the meter used for latency metrics.
func WithMeter(m metric.Meter) Option {
	return func(c *fetcherConfig) { c.meter = m }
}

// WithCacheTTL overrides how long resolved values are reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *fetcherConfig) { c.cacheTTL = ttl }
}

// WithSecretManagerClient injects a client, mainly for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(c *fetcherConfig) { c.client = client }
}

// WithClientOptions passes options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *fetcherConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

func withEnvLookup(lookup func(string) (string, bool)) Option {
	return func(c *fetcherConfig) { c.lookupEnv = lookup }
}

func withClock(clock func() time.Time) Option {
	return func(c *fetcherConfig) { c.clock = clock }
}

// NewFetcher builds a Fetcher. A Secret Manager client that cannot be created
// is tolerated when local fallbacks are enabled.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		lookupEnv: os.LookupEnv,
		cacheTTL:  defaultCacheTTL,
		clock:     time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.meter == nil {
		cfg.meter = otel.Meter(metricNamespace)
	}
	latency, err := cfg.meter.Float64Histogram("secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for secret fetch attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register latency metric: %w", err)
	}

	f := &Fetcher{
		client:    cfg.client,
		projectID: cfg.projectID,
		fallback:  cfg.fallback,
		lookupEnv: cfg.lookupEnv,
		cacheTTL:  cfg.cacheTTL,
		clock:     cfg.clock,
		logger:    cfg.logger,
		latency:   latency,
		cache:     make(map[string]cacheEntry),
	}
	if f.client == nil {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		switch {
		case err == nil:
			f.client = client
			f.ownsClient = true
		case cfg.fallback:
			cfg.logger.Warn("secrets: secret manager unavailable; using local fallbacks", zap.Error(err))
		default:
			return nil, fmt.Errorf("secrets: create secret manager client: %w", err)
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// ResolveSecret returns the value behind ref. It satisfies config.SecretResolver.
func (f *Fetcher) ResolveSecret(ctx context.Context, ref string) (string, error) {
	start := f.clock()
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	entry, ok := f.cache[parsed.resource(f.projectID)]
	f.mu.Unlock()
	if ok && f.clock().Before(entry.expires) {
		f.record(ctx, start, "cache")
		return entry.value, nil
	}

	value, source, err := f.fetch(ctx, parsed)
	if err != nil {
		f.record(ctx, start, "error")
		return "", err
	}
	f.mu.Lock()
	f.cache[parsed.resource(f.projectID)] = cacheEntry{value: value, expires: f.clock().Add(f.cacheTTL)}
	f.mu.Unlock()
	f.record(ctx, start, source)
	return value, nil
}

func (f *Fetcher) fetch(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.projectID
	}
	if f.client != nil && project != "" {
		resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: ref.resource(f.projectID)})
		if err == nil {
			if resp.GetPayload() == nil {
				return "", "", fmt.Errorf("secrets: empty payload for %s", ref.name)
			}
			return string(resp.GetPayload().GetData()), "remote", nil
		}
		if !f.fallback || !transient(err) {
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.name, err)
		}
		f.logger.Debug("secrets: falling back to environment", zap.String("secret", ref.name), zap.Error(err))
	}
	if !f.fallback {
		return "", "", errors.New("secrets: secret manager is not configured")
	}
	if value, ok := f.lookupEnv(fallbackEnvName(ref.name)); ok {
		return value, "fallback", nil
	}
	return "", "", fmt.Errorf("secrets: no value for %s (set %s for local runs)", ref.name, fallbackEnvName(ref.name))
}

func (f *Fetcher) record(ctx context.Context, start time.Time, source string) {
	elapsed := f.clock().Sub(start)
	f.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func transient(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) resource(defaultProject string) string {
	project := r.project
	if project == "" {
		project = defaultProject
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, r.name, r.version)
}

func parseReference(ref string) (reference, error) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference %q: %w", ref, err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" || strings.Contains(name, "/") {
		return reference{}, fmt.Errorf("secrets: invalid secret name in %q", ref)
	}
	version := strings.TrimSpace(u.Query().Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{name: name, version: version, project: strings.TrimSpace(u.Query().Get("project"))}, nil
}

func fallbackEnvName(name string) string {
	return fallbackEnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}
