// Package config loads the calfanout server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file (with
// ${VAR} references expanded from the environment), then CALFANOUT_* and
// a few well-known environment variables. Command-line flags are applied
// on top by the cmd package, only when explicitly set.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teemow/calfanout/internal/broadcast"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/google"
	"github.com/teemow/calfanout/internal/handshake"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/kv"
	"github.com/teemow/calfanout/internal/logging"
	"github.com/teemow/calfanout/internal/tokens"
)

// EnvPrefix prefixes every calfanout-specific environment variable.
const EnvPrefix = "CALFANOUT_"

// MinAPITokenLength is the shortest accepted http.api_token.
const MinAPITokenLength = 32

// CallbackPath is where the provider redirects after consent.
const CallbackPath = "/oauth/callback"

// Config is the complete server configuration.
type Config struct {
	HTTP            HTTPConfig            `yaml:"http"`
	Storage         StorageConfig         `yaml:"storage"`
	Google          GoogleConfig          `yaml:"google"`
	Security        SecurityConfig        `yaml:"security"`
	Broadcast       BroadcastConfig       `yaml:"broadcast"`
	Workspaces      WorkspacesConfig      `yaml:"workspaces"`
	Metrics         MetricsConfig         `yaml:"metrics"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation"`
	Logging         LoggingConfig         `yaml:"logging"`
}

// HTTPConfig holds the listener settings for the streamable-http transport.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// BaseURL is the public URL of this server, used to build the OAuth
	// redirect URL.
	BaseURL string `yaml:"base_url"`
	// TrustProxy makes rate limiting honour X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
	// APIToken is the bearer credential MCP clients present on /mcp.
	APIToken string `yaml:"api_token"`
}

// StorageConfig selects the KV backend.
type StorageConfig struct {
	// Type is "memory", "sqlite" or "valkey".
	Type   string       `yaml:"type"`
	SQLite SQLiteConfig `yaml:"sqlite"`
	Valkey ValkeyConfig `yaml:"valkey"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path            string        `yaml:"path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ValkeyConfig configures the valkey backend.
type ValkeyConfig struct {
	URL        string `yaml:"url"`
	Password   string `yaml:"password"`
	TLSEnabled bool   `yaml:"tls_enabled"`
	TLSCAFile  string `yaml:"tls_ca_file"`
	KeyPrefix  string `yaml:"key_prefix"`
	DB         int    `yaml:"db"`
}

// GoogleConfig holds the OAuth client registered with Google.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// RedirectURL defaults to BaseURL + CallbackPath.
	RedirectURL string `yaml:"redirect_url"`
	// CalendarEndpoint overrides the Calendar API base URL.
	CalendarEndpoint string `yaml:"calendar_endpoint"`
}

// SecurityConfig holds key material and handshake limits.
type SecurityConfig struct {
	// EncryptionKey is the base64 AES-256 key for stored credentials.
	EncryptionKey string `yaml:"encryption_key"`
	// StateSecret is the base64 HMAC key for link handshakes.
	StateSecret  string        `yaml:"state_secret"`
	HandshakeTTL time.Duration `yaml:"handshake_ttl"`
	// HandshakeEvery and HandshakeBurst bound link starts per workspace.
	// A zero HandshakeEvery disables the limit.
	HandshakeEvery time.Duration `yaml:"handshake_every"`
	HandshakeBurst int           `yaml:"handshake_burst"`
}

// BroadcastConfig tunes the fan-out.
type BroadcastConfig struct {
	AccountTimeout   time.Duration `yaml:"account_timeout"`
	OverallTimeout   time.Duration `yaml:"overall_timeout"`
	MaxParallel      int           `yaml:"max_parallel"`
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
}

// WorkspacesConfig restricts which workspaces may use the server.
type WorkspacesConfig struct {
	// Allowed lists workspace ids. Empty admits every workspace.
	Allowed []string `yaml:"allowed"`
}

// MetricsConfig holds configuration for the metrics server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// InstrumentationConfig selects OpenTelemetry exporters and audit logging.
type InstrumentationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	InstanceID  string `yaml:"instance_id"`
	Namespace   string `yaml:"k8s_namespace"`
	PodName     string `yaml:"k8s_pod_name"`
	// MetricsExporter is "prometheus", "otlp" or "stdout".
	MetricsExporter string `yaml:"metrics_exporter"`
	// TracingExporter is "otlp", "stdout" or "none".
	TracingExporter   string  `yaml:"tracing_exporter"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	OTLPInsecure      bool    `yaml:"otlp_insecure"`
	TraceSamplingRate float64 `yaml:"trace_sampling_rate"`
	// DetailedLabels adds workspace ids to broadcast metrics.
	DetailedLabels bool        `yaml:"detailed_labels"`
	Audit          AuditConfig `yaml:"audit"`
}

// AuditConfig controls audit records.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// IncludePII logs actor ids verbatim instead of hashed.
	IncludePII bool `yaml:"include_pii"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	// Format is "text" or "json".
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Storage: StorageConfig{
			Type: string(kv.BackendMemory),
			SQLite: SQLiteConfig{
				Path:            "calfanout.db",
				CleanupInterval: 5 * time.Minute,
			},
			Valkey: ValkeyConfig{
				KeyPrefix: "calfanout:",
			},
		},
		Security: SecurityConfig{
			HandshakeTTL:   handshake.DefaultTTL,
			HandshakeEvery: 6 * time.Second,
			HandshakeBurst: 10,
		},
		Broadcast: BroadcastConfig{
			AccountTimeout:   broadcast.DefaultAccountTimeout,
			OverallTimeout:   broadcast.DefaultOverallTimeout,
			MaxParallel:      broadcast.DefaultMaxParallel,
			RefreshThreshold: tokens.DefaultRefreshThreshold,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Instrumentation: defaultInstrumentation(),
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

func defaultInstrumentation() InstrumentationConfig {
	d := instrumentation.DefaultConfig()
	return InstrumentationConfig{
		Enabled:           d.Enabled,
		ServiceName:       d.ServiceName,
		MetricsExporter:   d.MetricsExporter,
		TracingExporter:   d.TracingExporter,
		TraceSamplingRate: d.TraceSamplingRate,
		Audit: AuditConfig{
			Enabled:    d.Audit.Enabled,
			IncludePII: d.Audit.IncludePII,
		},
	}
}

// Parse decodes YAML on top of the defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return config, nil
}

// Load reads path (if non-empty), applies the environment and returns the
// result. Validation is left to the caller so flags can still be applied.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		config, err = Parse([]byte(os.ExpandEnv(string(content))))
		if err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv overlays environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v, ok := lookup(key); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	boolean := func(dst *bool, keys ...string) {
		for _, key := range keys {
			if v, ok := lookup(key); ok && v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
					return
				}
				*dst = b
				return
			}
		}
	}
	integer := func(dst *int, key string) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(dst *float64, key string) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&c.HTTP.Addr, EnvPrefix+"HTTP_ADDR")
	str(&c.HTTP.BaseURL, EnvPrefix+"BASE_URL")
	boolean(&c.HTTP.TrustProxy, EnvPrefix+"TRUST_PROXY")
	str(&c.HTTP.APIToken, EnvPrefix+"API_TOKEN")

	str(&c.Storage.Type, EnvPrefix+"STORAGE_TYPE")
	str(&c.Storage.SQLite.Path, EnvPrefix+"SQLITE_PATH")
	duration(&c.Storage.SQLite.CleanupInterval, EnvPrefix+"SQLITE_CLEANUP_INTERVAL")
	str(&c.Storage.Valkey.URL, "VALKEY_URL")
	str(&c.Storage.Valkey.Password, "VALKEY_PASSWORD")
	boolean(&c.Storage.Valkey.TLSEnabled, "VALKEY_TLS_ENABLED")
	str(&c.Storage.Valkey.TLSCAFile, "VALKEY_TLS_CA_FILE")
	str(&c.Storage.Valkey.KeyPrefix, "VALKEY_KEY_PREFIX")
	integer(&c.Storage.Valkey.DB, "VALKEY_DB")

	str(&c.Google.ClientID, EnvPrefix+"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID")
	str(&c.Google.ClientSecret, EnvPrefix+"GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")
	str(&c.Google.RedirectURL, EnvPrefix+"GOOGLE_REDIRECT_URL")
	str(&c.Google.CalendarEndpoint, EnvPrefix+"CALENDAR_ENDPOINT")

	str(&c.Security.EncryptionKey, EnvPrefix+"ENCRYPTION_KEY")
	str(&c.Security.StateSecret, EnvPrefix+"STATE_SECRET")
	duration(&c.Security.HandshakeTTL, EnvPrefix+"HANDSHAKE_TTL")
	duration(&c.Security.HandshakeEvery, EnvPrefix+"HANDSHAKE_EVERY")
	integer(&c.Security.HandshakeBurst, EnvPrefix+"HANDSHAKE_BURST")

	duration(&c.Broadcast.AccountTimeout, EnvPrefix+"ACCOUNT_TIMEOUT")
	duration(&c.Broadcast.OverallTimeout, EnvPrefix+"OVERALL_TIMEOUT")
	integer(&c.Broadcast.MaxParallel, EnvPrefix+"MAX_PARALLEL")
	duration(&c.Broadcast.RefreshThreshold, EnvPrefix+"REFRESH_THRESHOLD")

	if v, ok := lookup(EnvPrefix + "ALLOWED_WORKSPACES"); ok && v != "" {
		c.Workspaces.Allowed = SplitList(v)
	}

	boolean(&c.Metrics.Enabled, EnvPrefix+"METRICS_ENABLED", "METRICS_ENABLED")
	str(&c.Metrics.Addr, EnvPrefix+"METRICS_ADDR", "METRICS_ADDR")

	inst := &c.Instrumentation
	boolean(&inst.Enabled, EnvPrefix+"INSTRUMENTATION_ENABLED")
	str(&inst.ServiceName, "OTEL_SERVICE_NAME")
	str(&inst.InstanceID, "OTEL_SERVICE_INSTANCE_ID")
	str(&inst.Namespace, "K8S_NAMESPACE", "POD_NAMESPACE")
	str(&inst.PodName, "K8S_POD_NAME")
	str(&inst.MetricsExporter, EnvPrefix+"METRICS_EXPORTER")
	str(&inst.TracingExporter, EnvPrefix+"TRACING_EXPORTER")
	str(&inst.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	boolean(&inst.OTLPInsecure, "OTEL_EXPORTER_OTLP_INSECURE")
	float(&inst.TraceSamplingRate, "OTEL_TRACES_SAMPLER_ARG")
	boolean(&inst.DetailedLabels, EnvPrefix+"METRICS_DETAILED_LABELS")
	boolean(&inst.Audit.Enabled, EnvPrefix+"AUDIT_ENABLED")
	boolean(&inst.Audit.IncludePII, EnvPrefix+"AUDIT_INCLUDE_PII")

	str(&c.Logging.Format, EnvPrefix+"LOG_FORMAT")
	str(&c.Logging.Level, EnvPrefix+"LOG_LEVEL")

	return errors.Join(errs...)
}

// Validate checks the settings every command needs: key material, storage
// and logging. Google client settings are checked by RequireGoogle since
// only the server and disconnect paths talk to Google.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.EncryptionKeyBytes(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StateSecretBytes(); err != nil {
		errs = append(errs, err)
	}

	if c.HTTP.APIToken != "" && len(c.HTTP.APIToken) < MinAPITokenLength {
		errs = append(errs, fmt.Errorf("http.api_token must be at least %d characters", MinAPITokenLength))
	}

	switch kv.Backend(c.Storage.Type) {
	case kv.BackendMemory:
	case kv.BackendSQLite:
		if c.Storage.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite.path is required for the sqlite backend"))
		}
	case kv.BackendValkey:
		if c.Storage.Valkey.URL == "" {
			errs = append(errs, fmt.Errorf("storage.valkey.url is required for the valkey backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage type %q, must be one of: memory, sqlite, valkey", c.Storage.Type))
	}

	if c.Security.HandshakeTTL <= 0 {
		errs = append(errs, fmt.Errorf("security.handshake_ttl must be positive"))
	}
	if c.Security.HandshakeEvery < 0 {
		errs = append(errs, fmt.Errorf("security.handshake_every must not be negative"))
	}
	if c.Broadcast.AccountTimeout <= 0 || c.Broadcast.OverallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("broadcast timeouts must be positive"))
	}
	if c.Broadcast.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("broadcast.max_parallel must be at least 1, got %d", c.Broadcast.MaxParallel))
	}

	if err := c.InstrumentationSettings("").Validate(); err != nil {
		errs = append(errs, fmt.Errorf("instrumentation: %w", err))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q, must be text or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// RequireGoogle checks that an OAuth client is configured.
func (c *Config) RequireGoogle() error {
	if c.Google.ClientID == "" || c.Google.ClientSecret == "" {
		return fmt.Errorf("google client id and secret are required (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET)")
	}
	if c.redirectURL() == "" {
		return fmt.Errorf("either http.base_url or google.redirect_url is required")
	}
	return nil
}

// RequireAPIToken checks that MCP clients on the HTTP transport must
// authenticate.
func (c *Config) RequireAPIToken() error {
	if c.HTTP.APIToken == "" {
		return fmt.Errorf("http.api_token (%sAPI_TOKEN) is required for the streamable-http transport", EnvPrefix)
	}
	return nil
}

// EncryptionKeyBytes decodes the credential encryption key.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := credential.KeyFromBase64(c.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("security.encryption_key: %w", err)
	}
	return key, nil
}

// StateSecretBytes decodes the handshake secret.
func (c *Config) StateSecretBytes() ([]byte, error) {
	if c.Security.StateSecret == "" {
		return nil, fmt.Errorf("security.state_secret is required")
	}
	secret, err := base64.StdEncoding.DecodeString(c.Security.StateSecret)
	if err != nil {
		return nil, fmt.Errorf("security.state_secret must be base64 encoded: %w", err)
	}
	if len(secret) < handshake.MinSecretSize {
		return nil, fmt.Errorf("security.state_secret must be at least %d bytes, got %d", handshake.MinSecretSize, len(secret))
	}
	return secret, nil
}

// KVOptions maps the storage section onto kv.Open options.
func (c *Config) KVOptions() kv.Options {
	return kv.Options{
		Backend:       kv.Backend(c.Storage.Type),
		SQLitePath:    c.Storage.SQLite.Path,
		SQLiteCleanup: c.Storage.SQLite.CleanupInterval,
		Valkey: kv.ValkeyConfig{
			URL:        c.Storage.Valkey.URL,
			Password:   c.Storage.Valkey.Password,
			TLSEnabled: c.Storage.Valkey.TLSEnabled,
			TLSCAFile:  c.Storage.Valkey.TLSCAFile,
			KeyPrefix:  c.Storage.Valkey.KeyPrefix,
			DB:         c.Storage.Valkey.DB,
		},
	}
}

// GoogleOAuth maps the google section onto the provider config.
func (c *Config) GoogleOAuth() google.Config {
	return google.Config{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RedirectURL:  c.redirectURL(),
	}
}

// BroadcastSettings maps the broadcast section onto the orchestrator config.
func (c *Config) BroadcastSettings() broadcast.Config {
	return broadcast.Config{
		AccountTimeout: c.Broadcast.AccountTimeout,
		OverallTimeout: c.Broadcast.OverallTimeout,
		MaxParallel:    c.Broadcast.MaxParallel,
	}
}

// InstrumentationSettings maps the instrumentation section onto the
// provider config.
func (c *Config) InstrumentationSettings(version string) instrumentation.Config {
	inst := c.Instrumentation
	return instrumentation.Config{
		ServiceName:       inst.ServiceName,
		ServiceVersion:    version,
		InstanceID:        inst.InstanceID,
		Namespace:         inst.Namespace,
		PodName:           inst.PodName,
		Enabled:           inst.Enabled,
		MetricsExporter:   inst.MetricsExporter,
		TracingExporter:   inst.TracingExporter,
		OTLPEndpoint:      inst.OTLPEndpoint,
		OTLPInsecure:      inst.OTLPInsecure,
		TraceSamplingRate: inst.TraceSamplingRate,
		DetailedLabels:    inst.DetailedLabels,
		Audit: instrumentation.AuditConfig{
			Enabled:    inst.Audit.Enabled,
			IncludePII: inst.Audit.IncludePII,
		},
	}
}

// TokenSettings maps the broadcast section onto the token manager config.
func (c *Config) TokenSettings() tokens.Config {
	return tokens.Config{RefreshThreshold: c.Broadcast.RefreshThreshold}
}

func (c *Config) redirectURL() string {
	if c.Google.RedirectURL != "" {
		return c.Google.RedirectURL
	}
	if c.HTTP.BaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.HTTP.BaseURL, "/") + CallbackPath
}

// SplitList parses a comma-separated string into a slice, trimming
// whitespace and dropping empty entries.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
