package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/kv"
)

func testKey(t *testing.T) string {
	t.Helper()
	key, err := credential.GenerateKey()
	require.NoError(t, err)
	return credential.KeyToBase64(key)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	c := Default()
	c.Security.EncryptionKey = testKey(t)
	c.Security.StateSecret = testKey(t)
	return c
}

func env(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestDefaultNeedsKeys(t *testing.T) {
	err := Default().Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption_key")
	assert.Contains(t, err.Error(), "state_secret")

	assert.NoError(t, validConfig(t).Validate())
}

func TestParseOverlaysDefaults(t *testing.T) {
	c, err := Parse([]byte(`
http:
  base_url: https://cal.example.com/
storage:
  type: sqlite
  sqlite:
    path: /var/lib/calfanout.db
broadcast:
  account_timeout: 5s
  max_parallel: 8
workspaces:
  allowed: [team-a, team-b]
`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, "sqlite", c.Storage.Type)
	assert.Equal(t, "/var/lib/calfanout.db", c.Storage.SQLite.Path)
	assert.Equal(t, 5*time.Minute, c.Storage.SQLite.CleanupInterval)
	assert.Equal(t, 5*time.Second, c.Broadcast.AccountTimeout)
	assert.Equal(t, 8, c.Broadcast.MaxParallel)
	assert.Equal(t, []string{"team-a", "team-b"}, c.Workspaces.Allowed)
	assert.Equal(t, "https://cal.example.com/oauth/callback", c.GoogleOAuth().RedirectURL)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("http: [unterminated"))
	assert.Error(t, err)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_CALFANOUT_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("google:\n  client_secret: ${TEST_CALFANOUT_SECRET}\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Google.ClientSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(env(map[string]string{
		"CALFANOUT_STORAGE_TYPE":       "valkey",
		"VALKEY_URL":                   "valkey:6379",
		"VALKEY_TLS_ENABLED":           "true",
		"VALKEY_DB":                    "3",
		"GOOGLE_CLIENT_ID":             "generic-id",
		"CALFANOUT_GOOGLE_CLIENT_ID":   "specific-id",
		"GOOGLE_CLIENT_SECRET":         "secret",
		"CALFANOUT_OVERALL_TIMEOUT":    "90s",
		"CALFANOUT_ALLOWED_WORKSPACES": " a, b ,,",
		"METRICS_ENABLED":              "false",
		"CALFANOUT_API_TOKEN":          "api-token",
		"CALFANOUT_LOG_FORMAT":         "json",
	}))
	require.NoError(t, err)

	assert.Equal(t, "valkey", c.Storage.Type)
	assert.Equal(t, "valkey:6379", c.Storage.Valkey.URL)
	assert.True(t, c.Storage.Valkey.TLSEnabled)
	assert.Equal(t, 3, c.Storage.Valkey.DB)
	assert.Equal(t, "specific-id", c.Google.ClientID, "prefixed variable wins")
	assert.Equal(t, "secret", c.Google.ClientSecret)
	assert.Equal(t, 90*time.Second, c.Broadcast.OverallTimeout)
	assert.Equal(t, []string{"a", "b"}, c.Workspaces.Allowed)
	assert.False(t, c.Metrics.Enabled)
	assert.Equal(t, "api-token", c.HTTP.APIToken)
	assert.Equal(t, "json", c.Logging.Format)
}

func TestApplyEnvInstrumentation(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(env(map[string]string{
		"CALFANOUT_INSTRUMENTATION_ENABLED": "true",
		"OTEL_SERVICE_NAME":                 "calfanout-staging",
		"CALFANOUT_TRACING_EXPORTER":        "otlp",
		"OTEL_EXPORTER_OTLP_ENDPOINT":       "collector:4318",
		"OTEL_TRACES_SAMPLER_ARG":           "0.5",
		"POD_NAMESPACE":                     "calendars",
		"CALFANOUT_AUDIT_INCLUDE_PII":       "true",
		"CALFANOUT_METRICS_ENABLED":         "false",
		"METRICS_ENABLED":                   "true",
	}))
	require.NoError(t, err)

	inst := c.Instrumentation
	assert.Equal(t, "calfanout-staging", inst.ServiceName)
	assert.Equal(t, "otlp", inst.TracingExporter)
	assert.Equal(t, "prometheus", inst.MetricsExporter)
	assert.Equal(t, "collector:4318", inst.OTLPEndpoint)
	assert.InDelta(t, 0.5, inst.TraceSamplingRate, 1e-9)
	assert.Equal(t, "calendars", inst.Namespace)
	assert.True(t, inst.Audit.Enabled)
	assert.True(t, inst.Audit.IncludePII)
	assert.False(t, c.Metrics.Enabled, "prefixed variable wins")

	err = Default().ApplyEnv(env(map[string]string{"OTEL_TRACES_SAMPLER_ARG": "half"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTEL_TRACES_SAMPLER_ARG")
}

func TestParseInstrumentation(t *testing.T) {
	c, err := Parse([]byte(`
instrumentation:
  metrics_exporter: stdout
  detailed_labels: true
  audit:
    include_pii: true
`))
	require.NoError(t, err)

	settings := c.InstrumentationSettings("1.2.3")
	assert.Equal(t, "calfanout", settings.ServiceName, "unset keys keep defaults")
	assert.Equal(t, "1.2.3", settings.ServiceVersion)
	assert.True(t, settings.Enabled)
	assert.Equal(t, "stdout", settings.MetricsExporter)
	assert.Equal(t, "none", settings.TracingExporter)
	assert.True(t, settings.DetailedLabels)
	assert.True(t, settings.Audit.Enabled)
	assert.True(t, settings.Audit.IncludePII)
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(env(map[string]string{
		"CALFANOUT_MAX_PARALLEL":    "many",
		"CALFANOUT_ACCOUNT_TIMEOUT": "soon",
		"CALFANOUT_TRUST_PROXY":     "maybe",
	}))
	require.Error(t, err)
	for _, key := range []string{"CALFANOUT_MAX_PARALLEL", "CALFANOUT_ACCOUNT_TIMEOUT", "CALFANOUT_TRUST_PROXY"} {
		assert.Contains(t, err.Error(), key)
	}
	assert.Equal(t, Default().Broadcast.MaxParallel, c.Broadcast.MaxParallel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "short encryption key",
			mutate:  func(c *Config) { c.Security.EncryptionKey = "c2hvcnQ=" },
			wantErr: "encryption_key",
		},
		{
			name:    "state secret not base64",
			mutate:  func(c *Config) { c.Security.StateSecret = "not base64!" },
			wantErr: "base64",
		},
		{
			name:    "short state secret",
			mutate:  func(c *Config) { c.Security.StateSecret = "c2hvcnQ=" },
			wantErr: "at least 32 bytes",
		},
		{
			name:    "unknown storage",
			mutate:  func(c *Config) { c.Storage.Type = "postgres" },
			wantErr: "invalid storage type",
		},
		{
			name:    "valkey without url",
			mutate:  func(c *Config) { c.Storage.Type = "valkey" },
			wantErr: "storage.valkey.url",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Storage.Type = "sqlite"
				c.Storage.SQLite.Path = ""
			},
			wantErr: "storage.sqlite.path",
		},
		{
			name:    "zero parallelism",
			mutate:  func(c *Config) { c.Broadcast.MaxParallel = 0 },
			wantErr: "max_parallel",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Broadcast.AccountTimeout = 0 },
			wantErr: "timeouts",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "loud",
		},
		{
			name:    "short api token",
			mutate:  func(c *Config) { c.HTTP.APIToken = "short" },
			wantErr: "api_token",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Instrumentation.TracingExporter = "otlp"
			},
			wantErr: "OTLP endpoint",
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Instrumentation.TraceSamplingRate = 3 },
			wantErr: "sampling rate",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig(t)
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequireGoogle(t *testing.T) {
	c := validConfig(t)
	assert.Error(t, c.RequireGoogle())

	c.Google.ClientID = "id"
	c.Google.ClientSecret = "secret"
	err := c.RequireGoogle()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")

	c.Google.RedirectURL = "https://elsewhere.example.com/cb"
	assert.NoError(t, c.RequireGoogle())
	assert.Equal(t, "https://elsewhere.example.com/cb", c.GoogleOAuth().RedirectURL)
}

func TestRequireAPIToken(t *testing.T) {
	c := validConfig(t)
	err := c.RequireAPIToken()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALFANOUT_API_TOKEN")

	c.HTTP.APIToken = strings.Repeat("x", MinAPITokenLength)
	assert.NoError(t, c.RequireAPIToken())
	assert.NoError(t, c.Validate())
}

func TestKeyAccessors(t *testing.T) {
	c := validConfig(t)

	key, err := c.EncryptionKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, credential.KeySize)

	secret, err := c.StateSecretBytes()
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}

func TestKVOptions(t *testing.T) {
	c := Default()
	c.Storage.Type = "valkey"
	c.Storage.Valkey.URL = "valkey:6379"
	c.Storage.Valkey.DB = 2

	opts := c.KVOptions()
	assert.Equal(t, kv.BackendValkey, opts.Backend)
	assert.Equal(t, "valkey:6379", opts.Valkey.URL)
	assert.Equal(t, "calfanout:", opts.Valkey.KeyPrefix)
	assert.Equal(t, 2, opts.Valkey.DB)
	assert.Equal(t, 5*time.Minute, opts.SQLiteCleanup)
}

func TestSettingsMapping(t *testing.T) {
	c := Default()
	c.Broadcast.MaxParallel = 7
	c.Broadcast.RefreshThreshold = 2 * time.Minute

	assert.Equal(t, 7, c.BroadcastSettings().MaxParallel)
	assert.Equal(t, 2*time.Minute, c.TokenSettings().RefreshThreshold)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList(" , ,"))
	assert.Equal(t, []string{"a", "b c"}, SplitList("a, b c ,"))
	assert.False(t, strings.Contains(strings.Join(SplitList(" x , y "), ""), " "))
}
