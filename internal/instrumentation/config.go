package instrumentation

import (
	"errors"
	"fmt"
	"slices"
)

// Config selects the exporters and resource attributes of a Provider.
// The cmd package builds it from the server configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// InstanceID defaults to the hostname.
	InstanceID string
	// Namespace and PodName are added as k8s resource attributes when set.
	Namespace string
	PodName   string

	// Enabled false turns the Provider into a no-op.
	Enabled bool

	// MetricsExporter is prometheus, otlp or stdout.
	MetricsExporter string
	// TracingExporter is otlp, stdout or none.
	TracingExporter string
	OTLPEndpoint    string
	// OTLPInsecure sends OTLP over plain HTTP. Local collectors only.
	OTLPInsecure      bool
	TraceSamplingRate float64

	// DetailedLabels adds workspace ids to broadcast metrics. Cardinality
	// grows with the number of workspaces.
	DetailedLabels bool

	Audit AuditConfig
}

// AuditConfig controls the audit logger.
type AuditConfig struct {
	Enabled bool
	// IncludePII logs actor ids verbatim instead of hashed.
	IncludePII bool
}

// DefaultConfig returns Prometheus metrics, no tracing and hashed audit
// records.
func DefaultConfig() Config {
	return Config{
		ServiceName:       "calfanout",
		ServiceVersion:    "unknown",
		Enabled:           true,
		MetricsExporter:   ExporterPrometheus,
		TracingExporter:   ExporterNone,
		TraceSamplingRate: 0.1,
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

var (
	metricsExporters = []string{ExporterPrometheus, ExporterOTLP, ExporterStdout}
	tracingExporters = []string{ExporterOTLP, ExporterStdout, ExporterNone}
)

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %g", c.TraceSamplingRate))
	}
	if c.MetricsExporter != "" && !slices.Contains(metricsExporters, c.MetricsExporter) {
		errs = append(errs, fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter))
	}
	if c.TracingExporter != "" && !slices.Contains(tracingExporters, c.TracingExporter) {
		errs = append(errs, fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter))
	}
	if c.OTLPEndpoint == "" && (c.MetricsExporter == ExporterOTLP || c.TracingExporter == ExporterOTLP) {
		errs = append(errs, errors.New("an OTLP endpoint is required for the otlp exporter"))
	}
	return errors.Join(errs...)
}
