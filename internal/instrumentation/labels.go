package instrumentation

import "time"

// Metric label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"
	StatusPartial = "partial"

	RefreshResultSuccess           = "success"
	RefreshResultCredentialInvalid = "credential_invalid"
	RefreshResultTransportError    = "transport_error"

	LinkResultSuccess  = "success"
	LinkResultFailure  = "failure"
	LinkResultRejected = "rejected"

	HandshakeStageIssue  = "issue"
	HandshakeStageVerify = "verify"

	ServiceCalendar = "calendar"
	ServiceOAuth    = "oauth2"
)

// Exporter names accepted by Config.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"
)

// DefaultMetricInterval is the push interval of the otlp and stdout
// metric readers.
const DefaultMetricInterval = 10 * time.Second
