package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/calfanout/internal/logging"
)

// AuditRecord captures one state-changing operation for the audit trail:
// an MCP tool call, a broadcast or an account link/disconnect.
type AuditRecord struct {
	Action    string
	Workspace string
	Actor     string
	EventUID  string

	// Broadcast counters; zero for non-broadcast actions.
	Attempted int
	Succeeded int
	Failed    int

	StartTime time.Time
	Duration  time.Duration
	Success   bool
	Error     string

	TraceID string
	SpanID  string
}

// NewAuditRecord starts timing an audited action.
func NewAuditRecord(action, workspace, actor string) *AuditRecord {
	return &AuditRecord{
		Action:    action,
		Workspace: workspace,
		Actor:     actor,
		StartTime: time.Now(),
	}
}

// WithSpanContext copies trace and span ids from ctx.
func (r *AuditRecord) WithSpanContext(ctx context.Context) *AuditRecord {
	r.TraceID = GetTraceID(ctx)
	r.SpanID = GetSpanID(ctx)
	return r
}

// WithCounts sets the broadcast counters.
func (r *AuditRecord) WithCounts(attempted, succeeded, failed int) *AuditRecord {
	r.Attempted, r.Succeeded, r.Failed = attempted, succeeded, failed
	return r
}

// Complete marks the record finished.
func (r *AuditRecord) Complete(err error) *AuditRecord {
	r.Duration = time.Since(r.StartTime)
	r.Success = err == nil
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Status returns "success" or "error".
func (r *AuditRecord) Status() string {
	if r.Success {
		return StatusSuccess
	}
	return StatusError
}

func (r *AuditRecord) attrs(includePII bool) []any {
	actor := r.Actor
	if !includePII {
		actor = logging.AnonymizeEmail(r.Actor)
	}

	args := []any{
		slog.String("action", r.Action),
		logging.Workspace(r.Workspace),
		slog.String("actor", actor),
		slog.Duration("duration", r.Duration),
		slog.Bool("success", r.Success),
	}
	if r.EventUID != "" {
		args = append(args, logging.EventUID(r.EventUID))
	}
	if r.Attempted > 0 {
		args = append(args,
			slog.Int("attempted", r.Attempted),
			slog.Int("succeeded", r.Succeeded),
			slog.Int("failed", r.Failed))
	}
	if r.TraceID != "" {
		args = append(args, slog.String("trace_id", r.TraceID))
	}
	if r.SpanID != "" {
		args = append(args, slog.String("span_id", r.SpanID))
	}
	if r.Error != "" {
		args = append(args, slog.String("error", r.Error))
	}
	return args
}

// AuditLogger writes audit records through slog.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an AuditLogger. A nil logger uses slog.Default().
func NewAuditLogger(logger *slog.Logger, config AuditConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger,
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// Log writes a record. Failed actions are logged at WARN.
func (al *AuditLogger) Log(r *AuditRecord) {
	if al == nil || !al.enabled {
		return
	}
	args := r.attrs(al.includePII)
	if r.Success {
		al.logger.Info("audit", args...)
	} else {
		al.logger.Warn("audit", args...)
	}
}
