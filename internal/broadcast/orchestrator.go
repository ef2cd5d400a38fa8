package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/teemow/calfanout/internal/calendar"
	"github.com/teemow/calfanout/internal/credential"
	"github.com/teemow/calfanout/internal/instrumentation"
	"github.com/teemow/calfanout/internal/logging"
	"github.com/teemow/calfanout/internal/registry"
	"github.com/teemow/calfanout/internal/tokens"
	"github.com/teemow/calfanout/internal/workspace"
)

// ErrNoActiveAccounts is returned before any remote call when the workspace
// has no linked accounts.
var ErrNoActiveAccounts = errors.New("workspace has no linked calendar accounts")

const (
	DefaultAccountTimeout = 20 * time.Second
	DefaultOverallTimeout = 60 * time.Second
	DefaultMaxParallel    = 4
)

// RemoteCalendar writes to one account's calendar with the given access
// credential. A missing remote event is reported as calendar.ErrNotFound.
type RemoteCalendar interface {
	CreateEvent(ctx context.Context, accessToken string, input calendar.EventInput) (string, error)
	UpdateEvent(ctx context.Context, accessToken, nativeID string, input calendar.EventInput) error
	DeleteEvent(ctx context.Context, accessToken, nativeID string) error
}

// Config bounds a broadcast. Zero values use the defaults.
type Config struct {
	// AccountTimeout bounds one account's path, including refresh.
	AccountTimeout time.Duration
	// OverallTimeout stops new accounts from being started. Accounts
	// already in flight finish on their own AccountTimeout.
	OverallTimeout time.Duration
	// MaxParallel is the number of accounts worked on at once.
	MaxParallel int
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Credentials *credential.Store
	Tokens      *tokens.Manager
	Registry    *registry.Registry
	Remote      RemoteCalendar
}

// Orchestrator runs broadcasts.
type Orchestrator struct {
	creds    *credential.Store
	tokens   *tokens.Manager
	registry *registry.Registry
	remote   RemoteCalendar
	config   Config
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	audit    *instrumentation.AuditLogger
}

// New creates an Orchestrator. logger, metrics and audit may be nil.
func New(deps Deps, config Config, logger *slog.Logger, metrics *instrumentation.Metrics, audit *instrumentation.AuditLogger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if config.AccountTimeout <= 0 {
		config.AccountTimeout = DefaultAccountTimeout
	}
	if config.OverallTimeout <= 0 {
		config.OverallTimeout = DefaultOverallTimeout
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultMaxParallel
	}
	return &Orchestrator{
		creds:    deps.Credentials,
		tokens:   deps.Tokens,
		registry: deps.Registry,
		remote:   deps.Remote,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		audit:    audit,
	}
}

// target is one account a broadcast will try.
type target struct {
	conn     *credential.Connection
	nativeID string
}

// plan is the resolved work for one broadcast: accounts to run, and
// accounts that failed before they could start.
type plan struct {
	targets []target
	early   []outcome
}

// accountFunc is one account's path once targets are known.
type accountFunc func(ctx context.Context, round *tokens.Round, t target) outcome

// Create allocates a new event uid and broadcasts the create.
func (o *Orchestrator) Create(ctx context.Context, scope workspace.Scope, input calendar.EventInput) (*Scoreboard, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	uid, err := registry.Allocate()
	if err != nil {
		return nil, err
	}
	return o.BroadcastCreate(ctx, scope, uid, input)
}

// BroadcastCreate creates the event in every active account and records a
// mapping per success.
func (o *Orchestrator) BroadcastCreate(ctx context.Context, scope workspace.Scope, uid registry.UID, input calendar.EventInput) (*Scoreboard, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	if err := input.ValidateForCreate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	enum, err := o.accounts(ctx, scope)
	if err != nil {
		return nil, err
	}

	p := plan{}
	for _, conn := range enum.Active {
		p.targets = append(p.targets, target{conn: conn})
	}
	p.early = undecryptable(enum)

	return o.run(ctx, scope, instrumentation.OperationCreate, uid, p, func(ctx context.Context, round *tokens.Round, t target) outcome {
		return o.createOne(ctx, round, scope, uid, t, input)
	})
}

// BroadcastUpdate applies input to the event in every account it lives in.
// ref may be the canonical or short uid.
func (o *Orchestrator) BroadcastUpdate(ctx context.Context, scope workspace.Scope, ref string, input calendar.EventInput) (*Scoreboard, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	if err := input.ValidateForUpdate(); err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}

	uid, p, err := o.planExisting(ctx, scope, ref)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, scope, instrumentation.OperationUpdate, uid, p, func(ctx context.Context, round *tokens.Round, t target) outcome {
		return o.updateOne(ctx, round, scope, uid, t, input)
	})
}

// BroadcastDelete removes the event from every account it lives in.
// ref may be the canonical or short uid.
func (o *Orchestrator) BroadcastDelete(ctx context.Context, scope workspace.Scope, ref string) (*Scoreboard, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}

	uid, p, err := o.planExisting(ctx, scope, ref)
	if err != nil {
		return nil, err
	}

	return o.run(ctx, scope, instrumentation.OperationDelete, uid, p, func(ctx context.Context, round *tokens.Round, t target) outcome {
		return o.deleteOne(ctx, round, scope, uid, t)
	})
}

// accounts enumerates the workspace's connections and enforces the
// at-least-one-account precondition.
func (o *Orchestrator) accounts(ctx context.Context, scope workspace.Scope) (*credential.Enumeration, error) {
	enum, err := o.creds.Enumerate(ctx, scope.ID)
	if err != nil {
		return nil, err
	}
	if len(enum.Active) == 0 && len(enum.Undecryptable) == 0 {
		return nil, ErrNoActiveAccounts
	}
	return enum, nil
}

func undecryptable(enum *credential.Enumeration) []outcome {
	var out []outcome
	for _, acct := range enum.Undecryptable {
		out = append(out, failed(acct, "", ReasonCredential, "stored credential cannot be decrypted"))
	}
	return out
}

// planExisting targets the accounts an existing event currently lives in.
// Accounts linked after the event was created are not touched.
func (o *Orchestrator) planExisting(ctx context.Context, scope workspace.Scope, ref string) (registry.UID, plan, error) {
	enum, err := o.accounts(ctx, scope)
	if err != nil {
		return registry.UID{}, plan{}, err
	}

	uid, err := o.registry.Resolve(ctx, scope.ID, ref)
	if err != nil {
		return registry.UID{}, plan{}, err
	}
	mappings, err := o.registry.MappingsFor(ctx, scope.ID, uid.Canonical)
	if err != nil {
		return registry.UID{}, plan{}, err
	}
	if len(mappings) == 0 {
		return registry.UID{}, plan{}, registry.ErrMappingNotFound
	}

	active := make(map[string]*credential.Connection, len(enum.Active))
	for _, c := range enum.Active {
		active[c.AccountID] = c
	}
	broken := make(map[string]bool, len(enum.Undecryptable))
	for _, acct := range enum.Undecryptable {
		broken[acct] = true
	}

	p := plan{}
	for _, m := range mappings {
		switch conn, ok := active[m.AccountID]; {
		case ok:
			p.targets = append(p.targets, target{conn: conn, nativeID: m.NativeEventID})
		case broken[m.AccountID]:
			p.early = append(p.early, failed(m.AccountID, "", ReasonCredential, "stored credential cannot be decrypted"))
		default:
			p.early = append(p.early, failed(m.AccountID, "", ReasonCredential, "account is no longer linked"))
		}
	}
	return uid, p, nil
}

// run executes fn for every target with bounded parallelism and builds the
// scoreboard.
func (o *Orchestrator) run(ctx context.Context, scope workspace.Scope, op string, uid registry.UID, p plan, fn accountFunc) (*Scoreboard, error) {
	start := time.Now()
	logger := o.logger.With(logging.Operation(op), logging.Workspace(scope.ID), logging.EventUID(uid.Canonical))

	ctx, span := instrumentation.StartSpan(ctx, "broadcast."+op,
		instrumentation.NewSpanAttributeBuilder().
			WithOperation(op).
			WithWorkspace(scope.ID).
			WithEventUID(uid.Canonical).
			Build()...)
	defer span.End()

	audit := instrumentation.NewAuditRecord("broadcast."+op, scope.ID, scope.ActorID).WithSpanContext(ctx)
	audit.EventUID = uid.Canonical

	deadline, cancel := context.WithTimeout(ctx, o.config.OverallTimeout)
	defer cancel()

	round := o.tokens.NewRound()
	results := make([]outcome, len(p.targets))

	var g errgroup.Group
	g.SetLimit(o.config.MaxParallel)
	for i, t := range p.targets {
		g.Go(func() error {
			if deadline.Err() != nil {
				results[i] = failed(t.conn.AccountID, t.conn.DisplayIdentifier, ReasonNotAttempted, "broadcast deadline passed")
				return nil
			}
			// Started accounts are not cancelled by the overall deadline.
			acctCtx, cancel := context.WithTimeout(context.WithoutCancel(deadline), o.config.AccountTimeout)
			defer cancel()
			results[i] = o.traceAccount(acctCtx, op, t, round, fn)
			return nil
		})
	}
	_ = g.Wait()

	sb := newScoreboard(op, uid.Canonical, uid.Short)
	for _, r := range append(p.early, results...) {
		sb.add(r)
		o.metrics.RecordBroadcastAccount(ctx, op, r.label(), string(r.reason))
		if r.state == StateFailed {
			logger.Warn("Account failed",
				logging.Account(r.account),
				logging.Reason(string(r.reason)),
				slog.String("detail", r.detail))
		}
	}
	sb.sort()

	o.metrics.RecordBroadcast(ctx, op, sb.Status(), scope.ID, time.Since(start))
	span.SetAttributes(
		attribute.Int(instrumentation.SpanAttrAttempted, sb.AccountsAttempted),
		attribute.Int(instrumentation.SpanAttrSucceeded, len(sb.Succeeded)),
	)
	instrumentation.SetSpanSuccess(span)

	audit.WithCounts(sb.AccountsAttempted, len(sb.Succeeded), len(sb.Failed))
	var auditErr error
	if len(sb.Succeeded) == 0 {
		auditErr = fmt.Errorf("no account succeeded")
	}
	o.audit.Log(audit.Complete(auditErr))

	logger.Info("Broadcast finished",
		logging.Status(sb.Status()),
		slog.Int("attempted", sb.AccountsAttempted),
		slog.Int("succeeded", len(sb.Succeeded)),
		slog.Int("failed", len(sb.Failed)),
		slog.Duration("duration", time.Since(start)))

	return sb, nil
}

func (o *Orchestrator) traceAccount(ctx context.Context, op string, t target, round *tokens.Round, fn accountFunc) outcome {
	ctx, span := instrumentation.StartSpan(ctx, "broadcast."+op+".account",
		instrumentation.NewSpanAttributeBuilder().
			WithOperation(op).
			WithAccount(t.conn.AccountID).
			Build()...)
	defer span.End()

	res := fn(ctx, round, t)

	span.SetAttributes(attribute.String(instrumentation.SpanAttrOutcome, res.state.String()))
	if res.state == StateFailed {
		span.SetAttributes(attribute.String(instrumentation.SpanAttrReason, string(res.reason)))
		instrumentation.SetSpanError(span, errors.New(res.detail))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	return res
}

// resolveCredential moves an account from PENDING to TOKEN_RESOLVED, or to
// FAILED with reason credential.
func (o *Orchestrator) resolveCredential(ctx context.Context, round *tokens.Round, conn *credential.Connection) (string, *outcome) {
	cred, err := round.GetValidAccessCredential(ctx, conn)
	if err != nil {
		res := failed(conn.AccountID, conn.DisplayIdentifier, ReasonCredential, err.Error())
		res.retryable = tokens.IsRetryable(err)
		return "", &res
	}
	if !cred.Valid() {
		detail := "refresh rejected, account must be re-linked"
		if cred.Cause != nil {
			detail = fmt.Sprintf("%s: %v", detail, cred.Cause)
		}
		res := failed(conn.AccountID, conn.DisplayIdentifier, ReasonCredential, detail)
		return "", &res
	}
	transition(ctx, conn.AccountID, StateTokenResolved)
	return cred.AccessToken, nil
}

func transition(ctx context.Context, account string, s State) {
	trace.SpanFromContext(ctx).AddEvent(s.String(), trace.WithAttributes(attribute.String(instrumentation.SpanAttrAccount, account)))
}

func (o *Orchestrator) createOne(ctx context.Context, round *tokens.Round, scope workspace.Scope, uid registry.UID, t target, input calendar.EventInput) outcome {
	conn := t.conn
	token, fail := o.resolveCredential(ctx, round, conn)
	if fail != nil {
		return *fail
	}

	transition(ctx, conn.AccountID, StateRemoteCallIssued)
	nativeID, err := o.remote.CreateEvent(ctx, token, input)
	if err != nil {
		return failed(conn.AccountID, conn.DisplayIdentifier, ReasonRemote, err.Error())
	}

	// The remote event exists now; record it even if the account budget
	// ran out during the call.
	if err := o.registry.RecordMapping(context.WithoutCancel(ctx), scope.ID, uid.Canonical, conn.AccountID, nativeID); err != nil {
		o.logger.Error("Remote event created but mapping was not recorded",
			logging.Workspace(scope.ID),
			logging.EventUID(uid.Canonical),
			logging.Account(conn.AccountID),
			slog.String("native_event_id", nativeID),
			logging.Err(err))
		return failed(conn.AccountID, conn.DisplayIdentifier, ReasonMapping, err.Error())
	}
	return succeeded(conn.AccountID, conn.DisplayIdentifier)
}

func (o *Orchestrator) updateOne(ctx context.Context, round *tokens.Round, scope workspace.Scope, uid registry.UID, t target, input calendar.EventInput) outcome {
	conn := t.conn
	token, fail := o.resolveCredential(ctx, round, conn)
	if fail != nil {
		return *fail
	}

	transition(ctx, conn.AccountID, StateRemoteCallIssued)
	err := o.remote.UpdateEvent(ctx, token, t.nativeID, input)
	switch {
	case err == nil:
		return succeeded(conn.AccountID, conn.DisplayIdentifier)
	case errors.Is(err, calendar.ErrNotFound):
		// The event was removed on the provider side; forget it there.
		if rmErr := o.registry.RemoveMapping(context.WithoutCancel(ctx), scope.ID, uid.Canonical, conn.AccountID); rmErr != nil {
			o.logger.Warn("Failed to drop stale mapping",
				logging.Workspace(scope.ID),
				logging.EventUID(uid.Canonical),
				logging.Account(conn.AccountID),
				logging.Err(rmErr))
		}
		return failed(conn.AccountID, conn.DisplayIdentifier, ReasonRemote, "event no longer exists in this calendar")
	default:
		return failed(conn.AccountID, conn.DisplayIdentifier, ReasonRemote, err.Error())
	}
}

func (o *Orchestrator) deleteOne(ctx context.Context, round *tokens.Round, scope workspace.Scope, uid registry.UID, t target) outcome {
	conn := t.conn
	token, fail := o.resolveCredential(ctx, round, conn)
	if fail != nil {
		return *fail
	}

	transition(ctx, conn.AccountID, StateRemoteCallIssued)
	err := o.remote.DeleteEvent(ctx, token, t.nativeID)
	if err != nil && !errors.Is(err, calendar.ErrNotFound) {
		return failed(conn.AccountID, conn.DisplayIdentifier, ReasonRemote, err.Error())
	}

	if err := o.registry.RemoveMapping(context.WithoutCancel(ctx), scope.ID, uid.Canonical, conn.AccountID); err != nil {
		o.logger.Error("Remote event deleted but mapping was not removed",
			logging.Workspace(scope.ID),
			logging.EventUID(uid.Canonical),
			logging.Account(conn.AccountID),
			logging.Err(err))
		return failed(conn.AccountID, conn.DisplayIdentifier, ReasonMapping, err.Error())
	}
	return succeeded(conn.AccountID, conn.DisplayIdentifier)
}
