// Package gateway runs the badge scan handshake that binds a physical
// credential to a verified member before a mutation is allowed.
//
// A session moves awaiting_scan -> verifying -> verified | failed, and may be
// cancelled or expire at any point before it is consumed. Each in-flight scan
// runs under its own context; cancelling the session marks it cancelled first
// and then cancels that context, so a resolver finishing late finds the
// session no longer verifying and its result is dropped.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/identity"
	"github.com/canopyworks/custody/internal/lifecycle"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/canopyworks/custody/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultScanTimeout = 30 * time.Second
	DefaultRetention   = 2 * time.Minute
	DefaultIssuer      = "custody"
)

// Observer is notified after every committed session change.
type Observer func(session models.AuthorizationSession)

type Config struct {
	Secret      []byte
	Issuer      string
	ScanTimeout time.Duration
	Retention   time.Duration
}

type Gateway struct {
	sessions    store.SessionStore
	resolver    identity.Resolver
	tokens      *tokenIssuer
	now         func() time.Time
	scanTimeout time.Duration
	retention   time.Duration
	metrics     *telemetry.Metrics

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc

	observers []Observer
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observers = append(g.observers, o)
	}
}

func New(sessions store.SessionStore, resolver identity.Resolver, cfg Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		sessions:    sessions,
		resolver:    resolver,
		now:         time.Now,
		scanTimeout: cfg.ScanTimeout,
		retention:   cfg.Retention,
		metrics:     telemetry.GetMetrics(),
		inflight:    make(map[uuid.UUID]context.CancelFunc),
	}
	if g.scanTimeout <= 0 {
		g.scanTimeout = DefaultScanTimeout
	}
	if g.retention <= 0 {
		g.retention = DefaultRetention
	}
	for _, opt := range opts {
		opt(g)
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	tokens, err := newTokenIssuer(cfg.Secret, issuer, g.retention, g.now)
	if err != nil {
		return nil, err
	}
	g.tokens = tokens

	return g, nil
}

func (g *Gateway) notify(s *models.AuthorizationSession) {
	view := *s
	view.Token = ""

	for _, o := range g.observers {
		o(view)
	}
}

// VerificationResult is returned by a successful scan.
type VerificationResult struct {
	MemberID   uuid.UUID `json:"member_id"`
	MemberName string    `json:"member_name"`
}

// StartSession opens a session for holder. A holder may have one open session
// at a time; one past its deadline is expired to make room.
func (g *Gateway) StartSession(ctx context.Context, holder string) (*models.AuthorizationSession, error) {
	if holder == "" {
		return nil, apperr.New(apperr.InvalidRequest, "session holder is required")
	}

	now := g.now().UTC()
	s := &models.AuthorizationSession{
		ID:        uuid.Must(uuid.NewV7()),
		Holder:    holder,
		Status:    models.SessionAwaitingScan,
		StartedAt: now,
		ExpiresAt: now.Add(g.scanTimeout),
	}

	token, err := g.tokens.issue(s)
	if err != nil {
		return nil, err
	}
	s.Token = token

	err = g.sessions.Create(ctx, s)
	if errors.Is(err, store.ErrSessionActive) {
		prev, getErr := g.sessions.GetByHolder(ctx, holder)
		if getErr != nil {
			return nil, getErr
		}
		if !prev.IsExpired(now) {
			return nil, apperr.New(apperr.SessionAlreadyActive, "%s already has an open session", holder)
		}
		if _, err := g.expire(ctx, prev.ID); err != nil {
			return nil, err
		}
		err = g.sessions.Create(ctx, s)
	}
	if errors.Is(err, store.ErrSessionActive) {
		return nil, apperr.New(apperr.SessionAlreadyActive, "%s already has an open session", holder)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	g.metrics.ActiveSessions.Add(ctx, 1)
	zerolog.Ctx(ctx).Debug().Str("session_id", s.ID.String()).Str("holder", holder).Msg("Scan session started")
	g.notify(s)

	return s, nil
}

// Get returns the session for token.
func (g *Gateway) Get(ctx context.Context, token string) (*models.AuthorizationSession, error) {
	id, err := g.tokens.parse(token)
	if err != nil {
		return nil, err
	}
	return g.sessions.Get(ctx, id)
}

// SubmitScan resolves raw against the member directory. It blocks until the
// resolver answers, the scan deadline passes or the session is cancelled.
func (g *Gateway) SubmitScan(ctx context.Context, token, raw string) (*VerificationResult, error) {
	started := time.Now()
	res, err := g.submitScan(ctx, token, raw)

	outcome := "verified"
	if err != nil {
		outcome = "error"
		if e, ok := apperr.As(err); ok {
			outcome = e.Code
		}
	}
	g.metrics.ScansTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	g.metrics.ScanDuration.Record(ctx, float64(time.Since(started).Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))

	return res, err
}

func (g *Gateway) submitScan(ctx context.Context, token, raw string) (*VerificationResult, error) {
	id, err := g.tokens.parse(token)
	if err != nil {
		return nil, err
	}

	current, err := g.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithDeadline(ctx, current.ExpiresAt)
	defer cancel()

	// Registered before the session shows verifying, so a cancel that
	// observes verifying always finds the func.
	g.mu.Lock()
	if _, busy := g.inflight[id]; busy {
		g.mu.Unlock()
		return nil, apperr.New(apperr.SessionBusy, "a scan is already in progress")
	}
	g.inflight[id] = cancel
	g.mu.Unlock()
	defer g.release(id)

	fingerprint, fpErr := identity.Fingerprint(raw)

	var outcome error
	s, err := g.sessions.Update(ctx, id, func(s *models.AuthorizationSession) error {
		now := g.now().UTC()
		switch s.Status {
		case models.SessionAwaitingScan:
		case models.SessionVerifying:
			outcome = apperr.New(apperr.SessionBusy, "a scan is already in progress")
			return errDiscard
		case models.SessionCancelled:
			outcome = apperr.New(apperr.SessionCancelled, "session was cancelled")
			return errDiscard
		case models.SessionExpired:
			outcome = apperr.New(apperr.SessionExpired, "session expired")
			return errDiscard
		case models.SessionVerified:
			outcome = lifecycle.SessionTransition(s.Status, models.SessionVerifying)
			return errDiscard
		default:
			outcome = apperr.New(apperr.SessionNotFound, "session is %s", s.Status)
			return errDiscard
		}

		if s.IsExpired(now) {
			outcome = apperr.New(apperr.SessionExpired, "session expired")
			return g.apply(s, models.SessionExpired, now)
		}

		s.CandidateIdentity = fingerprint
		return g.apply(s, models.SessionVerifying, now)
	})
	if errors.Is(err, errDiscard) {
		return nil, outcome
	}
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		g.finished(ctx, s)
		return nil, outcome
	}
	g.notify(s)

	var member *models.Member
	if fpErr != nil {
		err = fpErr
	} else {
		member, err = g.resolver.Resolve(scanCtx, fingerprint)
	}

	return g.completeScan(ctx, scanCtx, id, member, err)
}

// completeScan records the resolver outcome unless the session left verifying
// while the resolver ran.
func (g *Gateway) completeScan(ctx, scanCtx context.Context, id uuid.UUID, member *models.Member, resolveErr error) (*VerificationResult, error) {
	var outcome error
	s, err := g.sessions.Update(context.WithoutCancel(ctx), id, func(s *models.AuthorizationSession) error {
		now := g.now().UTC()

		switch s.Status {
		case models.SessionVerifying:
		case models.SessionCancelled:
			outcome = apperr.New(apperr.SessionCancelled, "session was cancelled during the scan")
			return errDiscard
		case models.SessionExpired:
			outcome = apperr.New(apperr.SessionExpired, "session expired during the scan")
			return errDiscard
		default:
			outcome = apperr.New(apperr.SessionNotFound, "session is %s", s.Status)
			return errDiscard
		}

		switch {
		case errors.Is(scanCtx.Err(), context.DeadlineExceeded) || s.IsExpired(now):
			outcome = apperr.New(apperr.SessionExpired, "scan did not complete before the deadline")
			return g.apply(s, models.SessionExpired, now)
		case errors.Is(ctx.Err(), context.Canceled):
			outcome = apperr.New(apperr.SessionCancelled, "scan was abandoned")
			return g.apply(s, models.SessionCancelled, now)
		case resolveErr != nil:
			outcome = resolveErr
			if _, ok := apperr.As(resolveErr); !ok {
				outcome = fmt.Errorf("identity lookup failed: %w", resolveErr)
			}
			return g.apply(s, models.SessionFailed, now)
		}

		id := member.ID
		s.VerifiedMemberID = &id
		s.VerifiedMemberName = member.DisplayName
		return g.apply(s, models.SessionVerified, now)
	})
	if errors.Is(err, errDiscard) {
		return nil, outcome
	}
	if err != nil {
		return nil, err
	}

	if s.Status.IsTerminal() {
		g.finished(ctx, s)
	} else {
		g.notify(s)
	}
	if outcome != nil {
		return nil, outcome
	}

	return &VerificationResult{MemberID: *s.VerifiedMemberID, MemberName: s.VerifiedMemberName}, nil
}

// errDiscard aborts a session update without writing.
var errDiscard = errors.New("discard")

// CancelSession cancels the session and any scan in flight for it. A session
// already past its deadline is recorded as expired instead. Cancelling a
// finished, unknown or invalid token is a no-op.
func (g *Gateway) CancelSession(ctx context.Context, token string) error {
	id, err := g.tokens.parse(token)
	if err != nil {
		return nil
	}

	s, err := g.sessions.Update(ctx, id, func(s *models.AuthorizationSession) error {
		if s.Status.IsTerminal() {
			return errDiscard
		}
		now := g.now().UTC()
		if s.IsExpired(now) {
			return g.apply(s, models.SessionExpired, now)
		}
		return g.apply(s, models.SessionCancelled, now)
	})
	if errors.Is(err, errDiscard) || errors.Is(err, store.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	g.mu.Lock()
	if cancel, ok := g.inflight[id]; ok {
		cancel()
	}
	g.mu.Unlock()

	zerolog.Ctx(ctx).Debug().Str("session_id", id.String()).Str("status", string(s.Status)).Msg("Scan session cancelled")
	g.finished(ctx, s)
	return nil
}

// ConsumeVerifiedMember hands out the verified member exactly once.
func (g *Gateway) ConsumeVerifiedMember(ctx context.Context, token string) (uuid.UUID, error) {
	id, err := g.tokens.parse(token)
	if err != nil {
		return uuid.Nil, err
	}

	var outcome error
	s, err := g.sessions.Update(ctx, id, func(s *models.AuthorizationSession) error {
		now := g.now().UTC()
		switch s.Status {
		case models.SessionVerified:
		case models.SessionConsumed:
			outcome = apperr.New(apperr.AlreadyConsumed, "session was already used")
			return errDiscard
		default:
			outcome = apperr.New(apperr.NotVerified, "session is %s", s.Status)
			return errDiscard
		}

		if s.IsExpired(now) {
			outcome = apperr.New(apperr.SessionExpired, "verified session expired before use")
			return g.apply(s, models.SessionExpired, now)
		}
		return g.apply(s, models.SessionConsumed, now)
	})
	if errors.Is(err, errDiscard) {
		return uuid.Nil, outcome
	}
	if err != nil {
		return uuid.Nil, err
	}

	g.finished(ctx, s)
	if outcome != nil {
		return uuid.Nil, outcome
	}

	g.metrics.SessionsConsumed.Add(ctx, 1)
	return *s.VerifiedMemberID, nil
}

// expire moves an open session to expired and interrupts its scan.
func (g *Gateway) expire(ctx context.Context, id uuid.UUID) (bool, error) {
	s, err := g.sessions.Update(ctx, id, func(s *models.AuthorizationSession) error {
		if !s.Status.IsOpen() {
			return errDiscard
		}
		return g.apply(s, models.SessionExpired, g.now().UTC())
	})
	if errors.Is(err, errDiscard) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	if cancel, ok := g.inflight[id]; ok {
		cancel()
	}
	g.mu.Unlock()

	g.finished(ctx, s)
	return true, nil
}

func (g *Gateway) apply(s *models.AuthorizationSession, to models.SessionStatus, now time.Time) error {
	if err := lifecycle.SessionTransition(s.Status, to); err != nil {
		return err
	}
	s.Status = to
	if to.IsTerminal() {
		s.FinishedAt = &now
	}
	return nil
}

func (g *Gateway) finished(ctx context.Context, s *models.AuthorizationSession) {
	g.metrics.ActiveSessions.Add(ctx, -1)
	g.notify(s)
}

func (g *Gateway) release(id uuid.UUID) {
	g.mu.Lock()
	delete(g.inflight, id)
	g.mu.Unlock()
}
