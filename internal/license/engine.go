package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MacJediWizard/keygate/internal/license"

// maxActivationAttempts bounds how often a call re-reads a license after losing
// the first-activation race before giving up with a transient error.
const maxActivationAttempts = 3

var errActivationContention = errors.New("license changed during activation")

// Observer receives verification outcomes and state transitions. It is
// implemented by the metrics package.
type Observer interface {
	ObserveVerification(outcome string, elapsed time.Duration)
	ObserveTransition(from, to models.LicenseState)
}

type nopObserver struct{}

func (nopObserver) ObserveVerification(string, time.Duration) {}
func (nopObserver) ObserveTransition(models.LicenseState, models.LicenseState) {}

// Outcome labels reported to the Observer.
const (
	OutcomeActivated = "activated"
	OutcomeVerified  = "verified"
	OutcomeInvalid   = "invalid_request"
	OutcomeTransient = "store_error"
)

// EngineConfig holds the engine timeouts.
type EngineConfig struct {
	// StoreTimeout bounds every read and write performed for one call.
	StoreTimeout time.Duration
	// ExpireWriteTimeout bounds the best-effort Active to Expired write.
	ExpireWriteTimeout time.Duration
	// Observer receives outcome metrics. Nil disables them.
	Observer Observer
}

// DefaultEngineConfig returns the timeouts used when none are configured.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		StoreTimeout:       5 * time.Second,
		ExpireWriteTimeout: 2 * time.Second,
	}
}

// VerifyRequest is one verification call from an installation.
type VerifyRequest struct {
	Key        string
	Product    models.Product
	HardwareID string
	Domain     string
	IPAddress  string
	UserAgent  string
}

// Result is the answer to a well-formed verification call.
type Result struct {
	Valid  bool
	Action models.EventAction

	// Set when Valid is false.
	Reason        Reason
	Message       string
	ActualProduct models.Product

	// Set when Valid is true.
	License       *models.License
	RemainingDays *int
}

// Engine decides license validity, binds licenses on first activation and
// records every decision in the activation history.
type Engine struct {
	store   Store
	history HistoryLog
	cfg     EngineConfig
	obs     Observer
	tracer  trace.Tracer
	logger  zerolog.Logger
	nowFn   func() time.Time
}

// NewEngine creates a new verification engine.
func NewEngine(store Store, history HistoryLog, cfg EngineConfig, logger zerolog.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.ExpireWriteTimeout <= 0 {
		cfg.ExpireWriteTimeout = def.ExpireWriteTimeout
	}
	var obs Observer = nopObserver{}
	if cfg.Observer != nil {
		obs = cfg.Observer
	}
	return &Engine{
		store:   store,
		history: history,
		cfg:     cfg,
		obs:     obs,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With().Str("component", "license_engine").Logger(),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// Verify evaluates one verification call.
//
// Business-rule rejections are returned as a Result with Valid false and a
// nil error. The error is non-nil only for malformed input (errors.Is
// ErrValidation) or when the store could not be reached (ErrStoreUnavailable).
func (e *Engine) Verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "license.Verify")
	defer span.End()

	res, err := e.verify(ctx, req)

	outcome := outcomeOf(res, err)
	e.obs.ObserveVerification(outcome, time.Since(start))
	span.SetAttributes(attribute.String("license.outcome", outcome))
	if err != nil {
		if IsTransient(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "store unavailable")
		}
		return nil, err
	}
	return res, nil
}

func outcomeOf(res *Result, err error) string {
	switch {
	case err != nil && IsTransient(err):
		return OutcomeTransient
	case err != nil:
		return OutcomeInvalid
	case res.Valid && res.Action == models.EventActionActivation:
		return OutcomeActivated
	case res.Valid:
		return OutcomeVerified
	default:
		return string(res.Reason)
	}
}

func (e *Engine) verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	key, err := ValidateKey(req.Key)
	if err != nil {
		return nil, err
	}
	if req.Product != "" && !req.Product.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProduct, req.Product)
	}
	domain, err := NormalizeDomain(req.Domain)
	if err != nil {
		return nil, err
	}

	in := &call{
		key:       key,
		product:   req.Product,
		hardware:  optional(req.HardwareID),
		domain:    optional(domain),
		ip:        optional(req.IPAddress),
		userAgent: optional(req.UserAgent),
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		lic, err := e.store.GetLicenseByKey(ctx, key)
		if err != nil {
			return nil, storeError("get license", err)
		}
		if lic == nil {
			return e.reject(ctx, nil, in, ReasonNotFound, "license key not found", "")
		}

		res, retry, err := e.evaluate(ctx, lic, in)
		if !retry {
			return res, err
		}
		if attempt >= maxActivationAttempts {
			return nil, storeError("activate license", errActivationContention)
		}
		e.logger.Debug().
			Str("key", MaskKey(key)).
			Int("attempt", attempt).
			Msg("lost first activation race, re-evaluating")
	}
}

// call is a validated and normalized VerifyRequest.
type call struct {
	key       string
	product   models.Product
	hardware  *string
	domain    *string
	ip        *string
	userAgent *string
}

// evaluate applies the decision rules in order. It reports retry when the
// first-activation write found the license already changed.
func (e *Engine) evaluate(ctx context.Context, lic *models.License, in *call) (*Result, bool, error) {
	now := e.nowFn()

	if in.product != "" && in.product != lic.Product {
		res, err := e.reject(ctx, lic, in, ReasonProductMismatch,
			fmt.Sprintf("this license is valid for %s, not %s", lic.Product, in.product), lic.Product)
		return res, false, err
	}

	switch lic.State {
	case models.LicenseStateRevoked:
		res, err := e.reject(ctx, lic, in, ReasonRevoked, "this license has been revoked", "")
		return res, false, err
	case models.LicenseStateSuspended:
		res, err := e.reject(ctx, lic, in, ReasonSuspended, "this license is suspended, contact support", "")
		return res, false, err
	case models.LicenseStateActive:
		if lic.IsExpiredAt(now) {
			e.expire(ctx, lic)
			res, err := e.reject(ctx, lic, in, ReasonExpired, expiredMessage(lic), "")
			return res, false, err
		}
	case models.LicenseStateExpired:
		res, err := e.reject(ctx, lic, in, ReasonExpired, expiredMessage(lic), "")
		return res, false, err
	}

	if !lic.IsActivated() {
		return e.activate(ctx, lic, in, now)
	}

	res, err := e.check(ctx, lic, in, now)
	return res, false, err
}

func (e *Engine) activate(ctx context.Context, lic *models.License, in *call, now time.Time) (*Result, bool, error) {
	act := models.Activation{
		ActivatedAt: now,
		ExpiresAt:   lic.ExpirationFrom(now),
		HardwareID:  in.hardware,
		Domain:      in.domain,
		IPAddress:   in.ip,
		Event:       e.newEvent(lic, in, models.EventActionActivation, now),
	}

	won, err := e.store.ActivateLicense(ctx, lic.ID, act)
	if err != nil {
		e.logger.Error().Err(err).
			Str("key", MaskKey(in.key)).
			Msg("failed to activate license")
		return nil, false, storeError("activate license", err)
	}
	if !won {
		return nil, true, nil
	}

	e.obs.ObserveTransition(lic.State, models.LicenseStateActive)

	activated := *lic
	activated.State = models.LicenseStateActive
	activated.ActivatedAt = &act.ActivatedAt
	activated.ExpiresAt = act.ExpiresAt
	activated.LastVerifiedAt = &act.ActivatedAt
	activated.HardwareID = act.HardwareID
	activated.Domain = act.Domain
	activated.IPAddress = act.IPAddress
	activated.ActivationCount++
	activated.UpdatedAt = now

	e.logger.Info().
		Str("key", MaskKey(lic.Key)).
		Str("product", string(lic.Product)).
		Str("tier", string(lic.Tier)).
		Msg("license activated")

	return accepted(&activated, models.EventActionActivation, now), false, nil
}

func (e *Engine) check(ctx context.Context, lic *models.License, in *call, now time.Time) (*Result, error) {
	if lic.HardwareID != nil && in.hardware != nil && *lic.HardwareID != *in.hardware {
		return e.reject(ctx, lic, in, ReasonHardwareMismatch,
			"this license is already activated on another device", "")
	}
	if lic.Domain != nil && in.domain != nil && !domainsMatch(*lic.Domain, *in.domain) {
		return e.reject(ctx, lic, in, ReasonDomainMismatch,
			"this license is registered to another domain", "")
	}

	if err := e.store.TouchLicense(ctx, lic.ID, now, in.ip); err != nil {
		return nil, storeError("touch license", err)
	}

	verified := *lic
	verified.LastVerifiedAt = &now
	if in.ip != nil {
		verified.IPAddress = in.ip
	}
	return e.succeed(ctx, &verified, in, models.EventActionVerification, now)
}

// expire persists the Active to Expired transition. Failure is logged and
// ignored: the next call recomputes the same transition.
func (e *Engine) expire(ctx context.Context, lic *models.License) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ExpireWriteTimeout)
	defer cancel()

	ok, err := e.store.TransitionLicenseState(wctx, lic.ID, models.LicenseStateActive, models.LicenseStateExpired)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("key", MaskKey(lic.Key)).
			Msg("failed to persist license expiration")
		return
	}
	if ok {
		e.obs.ObserveTransition(models.LicenseStateActive, models.LicenseStateExpired)
		e.logger.Info().
			Str("key", MaskKey(lic.Key)).
			Time("expired_at", *lic.ExpiresAt).
			Msg("license expired")
	}
}

func (e *Engine) succeed(ctx context.Context, lic *models.License, in *call, action models.EventAction, now time.Time) (*Result, error) {
	ev := e.newEvent(lic, in, action, now)
	if err := e.history.AppendActivationEvent(ctx, ev); err != nil {
		e.logger.Error().Err(err).
			Str("key", MaskKey(in.key)).
			Str("action", string(action)).
			Msg("failed to record activation event")
		return nil, storeError("append activation event", err)
	}

	return accepted(lic, action, now), nil
}

func accepted(lic *models.License, action models.EventAction, now time.Time) *Result {
	return &Result{
		Valid:         true,
		Action:        action,
		License:       lic,
		RemainingDays: lic.RemainingDays(now),
	}
}

func (e *Engine) reject(ctx context.Context, lic *models.License, in *call, reason Reason, msg string, actual models.Product) (*Result, error) {
	now := e.nowFn()
	ev := e.newEvent(lic, in, models.EventActionRejection, now)
	r := string(reason)
	ev.Reason = &r
	ev.Details = msg

	if err := e.history.AppendActivationEvent(ctx, ev); err != nil {
		e.logger.Error().Err(err).
			Str("key", MaskKey(in.key)).
			Str("reason", r).
			Msg("failed to record rejected verification")
		return nil, storeError("append activation event", err)
	}

	e.logger.Debug().
		Str("key", MaskKey(in.key)).
		Str("reason", r).
		Msg("verification rejected")

	return &Result{
		Valid:         false,
		Action:        models.EventActionRejection,
		Reason:        reason,
		Message:       msg,
		ActualProduct: actual,
	}, nil
}

func (e *Engine) newEvent(lic *models.License, in *call, action models.EventAction, now time.Time) *models.ActivationEvent {
	ev := models.NewActivationEvent(lic, in.key, action)
	ev.HardwareID = in.hardware
	ev.Domain = in.domain
	ev.IPAddress = in.ip
	ev.UserAgent = in.userAgent
	ev.CreatedAt = now
	return ev
}

func expiredMessage(lic *models.License) string {
	if lic.ExpiresAt == nil {
		return "this license has expired"
	}
	return fmt.Sprintf("this license expired on %s", lic.ExpiresAt.Format("2006-01-02"))
}
