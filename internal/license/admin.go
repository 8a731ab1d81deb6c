package license

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
)

// adminTransitions lists the states an administrator may move a license to,
// keyed by its current state. Revoked has no outgoing transitions and Expired
// may only be revoked.
var adminTransitions = map[models.LicenseState][]models.LicenseState{
	models.LicenseStatePending:   {models.LicenseStateRevoked},
	models.LicenseStateActive:    {models.LicenseStateSuspended, models.LicenseStateRevoked},
	models.LicenseStateSuspended: {models.LicenseStateActive, models.LicenseStateRevoked},
	models.LicenseStateExpired:   {models.LicenseStateRevoked},
}

// CanTransition reports whether an administrator may move a license from one state to another.
func CanTransition(from, to models.LicenseState) bool {
	for _, allowed := range adminTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// DefaultHistoryLimit is the number of events returned when no limit is given.
const DefaultHistoryLimit = 100

// Listing bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ExpiringSoonDays is the window of the dashboard "expiring soon" count.
const ExpiringSoonDays = 30

// ErrInvalidFilter indicates a listing filter with an unknown value.
var ErrInvalidFilter = fmt.Errorf("%w: invalid filter", ErrValidation)

// Admin performs administrative operations on existing licenses.
type Admin struct {
	store  AdminStore
	obs    Observer
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewAdmin creates a new Admin. A nil observer disables transition metrics.
func NewAdmin(store AdminStore, obs Observer, logger zerolog.Logger) *Admin {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Admin{
		store:  store,
		obs:    obs,
		logger: logger.With().Str("component", "license_admin").Logger(),
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the license for key.
func (a *Admin) Get(ctx context.Context, key string) (*models.License, error) {
	normalized, err := ValidateKey(key)
	if err != nil {
		return nil, err
	}
	lic, err := a.store.GetLicenseByKey(ctx, normalized)
	if err != nil {
		return nil, storeError("get license", err)
	}
	if lic == nil {
		return nil, ErrLicenseNotFound
	}
	return lic, nil
}

// Detail returns the license for key together with its owner of record.
func (a *Admin) Detail(ctx context.Context, key string) (*models.LicenseRecord, error) {
	lic, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rec := &models.LicenseRecord{License: lic}
	if lic.CustomerID != nil {
		rec.Customer, err = a.store.GetCustomerByID(ctx, *lic.CustomerID)
		if err != nil {
			return nil, storeError("get customer", err)
		}
	}
	return rec, nil
}

// List returns the licenses matching f, newest first.
func (a *Admin) List(ctx context.Context, f models.LicenseFilter) ([]*models.LicenseRecord, error) {
	if f.State != "" && !f.State.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidFilter, f.State)
	}
	if f.Tier != "" && !f.Tier.IsValid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidFilter, f.Tier)
	}
	if f.Product != "" && !f.Product.IsValid() {
		return nil, fmt.Errorf("%w: unknown product %q", ErrInvalidFilter, f.Product)
	}
	if f.Offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrInvalidFilter)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	f.Search = strings.TrimSpace(f.Search)

	records, err := a.store.ListLicenses(ctx, f)
	if err != nil {
		return nil, storeError("list licenses", err)
	}
	return records, nil
}

// Stats returns the dashboard figures: counts per state and product, the
// number of customers, Active licenses expiring within ExpiringSoonDays and
// the revenue of licenses issued in the current UTC month.
func (a *Admin) Stats(ctx context.Context) (*models.LicenseStats, error) {
	now := a.nowFn()
	stats := models.NewLicenseStats()
	stats.ExpiringWithin = ExpiringSoonDays

	byState, err := a.store.CountLicensesByState(ctx)
	if err != nil {
		return nil, storeError("count licenses by state", err)
	}
	for st, n := range byState {
		stats.ByState[st] = n
	}
	stats.Active = stats.ByState[models.LicenseStateActive]

	byProduct, err := a.store.CountLicensesByProduct(ctx)
	if err != nil {
		return nil, storeError("count licenses by product", err)
	}
	for p, n := range byProduct {
		stats.ByProduct[p] = n
	}

	if stats.Customers, err = a.store.CountCustomers(ctx); err != nil {
		return nil, storeError("count customers", err)
	}

	stats.ExpiringSoon, err = a.store.CountExpiringLicenses(ctx, now, now.AddDate(0, 0, ExpiringSoonDays))
	if err != nil {
		return nil, storeError("count expiring licenses", err)
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	stats.MonthRevenueCents, err = a.store.SumLicenseRevenue(ctx, monthStart, monthStart.AddDate(0, 1, 0))
	if err != nil {
		return nil, storeError("sum license revenue", err)
	}
	return stats, nil
}

// Suspend moves an Active license to Suspended.
func (a *Admin) Suspend(ctx context.Context, key, actor string) (*models.License, error) {
	return a.ChangeState(ctx, key, models.LicenseStateSuspended, actor)
}

// Reactivate moves a Suspended license back to Active. The expiration is not recomputed.
func (a *Admin) Reactivate(ctx context.Context, key, actor string) (*models.License, error) {
	return a.ChangeState(ctx, key, models.LicenseStateActive, actor)
}

// Revoke moves any non-revoked license to Revoked.
func (a *Admin) Revoke(ctx context.Context, key, actor string) (*models.License, error) {
	return a.ChangeState(ctx, key, models.LicenseStateRevoked, actor)
}

// ChangeState applies an administrative transition and records it in the
// activation history in the same write. Illegal transitions return
// ErrIllegalTransition.
func (a *Admin) ChangeState(ctx context.Context, key string, to models.LicenseState, actor string) (*models.License, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("%w: unknown state %q", ErrIllegalTransition, to)
	}

	for attempt := 1; ; attempt++ {
		lic, err := a.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		from := lic.State
		if !CanTransition(from, to) {
			return nil, fmt.Errorf("%w: %s to %s", ErrIllegalTransition, from, to)
		}

		now := a.nowFn()
		ev := models.NewActivationEvent(lic, lic.Key, models.EventActionStateChange)
		ev.CreatedAt = now
		ev.Details = fmt.Sprintf("%s -> %s", from, to)
		if actor != "" {
			ev.Details += " by " + actor
		}

		ok, err := a.store.ChangeLicenseState(ctx, lic.ID, from, to, ev)
		if err != nil {
			return nil, storeError("change license state", err)
		}
		if !ok {
			if attempt >= maxActivationAttempts {
				return nil, storeError("change license state", errActivationContention)
			}
			continue
		}

		a.obs.ObserveTransition(from, to)

		a.logger.Info().
			Str("key", MaskKey(lic.Key)).
			Str("from", string(from)).
			Str("to", string(to)).
			Str("actor", actor).
			Msg("license state changed")

		lic.State = to
		lic.UpdatedAt = now
		return lic, nil
	}
}

// History returns the newest activation events of a license first.
func (a *Admin) History(ctx context.Context, key string, limit int) ([]*models.ActivationEvent, error) {
	lic, err := a.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	events, err := a.store.ListActivationEvents(ctx, lic.ID, limit)
	if err != nil {
		return nil, storeError("list activation events", err)
	}
	return events, nil
}

// Delete removes a license together with its activation history.
func (a *Admin) Delete(ctx context.Context, key, actor string) error {
	lic, err := a.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := a.store.DeleteLicense(ctx, lic.ID); err != nil {
		return storeError("delete license", err)
	}
	a.logger.Info().
		Str("key", MaskKey(lic.Key)).
		Str("actor", actor).
		Msg("license deleted")
	return nil
}
