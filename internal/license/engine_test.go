package license

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *memStore) *Engine {
	t.Helper()
	e := NewEngine(store, store, EngineConfig{}, zerolog.New(zerolog.NewTestWriter(t)))
	e.nowFn = func() time.Time { return testNow }
	return e
}

func pendingLicense(t *testing.T, key string, product models.Product, tier models.Tier) *models.License {
	t.Helper()
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	ent, err := catalog.Lookup(product, tier)
	require.NoError(t, err)
	lic := models.NewPendingLicense(key, product, tier)
	ent.Apply(lic)
	return lic
}

func activeLicense(t *testing.T, key string, activatedAt time.Time) *models.License {
	t.Helper()
	lic := pendingLicense(t, key, models.ProductBarberia, models.TierProfessional)
	lic.State = models.LicenseStateActive
	lic.ActivatedAt = &activatedAt
	lic.ExpiresAt = lic.ExpirationFrom(activatedAt)
	lic.ActivationCount = 1
	hw := "DEV-1"
	lic.HardwareID = &hw
	return lic
}

func TestVerify_FirstActivation(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierProfessional)
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{
		Key:        "abcd-1234-efgh-5678",
		Product:    models.ProductBarberia,
		HardwareID: " DEV-1 ",
		Domain:     "https://Shop.Example.com:8443/admin",
		IPAddress:  "203.0.113.7",
		UserAgent:  "barberia/2.1",
	})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, models.EventActionActivation, res.Action)
	require.NotNil(t, res.RemainingDays)
	assert.Equal(t, 365, *res.RemainingDays)
	assert.Equal(t, models.LicenseStateActive, res.License.State)

	stored := store.snapshot(lic.ID)
	require.NotNil(t, stored.ActivatedAt)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, stored.ActivatedAt.Equal(testNow))
	assert.True(t, stored.ExpiresAt.Equal(testNow.AddDate(0, 0, 365)))
	assert.Equal(t, 1, stored.ActivationCount)
	assert.Equal(t, "DEV-1", *stored.HardwareID)
	assert.Equal(t, "shop.example.com", *stored.Domain)
	assert.Equal(t, "203.0.113.7", *stored.IPAddress)

	events := store.eventsFor(lic.Key)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventActionActivation, events[0].Action)
	assert.Equal(t, lic.ID, *events[0].LicenseID)
	assert.Equal(t, "barberia/2.1", *events[0].UserAgent)
	assert.Nil(t, events[0].Reason)
}

func TestVerify_SecondCallIsRoutine(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierBasic)
	store.put(lic)
	e := newTestEngine(t, store)
	ctx := context.Background()

	_, err := e.Verify(ctx, VerifyRequest{Key: lic.Key, HardwareID: "DEV-1", IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	e.nowFn = func() time.Time { return testNow.Add(36 * time.Hour) }
	res, err := e.Verify(ctx, VerifyRequest{Key: lic.Key, HardwareID: "DEV-1", IPAddress: "10.0.0.2"})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, models.EventActionVerification, res.Action)
	assert.Equal(t, 364, *res.RemainingDays)

	stored := store.snapshot(lic.ID)
	assert.Equal(t, 1, stored.ActivationCount)
	assert.True(t, stored.ActivatedAt.Equal(testNow))
	assert.True(t, stored.LastVerifiedAt.Equal(testNow.Add(36*time.Hour)))
	assert.Equal(t, "10.0.0.2", *stored.IPAddress)
	assert.Equal(t, 1, store.activateCalls)
}

func TestVerify_RoutineKeepsAddressWhenNoneSupplied(t *testing.T) {
	store := newMemStore()
	lic := activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(0, 0, -10))
	ip := "10.0.0.1"
	lic.IPAddress = &ip
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "10.0.0.1", *store.snapshot(lic.ID).IPAddress)
}

func TestVerify_PerpetualLicense(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ENTR-0000-0000-0001", models.ProductEscolar, models.TierEnterprise)
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Nil(t, res.RemainingDays)
	assert.True(t, res.License.Features.IsAll())

	stored := store.snapshot(lic.ID)
	assert.NotNil(t, stored.ActivatedAt)
	assert.Nil(t, stored.ExpiresAt)
	assert.Equal(t, models.LicenseStateActive, stored.State)
}

func TestVerify_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*models.License)
		req     VerifyRequest
		reason  Reason
		message string
	}{
		{
			name:    "product mismatch",
			req:     VerifyRequest{Product: models.ProductRestaurante},
			reason:  ReasonProductMismatch,
			message: "this license is valid for BARBERIA, not RESTAURANTE",
		},
		{
			name:   "revoked",
			setup:  func(l *models.License) { l.State = models.LicenseStateRevoked },
			reason: ReasonRevoked,
		},
		{
			name:   "suspended",
			setup:  func(l *models.License) { l.State = models.LicenseStateSuspended },
			reason: ReasonSuspended,
		},
		{
			name:   "already expired",
			setup:  func(l *models.License) { l.State = models.LicenseStateExpired },
			reason: ReasonExpired,
		},
		{
			name:   "hardware mismatch",
			req:    VerifyRequest{HardwareID: "DEV-2"},
			reason: ReasonHardwareMismatch,
		},
		{
			name: "subdomain does not match",
			setup: func(l *models.License) {
				d := "example.com"
				l.Domain = &d
			},
			req:    VerifyRequest{Domain: "shop.example.com"},
			reason: ReasonDomainMismatch,
		},
		{
			name:   "revoked wins over hardware mismatch",
			setup:  func(l *models.License) { l.State = models.LicenseStateRevoked },
			req:    VerifyRequest{HardwareID: "DEV-2"},
			reason: ReasonRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			lic := activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(0, 0, -1))
			if tt.setup != nil {
				tt.setup(lic)
			}
			store.put(lic)
			e := newTestEngine(t, store)

			req := tt.req
			req.Key = lic.Key
			res, err := e.Verify(context.Background(), req)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
			assert.NotEmpty(t, res.Message)
			if tt.message != "" {
				assert.Equal(t, tt.message, res.Message)
			}

			events := store.eventsFor(lic.Key)
			require.Len(t, events, 1)
			assert.Equal(t, models.EventActionRejection, events[0].Action)
			require.NotNil(t, events[0].Reason)
			assert.Equal(t, string(tt.reason), *events[0].Reason)

			stored := store.snapshot(lic.ID)
			assert.Equal(t, lic.State, stored.State)
			assert.Equal(t, 0, store.touchCalls)
		})
	}
}

func TestVerify_ProductMismatchReportsActualProduct(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductEscolar, models.TierTrial)
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key, Product: models.ProductBarberia})
	require.NoError(t, err)
	assert.Equal(t, ReasonProductMismatch, res.Reason)
	assert.Equal(t, models.ProductEscolar, res.ActualProduct)
	assert.Nil(t, store.snapshot(lic.ID).ActivatedAt)
}

func TestVerify_NoFingerprintMatchesBoundLicense(t *testing.T) {
	store := newMemStore()
	lic := activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(0, 0, -1))
	d := "example.com"
	lic.Domain = &d
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = e.Verify(context.Background(), VerifyRequest{Key: lic.Key, HardwareID: "DEV-1", Domain: "EXAMPLE.com."})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestVerify_ExpiresActiveLicense(t *testing.T) {
	store := newMemStore()
	lic := activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(-2, 0, 0))
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key, HardwareID: "DEV-1"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.Contains(t, res.Message, lic.ExpiresAt.Format("2006-01-02"))

	assert.Equal(t, models.LicenseStateExpired, store.snapshot(lic.ID).State)
	assert.Len(t, store.eventsFor(lic.Key), 1)

	res, err = e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.Len(t, store.eventsFor(lic.Key), 2)
}

func TestVerify_ExpireWriteFailureStillRejects(t *testing.T) {
	store := newMemStore()
	lic := activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(-2, 0, 0))
	store.put(lic)
	store.transitionErr = errStoreDown
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, res.Reason)
	assert.Equal(t, models.LicenseStateActive, store.snapshot(lic.ID).State)
	assert.Len(t, store.eventsFor(lic.Key), 1)

	store.mu.Lock()
	store.transitionErr = nil
	store.mu.Unlock()

	_, err = e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStateExpired, store.snapshot(lic.ID).State)
}

func TestVerify_ExpirationBoundary(t *testing.T) {
	store := newMemStore()
	lic := activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(0, 0, -365))
	store.put(lic)
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	require.True(t, res.Valid, "a license is valid at the instant it expires")
	assert.Equal(t, 0, *res.RemainingDays)

	e.nowFn = func() time.Time { return testNow.Add(time.Second) }
	res, err = e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, res.Reason)
}

func TestVerify_NotFoundIsRecorded(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, store)

	res, err := e.Verify(context.Background(), VerifyRequest{Key: "zzzz-9999-zzzz-9999", HardwareID: "DEV-9"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNotFound, res.Reason)

	events := store.eventsFor("ZZZZ-9999-ZZZZ-9999")
	require.Len(t, events, 1)
	assert.Nil(t, events[0].LicenseID)
	assert.Equal(t, "DEV-9", *events[0].HardwareID)
}

func TestVerify_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		req  VerifyRequest
		want error
	}{
		{"missing key", VerifyRequest{Key: "  "}, ErrKeyRequired},
		{"bad format", VerifyRequest{Key: "ABCD-1234"}, ErrInvalidKeyFormat},
		{"bad characters", VerifyRequest{Key: "ABCD-1234-EFGH-56_8"}, ErrInvalidKeyFormat},
		{"unknown product", VerifyRequest{Key: "ABCD-1234-EFGH-5678", Product: "PANADERIA"}, ErrInvalidProduct},
		{"bad domain", VerifyRequest{Key: "ABCD-1234-EFGH-5678", Domain: "exa mple..com"}, ErrInvalidDomain},
		{"domain label too long", VerifyRequest{Key: "ABCD-1234-EFGH-5678", Domain: strings.Repeat("a", 70) + ".com"}, ErrInvalidDomain},
		{"domain too long once encoded", VerifyRequest{Key: "ABCD-1234-EFGH-5678",
			Domain: strings.TrimSuffix(strings.Repeat(strings.Repeat("ñ", 57)+".", 4), ".")}, ErrInvalidDomain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			e := newTestEngine(t, store)

			res, err := e.Verify(context.Background(), tt.req)
			require.Error(t, err)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrValidation)
			assert.False(t, IsTransient(err))
			assert.Equal(t, 0, store.eventCount())
		})
	}
}

func TestVerify_TransientStoreErrors(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*memStore)
		active bool
	}{
		{"read fails", func(m *memStore) { m.getErr = errStoreDown }, false},
		{"activation write fails", func(m *memStore) { m.activateErr = errStoreDown }, false},
		{"touch fails", func(m *memStore) { m.touchErr = errStoreDown }, true},
		{"history append fails", func(m *memStore) { m.appendErr = errStoreDown }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			var lic *models.License
			if tt.active {
				lic = activeLicense(t, "ABCD-1234-EFGH-5678", testNow.AddDate(0, 0, -1))
			} else {
				lic = pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierBasic)
			}
			store.put(lic)
			tt.inject(store)
			e := newTestEngine(t, store)

			res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, IsTransient(err))
			assert.True(t, errors.Is(err, errStoreDown))
			assert.False(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestVerify_LostActivationRaceIsReevaluated(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierBasic)
	store.put(lic)
	e := newTestEngine(t, store)

	// Another installation activates between our read and our conditional write.
	store.beforeActivate = func() {
		_, err := store.ActivateLicense(context.Background(), lic.ID, models.Activation{
			ActivatedAt: testNow,
			ExpiresAt:   lic.ExpirationFrom(testNow),
			HardwareID:  optional("DEV-OTHER"),
		})
		require.NoError(t, err)
	}

	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key, HardwareID: "DEV-MINE"})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonHardwareMismatch, res.Reason)

	stored := store.snapshot(lic.ID)
	assert.Equal(t, 1, stored.ActivationCount)
	assert.Equal(t, "DEV-OTHER", *stored.HardwareID)
	assert.Len(t, store.eventsFor(lic.Key), 1)
}

func TestVerify_ConcurrentFirstActivation(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductRestaurante, models.TierProfessional)
	store.put(lic)
	e := newTestEngine(t, store)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = e.Verify(context.Background(), VerifyRequest{Key: lic.Key, HardwareID: "DEV-1"})
		}(i)
	}
	close(start)
	wg.Wait()

	activations := 0
	for i := range results {
		require.NoError(t, errs[i])
		require.True(t, results[i].Valid)
		if results[i].Action == models.EventActionActivation {
			activations++
		} else {
			assert.Equal(t, models.EventActionVerification, results[i].Action)
		}
	}
	assert.Equal(t, 1, activations)
	assert.Equal(t, 1, store.snapshot(lic.ID).ActivationCount)
	assert.Len(t, store.eventsFor(lic.Key), callers)
}

func TestVerify_OneHistoryEntryPerCall(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierTrial)
	store.put(lic)
	e := newTestEngine(t, store)
	ctx := context.Background()

	reqs := []VerifyRequest{
		{HardwareID: "DEV-1"},
		{HardwareID: "DEV-1"},
		{HardwareID: "DEV-2"},
		{Product: models.ProductEscolar},
		{},
	}
	for _, r := range reqs {
		r.Key = lic.Key
		_, err := e.Verify(ctx, r)
		require.NoError(t, err)
	}
	assert.Len(t, store.eventsFor(lic.Key), len(reqs))
}

type recordingObserver struct {
	mu          sync.Mutex
	outcomes    []string
	transitions [][2]models.LicenseState
}

func (r *recordingObserver) ObserveVerification(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ObserveTransition(from, to models.LicenseState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]models.LicenseState{from, to})
}

func TestVerify_ReportsOutcomes(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierTrial)
	store.put(lic)
	obs := &recordingObserver{}
	e := NewEngine(store, store, EngineConfig{Observer: obs}, zerolog.Nop())
	e.nowFn = func() time.Time { return testNow }
	ctx := context.Background()

	_, _ = e.Verify(ctx, VerifyRequest{Key: lic.Key, HardwareID: "A"})
	_, _ = e.Verify(ctx, VerifyRequest{Key: lic.Key, HardwareID: "A"})
	_, _ = e.Verify(ctx, VerifyRequest{Key: lic.Key, HardwareID: "B"})
	_, _ = e.Verify(ctx, VerifyRequest{Key: "nope"})

	assert.Equal(t, []string{
		OutcomeActivated,
		OutcomeVerified,
		string(ReasonHardwareMismatch),
		OutcomeInvalid,
	}, obs.outcomes)
	assert.Equal(t, [][2]models.LicenseState{
		{models.LicenseStatePending, models.LicenseStateActive},
	}, obs.transitions)
}

func TestVerify_ActivationIsAtomicWithHistory(t *testing.T) {
	store := newMemStore()
	lic := pendingLicense(t, "ABCD-1234-EFGH-5678", models.ProductBarberia, models.TierBasic)
	store.put(lic)
	store.appendErr = errStoreDown
	e := newTestEngine(t, store)

	_, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key, HardwareID: "DEV-1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	stored := store.snapshot(lic.ID)
	assert.Equal(t, models.LicenseStatePending, stored.State)
	assert.Nil(t, stored.ActivatedAt)
	assert.Nil(t, stored.HardwareID)
	assert.Zero(t, store.eventCount())

	store.appendErr = nil
	res, err := e.Verify(context.Background(), VerifyRequest{Key: lic.Key, HardwareID: "DEV-1"})
	require.NoError(t, err)
	assert.Equal(t, models.EventActionActivation, res.Action)
	events := store.eventsFor(lic.Key)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventActionActivation, events[0].Action)
}
