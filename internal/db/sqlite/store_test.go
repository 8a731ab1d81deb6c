package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "keygate.db"), zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createLicense(t *testing.T, store *Store, product models.Product, tier models.Tier) *models.License {
	t.Helper()
	catalog, err := license.DefaultCatalog()
	require.NoError(t, err)
	issuer := license.NewIssuer(store, catalog, nil, zerolog.Nop())
	lic, err := issuer.Create(context.Background(), license.CreateRequest{Product: product, Tier: tier})
	require.NoError(t, err)
	return lic
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := createLicense(t, store, models.ProductBarberia, models.TierTrial)

	got, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, lic.ID, got.ID)
	assert.Equal(t, models.LicenseStatePending, got.State)
	assert.Equal(t, 2, got.MaxUsers)
	assert.Equal(t, 100, *got.MaxCustomers)
	assert.Equal(t, 30, *got.ValidityDays)
	assert.Equal(t, lic.Features.Tokens(), got.Features.Tokens())
	assert.Equal(t, "USD", got.Currency)
	assert.Nil(t, got.ActivatedAt)
	assert.True(t, got.CreatedAt.Equal(lic.CreatedAt))

	missing, err := store.GetLicenseByKey(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_AllFeaturesAndPerpetual(t *testing.T) {
	store := newTestStore(t)
	lic := createLicense(t, store, models.ProductEscolar, models.TierEnterprise)

	got, err := store.GetLicenseByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.True(t, got.Features.IsAll())
	assert.Nil(t, got.ValidityDays)
	assert.Nil(t, got.MaxCustomers)
}

func TestStore_DuplicateKey(t *testing.T) {
	store := newTestStore(t)
	lic := createLicense(t, store, models.ProductBarberia, models.TierBasic)

	dup := models.NewPendingLicense(lic.Key, models.ProductBarberia, models.TierBasic)
	dup.MaxUsers = 1
	err := store.CreateLicense(context.Background(), dup, nil)
	assert.ErrorIs(t, err, license.ErrDuplicateKey)
}

func TestStore_ActivateOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := createLicense(t, store, models.ProductRestaurante, models.TierBasic)

	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	hw := "DEV-1"
	act := models.Activation{ActivatedAt: now, ExpiresAt: lic.ExpirationFrom(now), HardwareID: &hw}

	won, err := store.ActivateLicense(ctx, lic.ID, act)
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.ActivateLicense(ctx, lic.ID, act)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStateActive, got.State)
	assert.Equal(t, 1, got.ActivationCount)
	assert.True(t, got.ActivatedAt.Equal(now))
	assert.True(t, got.ExpiresAt.Equal(now.AddDate(0, 0, 365)))
	assert.True(t, got.LastVerifiedAt.Equal(now))
	assert.Equal(t, "DEV-1", *got.HardwareID)
	assert.Nil(t, got.Domain)
}

func TestStore_ActivationRequiresExpiry(t *testing.T) {
	store := newTestStore(t)
	lic := createLicense(t, store, models.ProductBarberia, models.TierTrial)

	_, err := store.ActivateLicense(context.Background(), lic.ID, models.Activation{ActivatedAt: time.Now()})
	assert.Error(t, err)
}

func TestStore_TouchAndTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := createLicense(t, store, models.ProductBarberia, models.TierBasic)

	now := time.Now().UTC()
	ip := "10.0.0.1"
	_, err := store.ActivateLicense(ctx, lic.ID, models.Activation{ActivatedAt: now, ExpiresAt: lic.ExpirationFrom(now), IPAddress: &ip})
	require.NoError(t, err)

	require.NoError(t, store.TouchLicense(ctx, lic.ID, now.Add(time.Minute), nil))
	got, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", *got.IPAddress)

	other := "10.0.0.2"
	require.NoError(t, store.TouchLicense(ctx, lic.ID, now.Add(2*time.Minute), &other))
	got, err = store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", *got.IPAddress)

	ok, err := store.TransitionLicenseState(ctx, lic.ID, models.LicenseStateActive, models.LicenseStateSuspended)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.TransitionLicenseState(ctx, lic.ID, models.LicenseStateActive, models.LicenseStateExpired)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_HistoryAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := createLicense(t, store, models.ProductBarberia, models.TierBasic)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		ev := models.NewActivationEvent(lic, lic.Key, models.EventActionVerification)
		ev.CreatedAt = base.Add(time.Duration(i) * time.Second)
		ua := "client/1.0"
		ev.UserAgent = &ua
		require.NoError(t, store.AppendActivationEvent(ctx, ev))
	}
	orphan := models.NewActivationEvent(nil, "QQQQ-QQQQ-QQQQ-QQQQ", models.EventActionRejection)
	require.NoError(t, store.AppendActivationEvent(ctx, orphan))

	events, err := store.ListActivationEvents(ctx, lic.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.True(t, events[0].CreatedAt.After(events[2].CreatedAt))
	assert.Equal(t, "client/1.0", *events[0].UserAgent)
	assert.Equal(t, lic.ID, *events[0].LicenseID)

	require.NoError(t, store.DeleteLicense(ctx, lic.ID))
	got, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := store.CountActivationEventsByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.CountActivationEventsByKey(ctx, "QQQQ-QQQQ-QQQQ-QQQQ")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_OverdueAndCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	overdue := createLicense(t, store, models.ProductBarberia, models.TierTrial)
	past := time.Now().UTC().AddDate(0, -2, 0)
	_, err := store.ActivateLicense(ctx, overdue.ID, models.Activation{ActivatedAt: past, ExpiresAt: overdue.ExpirationFrom(past)})
	require.NoError(t, err)

	current := createLicense(t, store, models.ProductBarberia, models.TierTrial)
	now := time.Now().UTC()
	_, err = store.ActivateLicense(ctx, current.ID, models.Activation{ActivatedAt: now, ExpiresAt: current.ExpirationFrom(now)})
	require.NoError(t, err)

	createLicense(t, store, models.ProductEscolar, models.TierEnterprise)

	list, err := store.ListOverdueLicenses(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, overdue.ID, list[0].ID)

	counts, err := store.CountLicensesByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.LicenseStateActive])
	assert.Equal(t, 1, counts[models.LicenseStatePending])
	assert.Equal(t, 0, counts[models.LicenseStateExpired])
}

func TestStore_CreateLicenseWithOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := models.NewPendingLicense("AAAA-1111-AAAA-1111", models.ProductBarberia, models.TierBasic)
	first.MaxUsers = 1
	require.NoError(t, store.CreateLicense(ctx, first, models.NewCustomer("Ana", "ana@example.com", "Acme")))
	second := models.NewPendingLicense("BBBB-2222-BBBB-2222", models.ProductEscolar, models.TierBasic)
	second.MaxUsers = 1
	require.NoError(t, store.CreateLicense(ctx, second, models.NewCustomer("Other", "ana@example.com", "")))

	require.NotNil(t, first.CustomerID)
	require.NotNil(t, second.CustomerID)
	assert.Equal(t, *first.CustomerID, *second.CustomerID)

	owner, err := store.GetCustomerByID(ctx, *first.CustomerID)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "Ana", owner.Name)
	assert.Equal(t, "Acme", owner.Company)

	missing, err := store.GetCustomerByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	// A taken key rolls back the customer insert too.
	dup := models.NewPendingLicense(first.Key, models.ProductBarberia, models.TierBasic)
	dup.MaxUsers = 1
	err = store.CreateLicense(ctx, dup, models.NewCustomer("Bea", "bea@example.com", ""))
	assert.ErrorIs(t, err, license.ErrDuplicateKey)
	n, err := store.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ActivationWritesEventAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := createLicense(t, store, models.ProductBarberia, models.TierBasic)
	now := time.Now().UTC()

	taken := models.NewActivationEvent(nil, "QQQQ-QQQQ-QQQQ-QQQQ", models.EventActionRejection)
	require.NoError(t, store.AppendActivationEvent(ctx, taken))

	// An event that cannot be inserted leaves the license untouched.
	bad := models.NewActivationEvent(lic, lic.Key, models.EventActionActivation)
	bad.ID = taken.ID
	_, err := store.ActivateLicense(ctx, lic.ID, models.Activation{ActivatedAt: now, ExpiresAt: lic.ExpirationFrom(now), Event: bad})
	require.Error(t, err)
	got, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatePending, got.State)
	assert.Nil(t, got.ActivatedAt)

	ev := models.NewActivationEvent(lic, lic.Key, models.EventActionActivation)
	won, err := store.ActivateLicense(ctx, lic.ID, models.Activation{ActivatedAt: now, ExpiresAt: lic.ExpirationFrom(now), Event: ev})
	require.NoError(t, err)
	assert.True(t, won)

	// The loser records nothing.
	late := models.NewActivationEvent(lic, lic.Key, models.EventActionActivation)
	won, err = store.ActivateLicense(ctx, lic.ID, models.Activation{ActivatedAt: now, ExpiresAt: lic.ExpirationFrom(now), Event: late})
	require.NoError(t, err)
	assert.False(t, won)

	n, err := store.CountActivationEventsByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_ChangeLicenseState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	lic := createLicense(t, store, models.ProductBarberia, models.TierBasic)

	taken := models.NewActivationEvent(nil, "QQQQ-QQQQ-QQQQ-QQQQ", models.EventActionRejection)
	require.NoError(t, store.AppendActivationEvent(ctx, taken))

	bad := models.NewActivationEvent(lic, lic.Key, models.EventActionStateChange)
	bad.ID = taken.ID
	_, err := store.ChangeLicenseState(ctx, lic.ID, models.LicenseStatePending, models.LicenseStateRevoked, bad)
	require.Error(t, err)
	got, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatePending, got.State)

	ev := models.NewActivationEvent(lic, lic.Key, models.EventActionStateChange)
	ok, err := store.ChangeLicenseState(ctx, lic.ID, models.LicenseStatePending, models.LicenseStateRevoked, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	stale := models.NewActivationEvent(lic, lic.Key, models.EventActionStateChange)
	ok, err = store.ChangeLicenseState(ctx, lic.ID, models.LicenseStatePending, models.LicenseStateRevoked, stale)
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := store.ListActivationEvents(ctx, lic.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ev.ID, events[0].ID)
}

func TestStore_ListLicenses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	add := func(key string, product models.Product, tier models.Tier, offset time.Duration, owner *models.Customer) *models.License {
		lic := models.NewPendingLicense(key, product, tier)
		lic.MaxUsers = 1
		lic.CreatedAt = base.Add(offset)
		lic.UpdatedAt = lic.CreatedAt
		require.NoError(t, store.CreateLicense(ctx, lic, owner))
		return lic
	}
	ana := add("AAAA-1111-AAAA-1111", models.ProductBarberia, models.TierBasic, time.Hour, models.NewCustomer("Ana Ruiz", "ana@example.com", ""))
	bea := add("BBBB-2222-BBBB-2222", models.ProductEscolar, models.TierTrial, 2*time.Hour, models.NewCustomer("Bea", "bea_mx@example.com", ""))
	anon := add("CCCC-3333-CCCC-3333", models.ProductBarberia, models.TierTrial, 3*time.Hour, nil)

	all, err := store.ListLicenses(ctx, models.LicenseFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, anon.Key, all[0].Key)
	assert.Equal(t, bea.Key, all[1].Key)
	assert.Equal(t, ana.Key, all[2].Key)
	assert.Nil(t, all[0].Customer)
	require.NotNil(t, all[2].Customer)
	assert.Equal(t, "Ana Ruiz", all[2].Customer.Name)

	tests := []struct {
		name   string
		filter models.LicenseFilter
		want   []string
	}{
		{"by product", models.LicenseFilter{Product: models.ProductBarberia}, []string{anon.Key, ana.Key}},
		{"by tier", models.LicenseFilter{Tier: models.TierTrial}, []string{anon.Key, bea.Key}},
		{"by state", models.LicenseFilter{State: models.LicenseStateActive}, nil},
		{"search key", models.LicenseFilter{Search: "cccc-3333"}, []string{anon.Key}},
		{"search name", models.LicenseFilter{Search: "RUIZ"}, []string{ana.Key}},
		{"search email", models.LicenseFilter{Search: "bea_mx"}, []string{bea.Key}},
		{"wildcards are literal", models.LicenseFilter{Search: "%"}, nil},
		{"underscore is literal", models.LicenseFilter{Search: "a_a"}, nil},
		{"page", models.LicenseFilter{Offset: 1, Limit: 1}, []string{bea.Key}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.filter
			if f.Limit == 0 {
				f.Limit = 10
			}
			got, err := store.ListLicenses(ctx, f)
			require.NoError(t, err)
			var keys []string
			for _, rec := range got {
				keys = append(keys, rec.Key)
			}
			assert.Equal(t, tt.want, keys)
		})
	}
}

func TestStore_ReportCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	soon := models.NewPendingLicense("AAAA-1111-AAAA-1111", models.ProductBarberia, models.TierBasic)
	soon.MaxUsers = 1
	soon.ValidityDays = intPtr(365)
	soon.PriceCents = 19900
	soon.CreatedAt = now.AddDate(0, 0, -350)
	require.NoError(t, store.CreateLicense(ctx, soon, models.NewCustomer("Ana", "ana@example.com", "")))
	activatedAt := now.AddDate(0, 0, -350)
	_, err := store.ActivateLicense(ctx, soon.ID, models.Activation{ActivatedAt: activatedAt, ExpiresAt: soon.ExpirationFrom(activatedAt)})
	require.NoError(t, err)

	fresh := models.NewPendingLicense("BBBB-2222-BBBB-2222", models.ProductEscolar, models.TierTrial)
	fresh.MaxUsers = 1
	fresh.PriceCents = 4900
	fresh.CreatedAt = now.Add(-time.Hour)
	require.NoError(t, store.CreateLicense(ctx, fresh, nil))

	byProduct, err := store.CountLicensesByProduct(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, byProduct[models.ProductBarberia])
	assert.Equal(t, 1, byProduct[models.ProductEscolar])
	assert.Zero(t, byProduct[models.ProductRestaurante])

	n, err := store.CountExpiringLicenses(ctx, now, now.AddDate(0, 0, 30))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.CountExpiringLicenses(ctx, now, now.AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Zero(t, n)

	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sum, err := store.SumLicenseRevenue(ctx, monthStart, monthStart.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(4900), sum)

	customers, err := store.CountCustomers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, customers)
}

func intPtr(v int) *int { return &v }

func TestStore_InMemory(t *testing.T) {
	store, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	lic := createLicense(t, store, models.ProductBarberia, models.TierBasic)
	exists, err := store.LicenseKeyExists(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEngine_ConcurrentFirstActivation(t *testing.T) {
	store := newTestStore(t)
	lic := createLicense(t, store, models.ProductBarberia, models.TierProfessional)
	engine := license.NewEngine(store, store, license.DefaultEngineConfig(), zerolog.New(zerolog.NewTestWriter(t)))

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	actions := make(map[models.EventAction]int)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.Verify(context.Background(), license.VerifyRequest{Key: lic.Key, HardwareID: "DEV-1"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			actions[res.Action]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, actions[models.EventActionActivation])
	assert.Equal(t, callers-1, actions[models.EventActionVerification])

	got, err := store.GetLicenseByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ActivationCount)

	n, err := store.CountActivationEventsByKey(context.Background(), lic.Key)
	require.NoError(t, err)
	assert.Equal(t, callers, n)
}
