package license

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
)

var errStoreDown = errors.New("connection refused")

// memStore is an in-memory AdminStore and IssuerStore used by the tests.
// Conditional writes apply their event in the same critical section.
type memStore struct {
	mu        sync.Mutex
	licenses  map[uuid.UUID]*models.License
	byKey     map[string]uuid.UUID
	events    []*models.ActivationEvent
	customers map[string]*models.Customer

	getErr        error
	activateErr   error
	touchErr      error
	transitionErr error
	appendErr     error
	existsErr     error
	createErr     error
	listErr       error

	lastFilter models.LicenseFilter

	// beforeActivate runs with the lock released, just before the conditional write.
	beforeActivate func()
	// taken lists keys reported as existing by LicenseKeyExists.
	taken map[string]bool
	// duplicateOnCreate makes CreateLicense fail with ErrDuplicateKey this many times.
	duplicateOnCreate int

	activateCalls int
	touchCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		licenses:  make(map[uuid.UUID]*models.License),
		byKey:     make(map[string]uuid.UUID),
		customers: make(map[string]*models.Customer),
		taken:     make(map[string]bool),
	}
}

func (m *memStore) put(lic *models.License) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *lic
	m.licenses[lic.ID] = &cp
	m.byKey[lic.Key] = lic.ID
}

func (m *memStore) snapshot(id uuid.UUID) *models.License {
	m.mu.Lock()
	defer m.mu.Unlock()
	lic, ok := m.licenses[id]
	if !ok {
		return nil
	}
	cp := *lic
	return &cp
}

func (m *memStore) eventsFor(key string) []*models.ActivationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ActivationEvent
	for _, ev := range m.events {
		if ev.ProductKey == key {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memStore) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memStore) GetLicenseByKey(_ context.Context, key string) (*models.License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	cp := *m.licenses[id]
	return &cp, nil
}

func (m *memStore) ActivateLicense(_ context.Context, id uuid.UUID, act models.Activation) (bool, error) {
	m.mu.Lock()
	hook := m.beforeActivate
	m.beforeActivate = nil
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activateCalls++
	if m.activateErr != nil {
		return false, m.activateErr
	}
	lic, ok := m.licenses[id]
	if !ok || lic.ActivatedAt != nil || lic.State != models.LicenseStatePending {
		return false, nil
	}
	if act.Event != nil {
		if m.appendErr != nil {
			return false, m.appendErr
		}
		m.events = append(m.events, act.Event)
	}
	at := act.ActivatedAt
	lic.State = models.LicenseStateActive
	lic.ActivatedAt = &at
	lic.ExpiresAt = act.ExpiresAt
	lic.LastVerifiedAt = &at
	lic.HardwareID = act.HardwareID
	lic.Domain = act.Domain
	lic.IPAddress = act.IPAddress
	lic.ActivationCount++
	return true, nil
}

func (m *memStore) TouchLicense(_ context.Context, id uuid.UUID, verifiedAt time.Time, ip *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchCalls++
	if m.touchErr != nil {
		return m.touchErr
	}
	lic, ok := m.licenses[id]
	if !ok {
		return nil
	}
	lic.LastVerifiedAt = &verifiedAt
	if ip != nil {
		lic.IPAddress = ip
	}
	return nil
}

func (m *memStore) TransitionLicenseState(_ context.Context, id uuid.UUID, from, to models.LicenseState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return false, m.transitionErr
	}
	lic, ok := m.licenses[id]
	if !ok || lic.State != from {
		return false, nil
	}
	lic.State = to
	return true, nil
}

func (m *memStore) ChangeLicenseState(_ context.Context, id uuid.UUID, from, to models.LicenseState, ev *models.ActivationEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return false, m.transitionErr
	}
	lic, ok := m.licenses[id]
	if !ok || lic.State != from {
		return false, nil
	}
	if m.appendErr != nil {
		return false, m.appendErr
	}
	lic.State = to
	m.events = append(m.events, ev)
	return true, nil
}

func (m *memStore) AppendActivationEvent(_ context.Context, ev *models.ActivationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) ListActivationEvents(_ context.Context, licenseID uuid.UUID, limit int) ([]*models.ActivationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ActivationEvent
	for _, ev := range m.events {
		if ev.LicenseID != nil && *ev.LicenseID == licenseID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) DeleteLicense(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.LicenseID == nil || *ev.LicenseID != id {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	if lic, ok := m.licenses[id]; ok {
		delete(m.byKey, lic.Key)
		delete(m.licenses, id)
	}
	return nil
}

func (m *memStore) LicenseKeyExists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	if m.taken[key] {
		return true, nil
	}
	_, ok := m.byKey[key]
	return ok, nil
}

func (m *memStore) CreateLicense(_ context.Context, lic *models.License, owner *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.duplicateOnCreate > 0 {
		m.duplicateOnCreate--
		return ErrDuplicateKey
	}
	if _, ok := m.byKey[lic.Key]; ok {
		return ErrDuplicateKey
	}
	if owner != nil {
		existing, ok := m.customers[owner.Email]
		if !ok {
			existing = owner
			m.customers[owner.Email] = owner
		}
		id := existing.ID
		lic.CustomerID = &id
	}
	cp := *lic
	m.licenses[lic.ID] = &cp
	m.byKey[lic.Key] = lic.ID
	return nil
}

func (m *memStore) customerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.customers)
}

func (m *memStore) GetCustomerByID(_ context.Context, id uuid.UUID) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, c := range m.customers {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListLicenses(_ context.Context, f models.LicenseFilter) ([]*models.LicenseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = f
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.LicenseRecord
	for _, lic := range m.licenses {
		if f.State != "" && lic.State != f.State || f.Tier != "" && lic.Tier != f.Tier || f.Product != "" && lic.Product != f.Product {
			continue
		}
		cp := *lic
		rec := &models.LicenseRecord{License: &cp}
		for _, c := range m.customers {
			if lic.CustomerID != nil && c.ID == *lic.CustomerID {
				rec.Customer = c
			}
		}
		if q := strings.ToLower(f.Search); q != "" {
			hit := strings.Contains(strings.ToLower(lic.Key), q)
			if rec.Customer != nil {
				hit = hit || strings.Contains(strings.ToLower(rec.Customer.Name), q) ||
					strings.Contains(strings.ToLower(rec.Customer.Email), q)
			}
			if !hit {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) CountLicensesByState(_ context.Context) (map[models.LicenseState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	counts := make(map[models.LicenseState]int)
	for _, lic := range m.licenses {
		counts[lic.State]++
	}
	return counts, nil
}

func (m *memStore) CountLicensesByProduct(_ context.Context) (map[models.Product]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.Product]int)
	for _, lic := range m.licenses {
		counts[lic.Product]++
	}
	return counts, nil
}

func (m *memStore) CountCustomers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.customers), nil
}

func (m *memStore) CountExpiringLicenses(_ context.Context, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, lic := range m.licenses {
		if lic.State == models.LicenseStateActive && lic.ExpiresAt != nil &&
			!lic.ExpiresAt.Before(from) && !lic.ExpiresAt.After(to) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) SumLicenseRevenue(_ context.Context, from, to time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, lic := range m.licenses {
		if !lic.CreatedAt.Before(from) && lic.CreatedAt.Before(to) {
			sum += lic.PriceCents
		}
	}
	return sum, nil
}

// sequenceKeys returns the given keys in order, then fails.
type sequenceKeys struct {
	keys []string
	next int
}

func (s *sequenceKeys) Generate() (string, error) {
	if s.next >= len(s.keys) {
		return "", errors.New("sequence exhausted")
	}
	k := s.keys[s.next]
	s.next++
	return k, nil
}
