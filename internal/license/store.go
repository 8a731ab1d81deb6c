package license

import (
	"context"
	"errors"
	"time"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
)

// ErrDuplicateKey is returned by CreateLicense when the product key is already taken.
var ErrDuplicateKey = errors.New("product key already exists")

// Store is the license record persistence used by the verification engine.
// Implementations must provide at least read-committed isolation per row.
type Store interface {
	// GetLicenseByKey returns the license with the given normalized key, or nil if none exists.
	GetLicenseByKey(ctx context.Context, key string) (*models.License, error)

	// ActivateLicense performs the first activation as a single conditional write,
	// together with act.Event when set. It reports false, without error and
	// without recording the event, when the license is no longer pending and unactivated.
	ActivateLicense(ctx context.Context, id uuid.UUID, act models.Activation) (bool, error)

	// TouchLicense refreshes the last verification time and, when ip is non-nil, the installation address.
	TouchLicense(ctx context.Context, id uuid.UUID, verifiedAt time.Time, ip *string) error

	// TransitionLicenseState moves a license from one state to another only if it is still in from.
	TransitionLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState) (bool, error)
}

// HistoryLog is the append-only activation history.
type HistoryLog interface {
	AppendActivationEvent(ctx context.Context, ev *models.ActivationEvent) error
}

// ReportStore is the read side behind listings and dashboard figures.
type ReportStore interface {
	// ListLicenses returns the licenses matching f with their owner, newest first.
	ListLicenses(ctx context.Context, f models.LicenseFilter) ([]*models.LicenseRecord, error)

	// GetCustomerByID returns the customer with the given ID, or nil if none exists.
	GetCustomerByID(ctx context.Context, id uuid.UUID) (*models.Customer, error)

	CountLicensesByState(ctx context.Context) (map[models.LicenseState]int, error)
	CountLicensesByProduct(ctx context.Context) (map[models.Product]int, error)
	CountCustomers(ctx context.Context) (int, error)

	// CountExpiringLicenses counts Active licenses expiring within [from, to].
	CountExpiringLicenses(ctx context.Context, from, to time.Time) (int, error)

	// SumLicenseRevenue adds the price of licenses created within [from, to).
	SumLicenseRevenue(ctx context.Context, from, to time.Time) (int64, error)
}

// AdminStore adds the administrative reads, writes and deletes to Store.
type AdminStore interface {
	Store
	HistoryLog
	ReportStore

	// ChangeLicenseState moves a license from one state to another only if it is
	// still in from, and appends ev in the same transaction. Nothing is written
	// when it reports false.
	ChangeLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState, ev *models.ActivationEvent) (bool, error)

	// ListActivationEvents returns the newest events of a license first.
	ListActivationEvents(ctx context.Context, licenseID uuid.UUID, limit int) ([]*models.ActivationEvent, error)

	// DeleteLicense removes the license history and then the license, atomically.
	DeleteLicense(ctx context.Context, id uuid.UUID) error
}

// IssuerStore is the persistence used to create licenses.
type IssuerStore interface {
	LicenseKeyExists(ctx context.Context, key string) (bool, error)

	// CreateLicense inserts lic. When owner is non-nil the customer with the
	// owner's email is found or created in the same transaction and lic.CustomerID
	// is set to it. A taken key returns ErrDuplicateKey and writes nothing.
	CreateLicense(ctx context.Context, lic *models.License, owner *models.Customer) error
}
