package license

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/rs/zerolog"
)

// DefaultKeyAttempts is how many keys the issuer draws before giving up.
const DefaultKeyAttempts = 10

// CustomerInput is the optional owner of record supplied at creation.
type CustomerInput struct {
	Name    string
	Email   string
	Company string
	Phone   string
}

// CreateRequest describes a license to issue.
type CreateRequest struct {
	Product  models.Product
	Tier     models.Tier
	Customer *CustomerInput
}

// Issuer creates Pending licenses with a unique key and the catalog entitlement.
type Issuer struct {
	store       IssuerStore
	catalog     *Catalog
	keys        KeyGenerator
	maxAttempts int
	logger      zerolog.Logger
}

// NewIssuer creates a new Issuer. A nil generator uses RandomKeyGenerator.
func NewIssuer(store IssuerStore, catalog *Catalog, keys KeyGenerator, logger zerolog.Logger) *Issuer {
	if keys == nil {
		keys = RandomKeyGenerator{}
	}
	return &Issuer{
		store:       store,
		catalog:     catalog,
		keys:        keys,
		maxAttempts: DefaultKeyAttempts,
		logger:      logger.With().Str("component", "license_issuer").Logger(),
	}
}

// Catalog returns the catalog used for new licenses.
func (i *Issuer) Catalog() *Catalog {
	return i.catalog
}

// Create issues a new Pending license. Entitlements are copied from the
// catalog and the key is checked for uniqueness before and during insert.
// The owner of record is written with the license, never on its own.
func (i *Issuer) Create(ctx context.Context, req CreateRequest) (*models.License, error) {
	ent, err := i.catalog.Lookup(req.Product, req.Tier)
	if err != nil {
		return nil, err
	}

	var owner *models.Customer
	if req.Customer != nil && strings.TrimSpace(req.Customer.Email) != "" {
		owner = models.NewCustomer(req.Customer.Name, req.Customer.Email, req.Customer.Company)
		owner.Phone = strings.TrimSpace(req.Customer.Phone)
	}

	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		key, err := i.keys.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate product key: %w", err)
		}

		exists, err := i.store.LicenseKeyExists(ctx, key)
		if err != nil {
			return nil, storeError("check product key", err)
		}
		if exists {
			i.logger.Warn().Int("attempt", attempt).Msg("generated product key already in use")
			continue
		}

		lic := models.NewPendingLicense(key, req.Product, req.Tier)
		ent.Apply(lic)
		if err := lic.Validate(); err != nil {
			return nil, fmt.Errorf("build license: %w", err)
		}

		if err := i.store.CreateLicense(ctx, lic, owner); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				i.logger.Warn().Int("attempt", attempt).Msg("product key taken during insert")
				continue
			}
			return nil, storeError("create license", err)
		}

		i.logger.Info().
			Str("key", MaskKey(lic.Key)).
			Str("product", string(lic.Product)).
			Str("tier", string(lic.Tier)).
			Msg("license created")
		return lic, nil
	}

	return nil, ErrKeySpaceExhausted
}
