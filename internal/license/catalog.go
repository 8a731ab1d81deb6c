package license

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MacJediWizard/keygate/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Entitlement is the set of limits and features a tier grants for one product.
// It is copied onto a license at creation and never consulted again.
type Entitlement struct {
	Product      models.Product    `json:"producto"`
	Tier         models.Tier       `json:"tipo"`
	MaxUsers     int               `json:"max_usuarios"`
	MaxCustomers *int              `json:"max_clientes"`
	ValidityDays *int              `json:"dias_validez"`
	Features     models.FeatureSet `json:"features"`
	PriceCents   int64             `json:"precio_centavos"`
	Currency     string            `json:"moneda"`
}

// Apply snapshots the entitlement onto a license.
func (e Entitlement) Apply(lic *models.License) {
	lic.MaxUsers = e.MaxUsers
	lic.MaxCustomers = copyInt(e.MaxCustomers)
	lic.ValidityDays = copyInt(e.ValidityDays)
	lic.Features = e.Features
	lic.PriceCents = e.PriceCents
	lic.Currency = e.Currency
}

type tierLimits struct {
	MaxUsers     int   `yaml:"max_users"`
	MaxCustomers *int  `yaml:"max_customers"`
	ValidityDays *int  `yaml:"validity_days"`
	PriceCents   int64 `yaml:"price_cents"`
}

type catalogFile struct {
	Currency string                                               `yaml:"currency"`
	Tiers    map[models.Tier]tierLimits                           `yaml:"tiers"`
	Products map[models.Product]map[models.Tier]models.FeatureSet `yaml:"products"`
}

// Catalog maps (product, tier) to entitlements. It is read-only after construction.
type Catalog struct {
	entries map[models.Product]map[models.Tier]Entitlement
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
}

// LoadCatalog reads a catalog from path, or returns the default catalog when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog. Every product must define every tier.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	currency := strings.ToUpper(strings.TrimSpace(f.Currency))
	if currency == "" {
		currency = "USD"
	}

	c := &Catalog{entries: make(map[models.Product]map[models.Tier]Entitlement)}
	var errs []error

	for _, tier := range models.ValidTiers() {
		limits, ok := f.Tiers[tier]
		if !ok {
			errs = append(errs, fmt.Errorf("tier %s: missing limits", tier))
			continue
		}
		if limits.MaxUsers <= 0 {
			errs = append(errs, fmt.Errorf("tier %s: max_users must be positive", tier))
		}
		if limits.ValidityDays != nil && *limits.ValidityDays <= 0 {
			errs = append(errs, fmt.Errorf("tier %s: validity_days must be positive or null", tier))
		}
	}

	for _, product := range models.ValidProducts() {
		tiers, ok := f.Products[product]
		if !ok {
			errs = append(errs, fmt.Errorf("product %s: missing features", product))
			continue
		}
		c.entries[product] = make(map[models.Tier]Entitlement)
		for _, tier := range models.ValidTiers() {
			features, ok := tiers[tier]
			if !ok {
				errs = append(errs, fmt.Errorf("product %s: tier %s missing features", product, tier))
				continue
			}
			limits := f.Tiers[tier]
			c.entries[product][tier] = Entitlement{
				Product:      product,
				Tier:         tier,
				MaxUsers:     limits.MaxUsers,
				MaxCustomers: limits.MaxCustomers,
				ValidityDays: limits.ValidityDays,
				Features:     features,
				PriceCents:   limits.PriceCents,
				Currency:     currency,
			}
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid catalog: %w", errors.Join(errs...))
	}
	return c, nil
}

// Lookup returns the entitlement for a product and tier.
func (c *Catalog) Lookup(product models.Product, tier models.Tier) (Entitlement, error) {
	if !product.IsValid() {
		return Entitlement{}, fmt.Errorf("%w: %q", ErrInvalidProduct, product)
	}
	if !tier.IsValid() {
		return Entitlement{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	e, ok := c.entries[product][tier]
	if !ok {
		return Entitlement{}, fmt.Errorf("no entitlement for %s/%s", product, tier)
	}
	return e, nil
}

// Entries returns every entitlement ordered by product, then tier rank.
func (c *Catalog) Entries() []Entitlement {
	var out []Entitlement
	for _, product := range models.ValidProducts() {
		for _, tier := range models.ValidTiers() {
			if e, ok := c.entries[product][tier]; ok {
				out = append(out, e)
			}
		}
	}
	return out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}
