package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Product identifies a licensed application family.
type Product string

const (
	// ProductBarberia is the barbershop management suite.
	ProductBarberia Product = "BARBERIA"
	// ProductRestaurante is the restaurant point-of-sale suite.
	ProductRestaurante Product = "RESTAURANTE"
	// ProductEscolar is the school administration suite.
	ProductEscolar Product = "ESCOLAR"
)

// ValidProducts returns all valid product lines.
func ValidProducts() []Product {
	return []Product{ProductBarberia, ProductRestaurante, ProductEscolar}
}

// IsValid checks if the product is a recognized value.
func (p Product) IsValid() bool {
	for _, valid := range ValidProducts() {
		if p == valid {
			return true
		}
	}
	return false
}

// Tier represents the entitlement level of a license.
type Tier string

const (
	// TierTrial is a short evaluation license.
	TierTrial Tier = "TRIAL"
	// TierBasic covers small single-site installations.
	TierBasic Tier = "BASICO"
	// TierProfessional adds reporting and customer-facing features.
	TierProfessional Tier = "PROFESIONAL"
	// TierEnterprise unlocks every feature and never expires.
	TierEnterprise Tier = "ENTERPRISE"
)

// ValidTiers returns all valid tiers ordered by entitlement breadth.
func ValidTiers() []Tier {
	return []Tier{TierTrial, TierBasic, TierProfessional, TierEnterprise}
}

// IsValid checks if the tier is a recognized value.
func (t Tier) IsValid() bool {
	return t.Rank() >= 0
}

// Rank returns the position of the tier in entitlement order, or -1 if unknown.
func (t Tier) Rank() int {
	for i, valid := range ValidTiers() {
		if t == valid {
			return i
		}
	}
	return -1
}

// LicenseState is the lifecycle state of a license.
type LicenseState string

const (
	// LicenseStatePending means the license was issued but never activated.
	LicenseStatePending LicenseState = "PENDIENTE"
	// LicenseStateActive means the license is bound and usable.
	LicenseStateActive LicenseState = "ACTIVA"
	// LicenseStateExpired means the validity period ran out.
	LicenseStateExpired LicenseState = "EXPIRADA"
	// LicenseStateSuspended means an administrator paused the license.
	LicenseStateSuspended LicenseState = "SUSPENDIDA"
	// LicenseStateRevoked is terminal.
	LicenseStateRevoked LicenseState = "REVOCADA"
)

// ValidLicenseStates returns all valid license states.
func ValidLicenseStates() []LicenseState {
	return []LicenseState{
		LicenseStatePending,
		LicenseStateActive,
		LicenseStateExpired,
		LicenseStateSuspended,
		LicenseStateRevoked,
	}
}

// IsValid checks if the state is a recognized value.
func (s LicenseState) IsValid() bool {
	for _, valid := range ValidLicenseStates() {
		if s == valid {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave this state.
func (s LicenseState) IsTerminal() bool {
	return s == LicenseStateRevoked
}

// FeatureWildcard is the wire token that stands for every feature.
const FeatureWildcard = "*"

// FeatureSet is either every feature of a product or an explicit list of tokens.
// The zero value is an empty list.
type FeatureSet struct {
	all    bool
	tokens []string
}

// AllFeatures returns a FeatureSet granting every capability.
func AllFeatures() FeatureSet {
	return FeatureSet{all: true}
}

// FeatureList returns a FeatureSet granting exactly the given tokens.
// Tokens are de-duplicated and sorted.
func FeatureList(tokens ...string) FeatureSet {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return FeatureSet{tokens: out}
}

// ParseFeatureTokens builds a FeatureSet from wire tokens, treating the wildcard as AllFeatures.
func ParseFeatureTokens(tokens []string) FeatureSet {
	for _, t := range tokens {
		if strings.TrimSpace(t) == FeatureWildcard {
			return AllFeatures()
		}
	}
	return FeatureList(tokens...)
}

// IsAll reports whether the set grants every feature.
func (f FeatureSet) IsAll() bool {
	return f.all
}

// Tokens returns the explicit tokens. It is empty when IsAll is true.
func (f FeatureSet) Tokens() []string {
	if f.all {
		return nil
	}
	out := make([]string, len(f.tokens))
	copy(out, f.tokens)
	return out
}

// Has reports whether the set grants the given feature token.
func (f FeatureSet) Has(token string) bool {
	if f.all {
		return true
	}
	for _, t := range f.tokens {
		if t == token {
			return true
		}
	}
	return false
}

// WireTokens returns the list sent to installations: ["*"] for all features.
func (f FeatureSet) WireTokens() []string {
	if f.all {
		return []string{FeatureWildcard}
	}
	return f.Tokens()
}

// MarshalJSON encodes the set in its wire form.
func (f FeatureSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.WireTokens())
}

// UnmarshalJSON decodes the wire form.
func (f *FeatureSet) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return fmt.Errorf("decode feature set: %w", err)
	}
	*f = ParseFeatureTokens(tokens)
	return nil
}

// UnmarshalYAML decodes the catalog form, which shares the wire form.
func (f *FeatureSet) UnmarshalYAML(unmarshal func(any) error) error {
	var tokens []string
	if err := unmarshal(&tokens); err != nil {
		return fmt.Errorf("decode feature set: %w", err)
	}
	*f = ParseFeatureTokens(tokens)
	return nil
}

// License is a single issued license key and its lifecycle.
type License struct {
	ID              uuid.UUID    `json:"id"`
	Key             string       `json:"clave_producto"`
	Product         Product      `json:"producto"`
	Tier            Tier         `json:"tipo"`
	State           LicenseState `json:"estado"`
	MaxUsers        int          `json:"max_usuarios"`
	MaxCustomers    *int         `json:"max_clientes"`
	Features        FeatureSet   `json:"features"`
	ValidityDays    *int         `json:"dias_validez"`
	PriceCents      int64        `json:"precio_centavos"`
	Currency        string       `json:"moneda"`
	HardwareID      *string      `json:"hardware_id,omitempty"`
	Domain          *string      `json:"dominio_instalacion,omitempty"`
	IPAddress       *string      `json:"ip_instalacion,omitempty"`
	ActivatedAt     *time.Time   `json:"fecha_activacion,omitempty"`
	ExpiresAt       *time.Time   `json:"fecha_vencimiento,omitempty"`
	LastVerifiedAt  *time.Time   `json:"ultima_verificacion,omitempty"`
	ActivationCount int          `json:"veces_activada"`
	CustomerID      *uuid.UUID   `json:"cliente_id,omitempty"`
	CreatedAt       time.Time    `json:"creado_en"`
	UpdatedAt       time.Time    `json:"actualizado_en"`
}

// IsPerpetual reports whether the license never expires once activated.
func (l *License) IsPerpetual() bool {
	return l.ValidityDays == nil
}

// IsActivated reports whether the first activation already happened.
func (l *License) IsActivated() bool {
	return l.ActivatedAt != nil
}

// IsExpiredAt reports whether the license has an expiration in the past relative to now.
func (l *License) IsExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// ExpirationFrom computes the expiration for an activation at the given time.
// Perpetual licenses return nil.
func (l *License) ExpirationFrom(activatedAt time.Time) *time.Time {
	if l.ValidityDays == nil {
		return nil
	}
	exp := activatedAt.AddDate(0, 0, *l.ValidityDays)
	return &exp
}

// RemainingDays returns ceil((expiresAt - now) / 24h), or nil for licenses without expiration.
func (l *License) RemainingDays(now time.Time) *int {
	if l.ExpiresAt == nil {
		return nil
	}
	const day = 24 * time.Hour
	diff := l.ExpiresAt.Sub(now)
	days := int(diff / day)
	if diff%day > 0 {
		days++
	}
	return &days
}

// Validate checks the entitlement snapshot of a license before it is persisted.
func (l *License) Validate() error {
	if !l.Product.IsValid() {
		return fmt.Errorf("invalid product: %q", l.Product)
	}
	if !l.Tier.IsValid() {
		return fmt.Errorf("invalid tier: %q", l.Tier)
	}
	if !l.State.IsValid() {
		return fmt.Errorf("invalid state: %q", l.State)
	}
	if l.MaxUsers <= 0 {
		return errors.New("max users must be positive")
	}
	if l.MaxCustomers != nil && *l.MaxCustomers < 0 {
		return errors.New("max customers must not be negative")
	}
	if l.ValidityDays != nil && *l.ValidityDays <= 0 {
		return errors.New("validity days must be positive")
	}
	if (l.ActivatedAt == nil) != (l.ExpiresAt == nil) && !l.IsPerpetual() {
		return errors.New("activation and expiration must be set together")
	}
	return nil
}

// Activation carries the fields written atomically by a first activation.
type Activation struct {
	ActivatedAt time.Time
	ExpiresAt   *time.Time
	HardwareID  *string
	Domain      *string
	IPAddress   *string
	// Event, when set, is appended in the same transaction if the activation applies.
	Event *ActivationEvent
}

// NewPendingLicense creates a never-activated license for the given product and tier.
func NewPendingLicense(key string, product Product, tier Tier) *License {
	now := time.Now()
	return &License{
		ID:        uuid.New(),
		Key:       key,
		Product:   product,
		Tier:      tier,
		State:     LicenseStatePending,
		Features:  FeatureList(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
