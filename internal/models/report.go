package models

// LicenseFilter selects licenses for an administrative listing. Zero values
// match everything.
type LicenseFilter struct {
	State   LicenseState
	Tier    Tier
	Product Product
	// Search is matched case-insensitively as a substring of the product key,
	// the owner's name or the owner's email.
	Search string
	Limit  int
	Offset int
}

// LicenseRecord is a license together with its owner of record.
type LicenseRecord struct {
	*License
	Customer *Customer `json:"cliente"`
}

// LicenseStats summarizes the license base for the admin dashboard.
type LicenseStats struct {
	Active            int                  `json:"licencias_activas"`
	Customers         int                  `json:"total_clientes"`
	ExpiringSoon      int                  `json:"por_vencer"`
	ExpiringWithin    int                  `json:"dias_por_vencer"`
	MonthRevenueCents int64                `json:"ingresos_mes_centavos"`
	ByProduct         map[Product]int      `json:"productos"`
	ByState           map[LicenseState]int `json:"estados"`
}

// NewLicenseStats returns stats with every product and state present at zero.
func NewLicenseStats() *LicenseStats {
	s := &LicenseStats{
		ByProduct: make(map[Product]int, len(ValidProducts())),
		ByState:   make(map[LicenseState]int, len(ValidLicenseStates())),
	}
	for _, p := range ValidProducts() {
		s.ByProduct[p] = 0
	}
	for _, st := range ValidLicenseStates() {
		s.ByState[st] = 0
	}
	return s
}
