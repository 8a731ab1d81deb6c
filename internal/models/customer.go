package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Customer is the owner of record of one or more licenses.
type Customer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"nombre"`
	Email     string    `json:"email"`
	Company   string    `json:"empresa,omitempty"`
	Phone     string    `json:"telefono,omitempty"`
	CreatedAt time.Time `json:"creado_en"`
	UpdatedAt time.Time `json:"actualizado_en"`
}

// NewCustomer creates a new Customer with the given details.
// Email is normalized to lowercase; an empty name defaults to "Cliente".
func NewCustomer(name, email, company string) *Customer {
	now := time.Now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Cliente"
	}
	return &Customer{
		ID:        uuid.New(),
		Name:      name,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Company:   strings.TrimSpace(company),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
