package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// findOrCreateCustomer returns the customer with c's email, inserting c if none exists.
func findOrCreateCustomer(ctx context.Context, q querier, c *models.Customer) (*models.Customer, error) {
	var out models.Customer
	err := q.QueryRow(ctx, `
		INSERT INTO customers (id, name, email, company, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, name, email, company, phone, created_at, updated_at
	`, c.ID, c.Name, c.Email, c.Company, c.Phone, c.CreatedAt, c.UpdatedAt).Scan(
		&out.ID, &out.Name, &out.Email, &out.Company, &out.Phone, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find or create customer: %w", err)
	}
	return &out, nil
}

// GetCustomerByID returns a customer by ID.
// Returns nil if no customer exists.
func (db *DB) GetCustomerByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	var c models.Customer
	err := db.Pool.QueryRow(ctx, `
		SELECT id, name, email, company, phone, created_at, updated_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &c.Company, &c.Phone, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// CountCustomers returns the number of customers.
func (db *DB) CountCustomers(ctx context.Context) (int, error) {
	var n int
	if err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM customers").Scan(&n); err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return n, nil
}
