package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const licenseColumns = `
	id, product_key, product, tier, state, max_users, max_customers,
	all_features, features, validity_days, price_cents, currency,
	hardware_id, domain, ip_address, activated_at, expires_at, last_verified_at,
	activation_count, customer_id, created_at, updated_at`

// licenseRow holds the scan targets of licenseColumns.
type licenseRow struct {
	lic                  models.License
	product, tier, state string
	allFeatures          bool
	features             []string
}

func (r *licenseRow) dest() []any {
	return []any{
		&r.lic.ID, &r.lic.Key, &r.product, &r.tier, &r.state, &r.lic.MaxUsers, &r.lic.MaxCustomers,
		&r.allFeatures, &r.features, &r.lic.ValidityDays, &r.lic.PriceCents, &r.lic.Currency,
		&r.lic.HardwareID, &r.lic.Domain, &r.lic.IPAddress, &r.lic.ActivatedAt, &r.lic.ExpiresAt, &r.lic.LastVerifiedAt,
		&r.lic.ActivationCount, &r.lic.CustomerID, &r.lic.CreatedAt, &r.lic.UpdatedAt,
	}
}

func (r *licenseRow) license() *models.License {
	lic := r.lic
	lic.Product = models.Product(r.product)
	lic.Tier = models.Tier(r.tier)
	lic.State = models.LicenseState(r.state)
	if r.allFeatures {
		lic.Features = models.AllFeatures()
	} else {
		lic.Features = models.FeatureList(r.features...)
	}
	return &lic
}

func scanLicense(r row) (*models.License, error) {
	var lr licenseRow
	if err := r.Scan(lr.dest()...); err != nil {
		return nil, err
	}
	return lr.license(), nil
}

func scanLicenses(rows scanner) ([]*models.License, error) {
	var licenses []*models.License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}
		licenses = append(licenses, lic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return licenses, nil
}

// GetLicenseByKey returns the license with the given product key.
// Returns nil if no license exists.
func (db *DB) GetLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses
		WHERE product_key = $1
	`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return lic, nil
}

// GetLicenseByID returns the license with the given ID.
// Returns nil if no license exists.
func (db *DB) GetLicenseByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get license by id: %w", err)
	}
	return lic, nil
}

// LicenseKeyExists reports whether a product key is already issued.
func (db *DB) LicenseKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM licenses WHERE product_key = $1)", key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check license key: %w", err)
	}
	return exists, nil
}

// CreateLicense inserts a new license and, when owner is non-nil, finds or
// creates its customer in the same transaction. A taken product key returns
// license.ErrDuplicateKey.
func (db *DB) CreateLicense(ctx context.Context, lic *models.License, owner *models.Customer) error {
	features := lic.Features.Tokens()
	if features == nil {
		features = []string{}
	}

	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		customerID := lic.CustomerID
		if owner != nil {
			c, err := findOrCreateCustomer(ctx, tx, owner)
			if err != nil {
				return err
			}
			customerID = &c.ID
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO licenses (
				id, product_key, product, tier, state, max_users, max_customers,
				all_features, features, validity_days, price_cents, currency,
				customer_id, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, lic.ID, lic.Key, string(lic.Product), string(lic.Tier), string(lic.State), lic.MaxUsers, lic.MaxCustomers,
			lic.Features.IsAll(), features, lic.ValidityDays, lic.PriceCents, lic.Currency,
			customerID, lic.CreatedAt, lic.UpdatedAt)
		if err != nil {
			return err
		}
		lic.CustomerID = customerID
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, "licenses_product_key_key") {
			return fmt.Errorf("create license: %w", license.ErrDuplicateKey)
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// ActivateLicense performs the first activation. The update only applies while
// the license is still pending and unactivated, so concurrent callers race on
// the row and exactly one of them sees a row affected. act.Event is inserted
// in the same transaction by the winner only.
func (db *DB) ActivateLicense(ctx context.Context, id uuid.UUID, act models.Activation) (bool, error) {
	var won bool
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE licenses
			SET state = $2,
			    activated_at = $3,
			    expires_at = $4,
			    last_verified_at = $3,
			    hardware_id = $5,
			    domain = $6,
			    ip_address = $7,
			    activation_count = activation_count + 1,
			    updated_at = $3
			WHERE id = $1 AND activated_at IS NULL AND state = $8
		`, id, string(models.LicenseStateActive), act.ActivatedAt, act.ExpiresAt,
			act.HardwareID, act.Domain, act.IPAddress, string(models.LicenseStatePending))
		if err != nil {
			return err
		}
		won = tag.RowsAffected() == 1
		if !won || act.Event == nil {
			return nil
		}
		return insertActivationEvent(ctx, tx, act.Event)
	})
	if err != nil {
		return false, fmt.Errorf("activate license: %w", err)
	}
	return won, nil
}

// TouchLicense records a successful routine verification.
func (db *DB) TouchLicense(ctx context.Context, id uuid.UUID, verifiedAt time.Time, ip *string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE licenses
		SET last_verified_at = $2, ip_address = COALESCE($3, ip_address), updated_at = $2
		WHERE id = $1
	`, id, verifiedAt, ip)
	if err != nil {
		return fmt.Errorf("touch license: %w", err)
	}
	return nil
}

// TransitionLicenseState changes the state of a license only if it is still in from.
func (db *DB) TransitionLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses
		SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition license state: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ChangeLicenseState changes the state of a license only if it is still in
// from, and records ev in the same transaction.
func (db *DB) ChangeLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState, ev *models.ActivationEvent) (bool, error) {
	var changed bool
	err := db.ExecTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE licenses
			SET state = $3, updated_at = NOW()
			WHERE id = $1 AND state = $2
		`, id, string(from), string(to))
		if err != nil {
			return err
		}
		changed = tag.RowsAffected() == 1
		if !changed || ev == nil {
			return nil
		}
		return insertActivationEvent(ctx, tx, ev)
	})
	if err != nil {
		return false, fmt.Errorf("change license state: %w", err)
	}
	return changed, nil
}

// DeleteLicense removes a license and its activation history in one transaction.
func (db *DB) DeleteLicense(ctx context.Context, id uuid.UUID) error {
	return db.ExecTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "DELETE FROM activation_events WHERE license_id = $1", id); err != nil {
			return fmt.Errorf("delete activation events: %w", err)
		}
		if _, err := tx.Exec(ctx, "DELETE FROM licenses WHERE id = $1", id); err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		return nil
	})
}

// ListOverdueLicenses returns Active licenses whose expiration is before now, oldest first.
func (db *DB) ListOverdueLicenses(ctx context.Context, now time.Time, limit int) ([]*models.License, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses
		WHERE state = $1 AND expires_at IS NOT NULL AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
	`, string(models.LicenseStateActive), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue licenses: %w", err)
	}
	defer rows.Close()

	return scanLicenses(rows)
}

// CountLicensesByState returns the number of licenses in each state.
// States without licenses are reported as zero.
func (db *DB) CountLicensesByState(ctx context.Context) (map[models.LicenseState]int, error) {
	rows, err := db.Pool.Query(ctx, "SELECT state, COUNT(*) FROM licenses GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count licenses by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.LicenseState]int, len(models.ValidLicenseStates()))
	for _, s := range models.ValidLicenseStates() {
		counts[s] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan license count: %w", err)
		}
		counts[models.LicenseState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate license counts: %w", err)
	}
	return counts, nil
}

// ListLicenses returns the licenses matching f with their owner, newest first.
func (db *DB) ListLicenses(ctx context.Context, f models.LicenseFilter) ([]*models.LicenseRecord, error) {
	query := `
		SELECT ` + prefixColumns("l", licenseColumns) + `,
		       c.id, c.name, c.email, c.company, c.phone, c.created_at, c.updated_at
		FROM licenses l
		LEFT JOIN customers c ON c.id = l.customer_id
		WHERE TRUE
	`
	var args []any
	argIdx := 1

	if f.State != "" {
		query += fmt.Sprintf(" AND l.state = $%d", argIdx)
		args = append(args, string(f.State))
		argIdx++
	}
	if f.Tier != "" {
		query += fmt.Sprintf(" AND l.tier = $%d", argIdx)
		args = append(args, string(f.Tier))
		argIdx++
	}
	if f.Product != "" {
		query += fmt.Sprintf(" AND l.product = $%d", argIdx)
		args = append(args, string(f.Product))
		argIdx++
	}
	if f.Search != "" {
		query += fmt.Sprintf(" AND (l.product_key ILIKE $%[1]d OR c.name ILIKE $%[1]d OR c.email ILIKE $%[1]d)", argIdx)
		args = append(args, likePattern(f.Search))
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY l.created_at DESC, l.id LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var records []*models.LicenseRecord
	for rows.Next() {
		var lr licenseRow
		var cid *uuid.UUID
		var name, email, company, phone *string
		var createdAt, updatedAt *time.Time
		dest := append(lr.dest(), &cid, &name, &email, &company, &phone, &createdAt, &updatedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}

		rec := &models.LicenseRecord{License: lr.license()}
		if cid != nil {
			rec.Customer = &models.Customer{
				ID:        *cid,
				Name:      deref(name),
				Email:     deref(email),
				Company:   deref(company),
				Phone:     deref(phone),
				CreatedAt: derefTime(createdAt),
				UpdatedAt: derefTime(updatedAt),
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return records, nil
}

// CountLicensesByProduct returns the number of licenses of each product line.
func (db *DB) CountLicensesByProduct(ctx context.Context) (map[models.Product]int, error) {
	rows, err := db.Pool.Query(ctx, "SELECT product, COUNT(*) FROM licenses GROUP BY product")
	if err != nil {
		return nil, fmt.Errorf("count licenses by product: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Product]int)
	for rows.Next() {
		var product string
		var n int
		if err := rows.Scan(&product, &n); err != nil {
			return nil, fmt.Errorf("scan license count: %w", err)
		}
		counts[models.Product(product)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate license counts: %w", err)
	}
	return counts, nil
}

// CountExpiringLicenses counts Active licenses expiring within [from, to].
func (db *DB) CountExpiringLicenses(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM licenses
		WHERE state = $1 AND expires_at BETWEEN $2 AND $3
	`, string(models.LicenseStateActive), from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expiring licenses: %w", err)
	}
	return n, nil
}

// SumLicenseRevenue adds the price of licenses created within [from, to).
func (db *DB) SumLicenseRevenue(ctx context.Context, from, to time.Time) (int64, error) {
	var sum int64
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(price_cents), 0)::BIGINT FROM licenses
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum license revenue: %w", err)
	}
	return sum, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// likePattern builds a substring pattern with the LIKE wildcards in q escaped.
func likePattern(q string) string {
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return "%" + r.Replace(q) + "%"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
