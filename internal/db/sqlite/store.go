// Package sqlite implements the license store on an embedded SQLite database
// for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeFormat sorts lexically in time order, which the overdue query relies on.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

var (
	_ license.AdminStore  = (*Store)(nil)
	_ license.IssuerStore = (*Store)(nil)
)

// Store implements the license store and activation history on SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path. ":memory:" opens a private in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection serializes writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("license database initialized")
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Health returns connection statistics.
func (s *Store) Health() map[string]any {
	stats := s.db.Stats()
	return map[string]any{
		"driver":           "sqlite",
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
	}
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL UNIQUE,
			company TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS licenses (
			id TEXT PRIMARY KEY,
			product_key TEXT NOT NULL UNIQUE,
			product TEXT NOT NULL CHECK (product IN ('BARBERIA', 'RESTAURANTE', 'ESCOLAR')),
			tier TEXT NOT NULL CHECK (tier IN ('TRIAL', 'BASICO', 'PROFESIONAL', 'ENTERPRISE')),
			state TEXT NOT NULL DEFAULT 'PENDIENTE'
				CHECK (state IN ('PENDIENTE', 'ACTIVA', 'EXPIRADA', 'SUSPENDIDA', 'REVOCADA')),
			max_users INTEGER NOT NULL CHECK (max_users > 0),
			max_customers INTEGER CHECK (max_customers IS NULL OR max_customers >= 0),
			features TEXT NOT NULL DEFAULT '[]',
			validity_days INTEGER CHECK (validity_days IS NULL OR validity_days > 0),
			price_cents INTEGER NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			hardware_id TEXT,
			domain TEXT,
			ip_address TEXT,
			activated_at TEXT,
			expires_at TEXT,
			last_verified_at TEXT,
			activation_count INTEGER NOT NULL DEFAULT 0,
			customer_id TEXT REFERENCES customers(id) ON DELETE SET NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (validity_days IS NULL OR (activated_at IS NULL) = (expires_at IS NULL)),
			CHECK (validity_days IS NOT NULL OR expires_at IS NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_licenses_state_expires ON licenses(state, expires_at);

		CREATE TABLE IF NOT EXISTS activation_events (
			id TEXT PRIMARY KEY,
			license_id TEXT REFERENCES licenses(id),
			product_key TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			hardware_id TEXT,
			domain TEXT,
			ip_address TEXT,
			user_agent TEXT,
			details TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activation_events_license ON activation_events(license_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_activation_events_key ON activation_events(product_key);
	`

	_, err := s.db.Exec(schema)
	return err
}

const licenseColumns = `
	id, product_key, product, tier, state, max_users, max_customers,
	features, validity_days, price_cents, currency,
	hardware_id, domain, ip_address, activated_at, expires_at, last_verified_at,
	activation_count, customer_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(r rowScanner) (*models.License, error) {
	var lic models.License
	var id, product, tier, state, features, createdAt, updatedAt string
	var maxCustomers, validityDays sql.NullInt64
	var hardwareID, domain, ipAddress, activatedAt, expiresAt, lastVerifiedAt, customerID sql.NullString

	err := r.Scan(
		&id, &lic.Key, &product, &tier, &state, &lic.MaxUsers, &maxCustomers,
		&features, &validityDays, &lic.PriceCents, &lic.Currency,
		&hardwareID, &domain, &ipAddress, &activatedAt, &expiresAt, &lastVerifiedAt,
		&lic.ActivationCount, &customerID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lic.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse license id: %w", err)
	}
	lic.Product = models.Product(product)
	lic.Tier = models.Tier(tier)
	lic.State = models.LicenseState(state)
	if err := json.Unmarshal([]byte(features), &lic.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	lic.MaxCustomers = fromNullInt(maxCustomers)
	lic.ValidityDays = fromNullInt(validityDays)
	lic.HardwareID = fromNullString(hardwareID)
	lic.Domain = fromNullString(domain)
	lic.IPAddress = fromNullString(ipAddress)
	if customerID.Valid {
		cid, err := uuid.Parse(customerID.String)
		if err != nil {
			return nil, fmt.Errorf("parse customer id: %w", err)
		}
		lic.CustomerID = &cid
	}

	if lic.ActivatedAt, err = parseNullTime(activatedAt); err != nil {
		return nil, err
	}
	if lic.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if lic.LastVerifiedAt, err = parseNullTime(lastVerifiedAt); err != nil {
		return nil, err
	}
	if lic.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if lic.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &lic, nil
}

// GetLicenseByKey returns the license with the given product key.
// Returns nil if no license exists.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE product_key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return lic, nil
}

// LicenseKeyExists reports whether a product key is already issued.
func (s *Store) LicenseKeyExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM licenses WHERE product_key = ?)", key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check license key: %w", err)
	}
	return exists, nil
}

// CreateLicense inserts a new license and, when owner is non-nil, finds or
// creates its customer in the same transaction. A taken product key returns
// license.ErrDuplicateKey.
func (s *Store) CreateLicense(ctx context.Context, lic *models.License, owner *models.Customer) error {
	features, err := json.Marshal(lic.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		customerID := lic.CustomerID
		if owner != nil {
			c, err := findOrCreateCustomer(ctx, tx, owner)
			if err != nil {
				return err
			}
			customerID = &c.ID
		}

		var cid sql.NullString
		if customerID != nil {
			cid = sql.NullString{String: customerID.String(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO licenses (
				id, product_key, product, tier, state, max_users, max_customers,
				features, validity_days, price_cents, currency, customer_id, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, lic.ID.String(), lic.Key, string(lic.Product), string(lic.Tier), string(lic.State),
			lic.MaxUsers, toNullInt(lic.MaxCustomers), string(features), toNullInt(lic.ValidityDays),
			lic.PriceCents, lic.Currency, cid, formatTime(lic.CreatedAt), formatTime(lic.UpdatedAt))
		if err != nil {
			return err
		}
		lic.CustomerID = customerID
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create license: %w", license.ErrDuplicateKey)
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// ActivateLicense performs the first activation as one conditional update,
// inserting act.Event in the same transaction when the update applies.
func (s *Store) ActivateLicense(ctx context.Context, id uuid.UUID, act models.Activation) (bool, error) {
	at := formatTime(act.ActivatedAt)
	var won bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE licenses
			SET state = ?, activated_at = ?, expires_at = ?, last_verified_at = ?,
			    hardware_id = ?, domain = ?, ip_address = ?,
			    activation_count = activation_count + 1, updated_at = ?
			WHERE id = ? AND activated_at IS NULL AND state = ?
		`, string(models.LicenseStateActive), at, formatNullTime(act.ExpiresAt), at,
			toNullString(act.HardwareID), toNullString(act.Domain), toNullString(act.IPAddress), at,
			id.String(), string(models.LicenseStatePending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		won = n == 1
		if !won || act.Event == nil {
			return nil
		}
		return insertEvent(ctx, tx, act.Event)
	})
	if err != nil {
		return false, fmt.Errorf("activate license: %w", err)
	}
	return won, nil
}

// TouchLicense records a successful routine verification.
func (s *Store) TouchLicense(ctx context.Context, id uuid.UUID, verifiedAt time.Time, ip *string) error {
	at := formatTime(verifiedAt)
	_, err := s.db.ExecContext(ctx, `
		UPDATE licenses
		SET last_verified_at = ?, ip_address = COALESCE(?, ip_address), updated_at = ?
		WHERE id = ?
	`, at, toNullString(ip), at, id.String())
	if err != nil {
		return fmt.Errorf("touch license: %w", err)
	}
	return nil
}

// TransitionLicenseState changes the state of a license only if it is still in from.
func (s *Store) TransitionLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, string(to), formatTime(time.Now()), id.String(), string(from))
	if err != nil {
		return false, fmt.Errorf("transition license state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition license state: %w", err)
	}
	return n == 1, nil
}

// ChangeLicenseState changes the state of a license only if it is still in
// from, and records ev in the same transaction.
func (s *Store) ChangeLicenseState(ctx context.Context, id uuid.UUID, from, to models.LicenseState, ev *models.ActivationEvent) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE licenses SET state = ?, updated_at = ? WHERE id = ? AND state = ?
		`, string(to), formatTime(time.Now()), id.String(), string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		if !changed || ev == nil {
			return nil
		}
		return insertEvent(ctx, tx, ev)
	})
	if err != nil {
		return false, fmt.Errorf("change license state: %w", err)
	}
	return changed, nil
}

// DeleteLicense removes a license and its activation history in one transaction.
func (s *Store) DeleteLicense(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM activation_events WHERE license_id = ?", id.String()); err != nil {
			return fmt.Errorf("delete activation events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM licenses WHERE id = ?", id.String()); err != nil {
			return fmt.Errorf("delete license: %w", err)
		}
		return nil
	})
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListOverdueLicenses returns Active licenses whose expiration is before now, oldest first.
func (s *Store) ListOverdueLicenses(ctx context.Context, now time.Time, limit int) ([]*models.License, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+licenseColumns+`
		FROM licenses
		WHERE state = ? AND expires_at IS NOT NULL AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?
	`, string(models.LicenseStateActive), formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue licenses: %w", err)
	}
	defer rows.Close()

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

// CountLicensesByState returns the number of licenses in each state.
func (s *Store) CountLicensesByState(ctx context.Context) (map[models.LicenseState]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM licenses GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count licenses by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.LicenseState]int)
	for _, st := range models.ValidLicenseStates() {
		counts[st] = 0
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
func (s *Store) ListLicenses(ctx context.Context, f models.LicenseFilter) ([]*models.LicenseRecord, error) {
	query := `
		SELECT ` + prefixColumns("l", licenseColumns) + `,
		       c.id, c.name, c.email, c.company, c.phone, c.created_at, c.updated_at
		FROM licenses l
		LEFT JOIN customers c ON c.id = l.customer_id
		WHERE 1 = 1
	`
	var args []any

	if f.State != "" {
		query += " AND l.state = ?"
		args = append(args, string(f.State))
	}
	if f.Tier != "" {
		query += " AND l.tier = ?"
		args = append(args, string(f.Tier))
	}
	if f.Product != "" {
		query += " AND l.product = ?"
		args = append(args, string(f.Product))
	}
	if f.Search != "" {
		query += ` AND (l.product_key LIKE ? ESCAPE '\' OR c.name LIKE ? ESCAPE '\' OR c.email LIKE ? ESCAPE '\')`
		p := likePattern(strings.ToLower(f.Search))
		args = append(args, p, p, p)
	}

	query += " ORDER BY l.created_at DESC, l.rowid DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var records []*models.LicenseRecord
	for rows.Next() {
		var cid, name, email, company, phone, createdAt, updatedAt sql.NullString
		lic, err := scanLicense(withExtra{rows, []any{&cid, &name, &email, &company, &phone, &createdAt, &updatedAt}})
		if err != nil {
			return nil, fmt.Errorf("scan license: %w", err)
		}

		rec := &models.LicenseRecord{License: lic}
		if cid.Valid {
			c := &models.Customer{Name: name.String, Email: email.String, Company: company.String, Phone: phone.String}
			if c.ID, err = uuid.Parse(cid.String); err != nil {
				return nil, fmt.Errorf("parse customer id: %w", err)
			}
			if c.CreatedAt, err = parseTime(createdAt.String); err != nil {
				return nil, err
			}
			if c.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
				return nil, err
			}
			rec.Customer = c
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate licenses: %w", err)
	}
	return records, nil
}

// withExtra scans the trailing columns of a row into extra.
type withExtra struct {
	r     rowScanner
	extra []any
}

func (w withExtra) Scan(dest ...any) error {
	return w.r.Scan(append(dest, w.extra...)...)
}

// CountLicensesByProduct returns the number of licenses of each product line.
func (s *Store) CountLicensesByProduct(ctx context.Context) (map[models.Product]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT product, COUNT(*) FROM licenses GROUP BY product")
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
func (s *Store) CountExpiringLicenses(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM licenses
		WHERE state = ? AND expires_at IS NOT NULL AND expires_at >= ? AND expires_at <= ?
	`, string(models.LicenseStateActive), formatTime(from), formatTime(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count expiring licenses: %w", err)
	}
	return n, nil
}

// SumLicenseRevenue adds the price of licenses created within [from, to).
func (s *Store) SumLicenseRevenue(ctx context.Context, from, to time.Time) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(price_cents), 0) FROM licenses
		WHERE created_at >= ? AND created_at < ?
	`, formatTime(from), formatTime(to)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum license revenue: %w", err)
	}
	return sum, nil
}

// AppendActivationEvent inserts one history entry.
func (s *Store) AppendActivationEvent(ctx context.Context, ev *models.ActivationEvent) error {
	return insertEvent(ctx, s.db, ev)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertEvent(ctx context.Context, q execer, ev *models.ActivationEvent) error {
	var licenseID sql.NullString
	if ev.LicenseID != nil {
		licenseID = sql.NullString{String: ev.LicenseID.String(), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO activation_events (
			id, license_id, product_key, action, reason,
			hardware_id, domain, ip_address, user_agent, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID.String(), licenseID, ev.ProductKey, string(ev.Action), toNullString(ev.Reason),
		toNullString(ev.HardwareID), toNullString(ev.Domain), toNullString(ev.IPAddress),
		toNullString(ev.UserAgent), ev.Details, formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("append activation event: %w", err)
	}
	return nil
}

// ListActivationEvents returns the newest history entries of a license first.
func (s *Store) ListActivationEvents(ctx context.Context, licenseID uuid.UUID, limit int) ([]*models.ActivationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, license_id, product_key, action, reason,
		       hardware_id, domain, ip_address, user_agent, details, created_at
		FROM activation_events
		WHERE license_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, licenseID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list activation events: %w", err)
	}
	defer rows.Close()

	var events []*models.ActivationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activation event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activation events: %w", err)
	}
	return events, nil
}

// CountActivationEventsByKey returns the number of history entries recorded for a product key.
func (s *Store) CountActivationEventsByKey(ctx context.Context, key string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activation_events WHERE product_key = ?", key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activation events: %w", err)
	}
	return n, nil
}

func scanEvent(r rowScanner) (*models.ActivationEvent, error) {
	var ev models.ActivationEvent
	var id, action, createdAt string
	var licenseID, reason, hardwareID, domain, ipAddress, userAgent sql.NullString

	if err := r.Scan(&id, &licenseID, &ev.ProductKey, &action, &reason,
		&hardwareID, &domain, &ipAddress, &userAgent, &ev.Details, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if ev.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse event id: %w", err)
	}
	if licenseID.Valid {
		lid, err := uuid.Parse(licenseID.String)
		if err != nil {
			return nil, fmt.Errorf("parse license id: %w", err)
		}
		ev.LicenseID = &lid
	}
	ev.Action = models.EventAction(action)
	ev.Reason = fromNullString(reason)
	ev.HardwareID = fromNullString(hardwareID)
	ev.Domain = fromNullString(domain)
	ev.IPAddress = fromNullString(ipAddress)
	ev.UserAgent = fromNullString(userAgent)
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

// findOrCreateCustomer returns the customer with c's email, inserting c if none exists.
func findOrCreateCustomer(ctx context.Context, q execer, c *models.Customer) (*models.Customer, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO customers (id, name, email, company, phone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO NOTHING
	`, c.ID.String(), c.Name, c.Email, c.Company, c.Phone, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert customer: %w", err)
	}

	out, err := scanCustomer(q.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE email = ?`, c.Email))
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return out, nil
}

const customerColumns = `id, name, email, company, phone, created_at, updated_at`

func scanCustomer(r rowScanner) (*models.Customer, error) {
	var c models.Customer
	var id, createdAt, updatedAt string
	if err := r.Scan(&id, &c.Name, &c.Email, &c.Company, &c.Phone, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse customer id: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCustomerByID returns a customer by ID.
// Returns nil if no customer exists.
func (s *Store) GetCustomerByID(ctx context.Context, id uuid.UUID) (*models.Customer, error) {
	c, err := scanCustomer(s.db.QueryRowContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// CountCustomers returns the number of customers.
func (s *Store) CountCustomers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM customers").Scan(&n); err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
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
