package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	nanoid "github.com/jaevor/go-nanoid"

	"github.com/yaat/clickshield/internal/fraud"
)

// ErrNotFound is shared with the fraud package so callers can match either
var ErrNotFound = fraud.ErrNotFound

const pixelCodeLength = 24

// Tenant is one tracked website
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	PixelCode string    `json:"pixel_code"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const tenantColumns = "id, name, domain, pixel_code, is_active, created_at, updated_at"

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var created, updated int64
	if err := row.Scan(&t.ID, &t.Name, &t.Domain, &t.PixelCode, &t.IsActive, &created, &updated); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMs(created)
	t.UpdatedAt = fromMs(updated)
	return &t, nil
}

// CreateTenant stores a tenant under a fresh random pixel code
func (db *DB) CreateTenant(ctx context.Context, name, domain string) (*Tenant, error) {
	generate, err := nanoid.Standard(pixelCodeLength)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	now := ms(time.Now())
	for attempt := 0; attempt < 3; attempt++ {
		row := db.conn.QueryRowContext(ctx, `
			INSERT INTO tenants (name, domain, pixel_code, is_active, created_at, updated_at)
			VALUES (?, ?, ?, 1, ?, ?)
			RETURNING `+tenantColumns,
			name, domain, generate(), now, now)
		t, err := scanTenant(row)
		if err == nil {
			return t, nil
		}
		if !strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("create tenant: %w", err)
		}
	}
	return nil, fmt.Errorf("create tenant: could not allocate a unique pixel code")
}

// TenantByPixelCode resolves an active tenant from its pixel code
func (db *DB) TenantByPixelCode(ctx context.Context, code string) (*Tenant, error) {
	t, err := scanTenant(db.conn.QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE pixel_code = ? AND is_active = 1", code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (db *DB) TenantByID(ctx context.Context, id int64) (*Tenant, error) {
	t, err := scanTenant(db.conn.QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (db *DB) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []*Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (db *DB) SetTenantActive(ctx context.Context, id int64, active bool) error {
	res, err := db.exec(ctx, "UPDATE tenants SET is_active = ?, updated_at = ? WHERE id = ?",
		boolInt(active), ms(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
