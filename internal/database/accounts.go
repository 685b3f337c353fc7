package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yaat/clickshield/internal/adsync"
)

const accountColumns = `id, tenant_id, customer_id, account_name, manager_customer_id,
	access_token, refresh_token, token_expires_at, auto_sync_enabled, is_active,
	last_synced_at, last_sync_status, last_sync_error, created_at, updated_at`

func scanAccount(row rowScanner) (adsync.Account, error) {
	var a adsync.Account
	var expires, synced sql.NullInt64
	var created, updated int64
	err := row.Scan(&a.ID, &a.TenantID, &a.CustomerID, &a.Name, &a.ManagerCustomerID,
		&a.AccessToken, &a.RefreshToken, &expires, &a.AutoSync, &a.Active,
		&synced, &a.LastSyncStatus, &a.LastSyncError, &created, &updated)
	if err != nil {
		return a, err
	}
	a.TokenExpiresAt = timePtr(expires)
	a.LastSyncedAt = timePtr(synced)
	a.CreatedAt = fromMs(created)
	a.UpdatedAt = fromMs(updated)
	return a, nil
}

func (db *DB) queryAccounts(ctx context.Context, query string, args ...any) ([]adsync.Account, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []adsync.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListSyncAccounts returns active accounts with auto-sync enabled. The
// result is fully read before returning so callers may query while
// iterating it.
func (db *DB) ListSyncAccounts(ctx context.Context, tenantID *int64) ([]adsync.Account, error) {
	query := "SELECT " + accountColumns + " FROM google_ads_accounts WHERE is_active = 1 AND auto_sync_enabled = 1"
	args := []any{}
	if tenantID != nil {
		query += " AND tenant_id = ?"
		args = append(args, *tenantID)
	}
	return db.queryAccounts(ctx, query+" ORDER BY id", args...)
}

// ListAccounts returns every account of a tenant
func (db *DB) ListAccounts(ctx context.Context, tenantID int64) ([]adsync.Account, error) {
	return db.queryAccounts(ctx,
		"SELECT "+accountColumns+" FROM google_ads_accounts WHERE tenant_id = ? ORDER BY id", tenantID)
}

func (db *DB) AccountByID(ctx context.Context, id int64) (adsync.Account, error) {
	a, err := scanAccount(db.conn.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM google_ads_accounts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, adsync.ErrNotFound
	}
	return a, err
}

// SaveAccount connects an account, replacing the tokens of an existing
// (tenant, customer) row and reactivating it
func (db *DB) SaveAccount(ctx context.Context, a adsync.Account) (adsync.Account, error) {
	now := ms(time.Now())
	var saved adsync.Account
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		saved, err = scanAccount(tx.QueryRowContext(ctx, `
			INSERT INTO google_ads_accounts (
				tenant_id, customer_id, account_name, manager_customer_id,
				access_token, refresh_token, token_expires_at, auto_sync_enabled, is_active,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(tenant_id, customer_id) DO UPDATE SET
				account_name = excluded.account_name,
				manager_customer_id = excluded.manager_customer_id,
				access_token = excluded.access_token,
				refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE refresh_token END,
				token_expires_at = excluded.token_expires_at,
				is_active = 1,
				updated_at = excluded.updated_at
			RETURNING `+accountColumns,
			a.TenantID, a.CustomerID, a.Name, a.ManagerCustomerID,
			a.AccessToken, a.RefreshToken, nullMs(a.TokenExpiresAt), boolInt(a.AutoSync),
			now, now))
		return err
	})
	if err != nil {
		return saved, fmt.Errorf("save account: %w", err)
	}
	return saved, nil
}

// SaveTokens stores refreshed credentials. An empty refresh token keeps
// the stored one.
func (db *DB) SaveTokens(ctx context.Context, accountID int64, t adsync.Tokens) error {
	_, err := db.exec(ctx, `
		UPDATE google_ads_accounts SET
			access_token = ?,
			refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
			token_expires_at = ?,
			updated_at = ?
		WHERE id = ?
	`, t.AccessToken, t.RefreshToken, t.RefreshToken, nullMs(t.ExpiresAt), ms(time.Now()), accountID)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// RecordSyncResult stores the outcome of a sync attempt
func (db *DB) RecordSyncResult(ctx context.Context, accountID int64, status, message string, at time.Time) error {
	_, err := db.exec(ctx, `
		UPDATE google_ads_accounts SET last_synced_at = ?, last_sync_status = ?, last_sync_error = ?, updated_at = ?
		WHERE id = ?
	`, ms(at), status, message, ms(at), accountID)
	if err != nil {
		return fmt.Errorf("record sync result: %w", err)
	}
	return nil
}

// UpdateAccountFlags toggles auto-sync and the active flag
func (db *DB) UpdateAccountFlags(ctx context.Context, accountID int64, autoSync, active bool) error {
	res, err := db.exec(ctx, `
		UPDATE google_ads_accounts SET auto_sync_enabled = ?, is_active = ?, updated_at = ? WHERE id = ?
	`, boolInt(autoSync), boolInt(active), ms(time.Now()), accountID)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return adsync.ErrNotFound
	}
	return nil
}
