package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yaat/clickshield/internal/fraud"
)

const blockColumns = `id, tenant_id, ip_address, fraud_score, block_reason, is_active,
	expires_at, synced_to_google_ads, synced_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (fraud.Block, error) {
	var b fraud.Block
	var reason string
	var expires, syncedAt sql.NullInt64
	var created, updated int64
	err := row.Scan(&b.ID, &b.TenantID, &b.IP, &b.FraudScore, &reason, &b.Active,
		&expires, &b.Synced, &syncedAt, &created, &updated)
	if err != nil {
		return b, err
	}
	b.Reason = fraud.BlockReason(reason)
	b.ExpiresAt = timePtr(expires)
	b.SyncedAt = timePtr(syncedAt)
	b.CreatedAt = fromMs(created)
	b.UpdatedAt = fromMs(updated)
	return b, nil
}

// UpsertBlock writes the single (tenant, ip) block row. The previous state
// is read in the same transaction so the caller learns whether the row was
// created or reactivated. A score change on an enforced row keeps its sync
// flag so it is not pushed twice. A row that was inactive or past its expiry
// is reactivated: the automatic path drops the stale expiry and either path
// clears the sync flag.
func (db *DB) UpsertBlock(ctx context.Context, tenantID int64, ip string, score int, reason fraud.BlockReason, expiresAt *time.Time, now time.Time) (fraud.BlockChange, error) {
	var change fraud.BlockChange

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var wasActive bool
		var prevExpiry sql.NullInt64
		err := tx.QueryRowContext(ctx,
			"SELECT is_active, expires_at FROM ip_blocks WHERE tenant_id = ? AND ip_address = ?",
			tenantID, ip).Scan(&wasActive, &prevExpiry)
		existed := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read block: %w", err)
		}
		enforced := wasActive && (!prevExpiry.Valid || prevExpiry.Int64 > ms(now))
		reactivated := existed && !enforced

		update := `fraud_score = excluded.fraud_score, is_active = 1, updated_at = excluded.updated_at`
		switch {
		case reason == fraud.ReasonManual:
			update += `, block_reason = excluded.block_reason, expires_at = excluded.expires_at`
		case reactivated:
			update += `, expires_at = NULL`
		}
		if reactivated {
			update += `, synced_to_google_ads = 0, synced_at = NULL`
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO ip_blocks (tenant_id, ip_address, fraud_score, block_reason, is_active, expires_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?)
			ON CONFLICT(tenant_id, ip_address) DO UPDATE SET `+update+`
			RETURNING `+blockColumns,
			tenantID, ip, score, string(reason), nullMs(expiresAt), ms(now), ms(now))
		b, err := scanBlock(row)
		if err != nil {
			return fmt.Errorf("upsert block: %w", err)
		}

		change = fraud.BlockChange{
			Block:       b,
			Created:     !existed,
			Reactivated: reactivated,
		}
		return nil
	})
	return change, err
}

// SetBlockActive toggles an existing block. Reactivation clears the sync
// flag so the next sync pushes the IP again.
func (db *DB) SetBlockActive(ctx context.Context, tenantID int64, ip string, active bool, now time.Time) (fraud.Block, error) {
	var b fraud.Block
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := "UPDATE ip_blocks SET is_active = ?, updated_at = ?"
		if active {
			query += ", synced_to_google_ads = 0, synced_at = NULL"
		}
		query += " WHERE tenant_id = ? AND ip_address = ? RETURNING " + blockColumns

		var err error
		b, err = scanBlock(tx.QueryRowContext(ctx, query, boolInt(active), ms(now), tenantID, ip))
		if errors.Is(err, sql.ErrNoRows) {
			return fraud.ErrNotFound
		}
		return err
	})
	return b, err
}

// IsBlocked reports whether an active, unexpired block exists
func (db *DB) IsBlocked(ctx context.Context, tenantID int64, ip string, now time.Time) (bool, error) {
	var blocked bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ip_blocks
			WHERE tenant_id = ? AND ip_address = ? AND is_active = 1
				AND (expires_at IS NULL OR expires_at > ?)
		)
	`, tenantID, ip, ms(now)).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return blocked, nil
}

// GetBlock loads the block row for (tenant, ip)
func (db *DB) GetBlock(ctx context.Context, tenantID int64, ip string) (fraud.Block, error) {
	b, err := scanBlock(db.conn.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM ip_blocks WHERE tenant_id = ? AND ip_address = ?", tenantID, ip))
	if errors.Is(err, sql.ErrNoRows) {
		return b, fraud.ErrNotFound
	}
	return b, err
}

// ListBlocks returns a tenant's blocks, newest first
func (db *DB) ListBlocks(ctx context.Context, tenantID int64, activeOnly bool) ([]fraud.Block, error) {
	query := "SELECT " + blockColumns + " FROM ip_blocks WHERE tenant_id = ?"
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY updated_at DESC"

	rows, err := db.conn.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	blocks := []fraud.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// DeactivateExpiredBlocks turns off active blocks whose expiry has passed
func (db *DB) DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.exec(ctx, `
		UPDATE ip_blocks SET is_active = 0, updated_at = ?
		WHERE is_active = 1 AND expires_at IS NOT NULL AND expires_at <= ?
	`, ms(now), ms(now))
	if err != nil {
		return 0, fmt.Errorf("deactivate expired blocks: %w", err)
	}
	return res.RowsAffected()
}

// UnsyncedBlockIPs lists enforced IPs not yet pushed to the ad platform
func (db *DB) UnsyncedBlockIPs(ctx context.Context, tenantID int64, now time.Time) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT ip_address FROM ip_blocks
		WHERE tenant_id = ? AND is_active = 1 AND synced_to_google_ads = 0
			AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at
	`, tenantID, ms(now))
	if err != nil {
		return nil, fmt.Errorf("list unsynced blocks: %w", err)
	}
	defer rows.Close()

	ips := []string{}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// MarkBlocksSynced flags the given IPs as pushed
func (db *DB) MarkBlocksSynced(ctx context.Context, tenantID int64, ips []string, now time.Time) error {
	if len(ips) == 0 {
		return nil
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE ip_blocks SET synced_to_google_ads = 1, synced_at = ?, updated_at = ?
			WHERE tenant_id = ? AND ip_address = ?
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ip := range ips {
			if _, err := stmt.ExecContext(ctx, ms(now), ms(now), tenantID, ip); err != nil {
				return fmt.Errorf("mark %s synced: %w", ip, err)
			}
		}
		return nil
	})
}
