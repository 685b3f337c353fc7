package database

import (
	"fmt"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT UNIQUE NOT NULL,
				password_hash TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT 'viewer',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS tenants (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				domain TEXT NOT NULL DEFAULT '',
				pixel_code TEXT UNIQUE NOT NULL,
				is_active INTEGER NOT NULL DEFAULT 1,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(is_active);
		`,
	},
	{
		version: 2,
		sql: `
			-- Tracking data written by the pixel endpoints
			CREATE TABLE IF NOT EXISTS visitors (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				cookie_id TEXT NOT NULL,
				fingerprint_hash TEXT NOT NULL DEFAULT '',
				device_type TEXT NOT NULL DEFAULT '',
				browser TEXT NOT NULL DEFAULT '',
				browser_version TEXT NOT NULL DEFAULT '',
				os TEXT NOT NULL DEFAULT '',
				os_version TEXT NOT NULL DEFAULT '',
				identified_email TEXT NOT NULL DEFAULT '',
				identified_phone TEXT NOT NULL DEFAULT '',
				identified_name TEXT NOT NULL DEFAULT '',
				identified_data TEXT NOT NULL DEFAULT '{}',
				first_utm_source TEXT NOT NULL DEFAULT '',
				first_utm_medium TEXT NOT NULL DEFAULT '',
				first_utm_campaign TEXT NOT NULL DEFAULT '',
				first_utm_content TEXT NOT NULL DEFAULT '',
				first_utm_term TEXT NOT NULL DEFAULT '',
				first_referrer TEXT NOT NULL DEFAULT '',
				visit_count INTEGER NOT NULL DEFAULT 1,
				pageview_count INTEGER NOT NULL DEFAULT 0,
				form_submission_count INTEGER NOT NULL DEFAULT 0,
				first_seen_at INTEGER NOT NULL,
				last_seen_at INTEGER NOT NULL,
				UNIQUE(tenant_id, cookie_id)
			);
			CREATE INDEX IF NOT EXISTS idx_visitors_fingerprint ON visitors(tenant_id, fingerprint_hash);

			CREATE TABLE IF NOT EXISTS pageviews (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				visitor_id INTEGER NOT NULL REFERENCES visitors(id) ON DELETE CASCADE,
				url TEXT NOT NULL,
				path TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				referrer TEXT NOT NULL DEFAULT '',
				utm_source TEXT NOT NULL DEFAULT '',
				utm_medium TEXT NOT NULL DEFAULT '',
				utm_campaign TEXT NOT NULL DEFAULT '',
				utm_content TEXT NOT NULL DEFAULT '',
				utm_term TEXT NOT NULL DEFAULT '',
				fbclid TEXT,
				gclid TEXT,
				ttclid TEXT,
				msclkid TEXT,
				screen_width INTEGER,
				screen_height INTEGER,
				viewport TEXT NOT NULL DEFAULT '',
				is_mobile INTEGER NOT NULL DEFAULT 0,
				ip_address TEXT NOT NULL DEFAULT '',
				user_agent TEXT NOT NULL DEFAULT '',
				bot_signals TEXT,
				fraud_score INTEGER NOT NULL DEFAULT 0,
				is_suspicious INTEGER NOT NULL DEFAULT 0,
				analyzed_at INTEGER,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_pageviews_ip ON pageviews(tenant_id, ip_address, created_at);
			CREATE INDEX IF NOT EXISTS idx_pageviews_suspicious ON pageviews(tenant_id, is_suspicious);
			CREATE INDEX IF NOT EXISTS idx_pageviews_visitor ON pageviews(visitor_id, created_at);
			CREATE INDEX IF NOT EXISTS idx_pageviews_pending ON pageviews(analyzed_at, created_at);

			CREATE TABLE IF NOT EXISTS clicks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				visitor_id INTEGER NOT NULL REFERENCES visitors(id) ON DELETE CASCADE,
				pageview_id INTEGER REFERENCES pageviews(id) ON DELETE SET NULL,
				element_type TEXT NOT NULL DEFAULT '',
				element_text TEXT NOT NULL DEFAULT '',
				element_id TEXT NOT NULL DEFAULT '',
				element_class TEXT NOT NULL DEFAULT '',
				element_href TEXT NOT NULL DEFAULT '',
				is_form_button INTEGER NOT NULL DEFAULT 0,
				url TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_clicks_pageview ON clicks(pageview_id);

			CREATE TABLE IF NOT EXISTS engagements (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				visitor_id INTEGER NOT NULL REFERENCES visitors(id) ON DELETE CASCADE,
				pageview_id INTEGER REFERENCES pageviews(id) ON DELETE SET NULL,
				time_on_page INTEGER,
				scroll_depth INTEGER,
				url TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_engagements_pageview ON engagements(pageview_id);

			CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				visitor_id INTEGER NOT NULL REFERENCES visitors(id) ON DELETE CASCADE,
				pageview_id INTEGER REFERENCES pageviews(id) ON DELETE SET NULL,
				event_name TEXT NOT NULL,
				event_data TEXT,
				url TEXT NOT NULL,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant_id, created_at);

			CREATE TABLE IF NOT EXISTS form_submissions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				visitor_id INTEGER NOT NULL REFERENCES visitors(id) ON DELETE CASCADE,
				pageview_id INTEGER REFERENCES pageviews(id) ON DELETE SET NULL,
				form_id TEXT NOT NULL DEFAULT '',
				form_action TEXT NOT NULL DEFAULT '',
				trigger_type TEXT NOT NULL DEFAULT '',
				fields TEXT NOT NULL DEFAULT '{}',
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				first_name TEXT NOT NULL DEFAULT '',
				last_name TEXT NOT NULL DEFAULT '',
				full_name TEXT NOT NULL DEFAULT '',
				company TEXT NOT NULL DEFAULT '',
				step_number INTEGER,
				total_steps INTEGER,
				step_label TEXT NOT NULL DEFAULT '',
				step_id TEXT NOT NULL DEFAULT '',
				page_url TEXT NOT NULL,
				ip_address TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_form_submissions_tenant ON form_submissions(tenant_id, created_at);
		`,
	},
	{
		version: 3,
		sql: `
			-- Fraud scoring state
			CREATE TABLE IF NOT EXISTS fraud_signals (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				visitor_id INTEGER REFERENCES visitors(id) ON DELETE SET NULL,
				pageview_id INTEGER REFERENCES pageviews(id) ON DELETE SET NULL,
				ip_address TEXT NOT NULL,
				signal_type TEXT NOT NULL,
				score_points INTEGER NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				evidence TEXT NOT NULL DEFAULT '{}',
				gclid TEXT,
				created_at INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_fraud_signals_ip ON fraud_signals(tenant_id, ip_address, created_at);
			CREATE INDEX IF NOT EXISTS idx_fraud_signals_kind ON fraud_signals(tenant_id, signal_type, created_at);
			CREATE INDEX IF NOT EXISTS idx_fraud_signals_pageview ON fraud_signals(pageview_id, signal_type);
			CREATE INDEX IF NOT EXISTS idx_fraud_signals_created ON fraud_signals(created_at);

			CREATE TABLE IF NOT EXISTS ip_blocks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				ip_address TEXT NOT NULL,
				fraud_score INTEGER NOT NULL DEFAULT 0,
				block_reason TEXT NOT NULL DEFAULT 'auto',
				is_active INTEGER NOT NULL DEFAULT 1,
				expires_at INTEGER,
				synced_to_google_ads INTEGER NOT NULL DEFAULT 0,
				synced_at INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				UNIQUE(tenant_id, ip_address)
			);
			CREATE INDEX IF NOT EXISTS idx_ip_blocks_sync ON ip_blocks(tenant_id, is_active, synced_to_google_ads);
			CREATE INDEX IF NOT EXISTS idx_ip_blocks_expiry ON ip_blocks(is_active, expires_at);

			CREATE TABLE IF NOT EXISTS fraud_settings (
				tenant_id INTEGER PRIMARY KEY REFERENCES tenants(id) ON DELETE CASCADE,
				block_threshold INTEGER NOT NULL,
				score_window_hours INTEGER NOT NULL,
				auto_block_enabled INTEGER NOT NULL,
				rapid_clicks_enabled INTEGER NOT NULL,
				rapid_clicks_points INTEGER NOT NULL,
				rapid_clicks_count INTEGER NOT NULL,
				rapid_clicks_window_seconds INTEGER NOT NULL,
				bot_detection_enabled INTEGER NOT NULL,
				bot_detection_points INTEGER NOT NULL,
				low_engagement_enabled INTEGER NOT NULL,
				low_engagement_points INTEGER NOT NULL,
				low_engagement_min_time_seconds INTEGER NOT NULL,
				low_engagement_min_scroll_depth INTEGER NOT NULL,
				datacenter_ip_enabled INTEGER NOT NULL,
				datacenter_ip_points INTEGER NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
		`,
	},
	{
		version: 4,
		sql: `
			-- Ad platform accounts receiving IP exclusions
			CREATE TABLE IF NOT EXISTS google_ads_accounts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tenant_id INTEGER NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
				customer_id TEXT NOT NULL,
				account_name TEXT NOT NULL DEFAULT '',
				manager_customer_id TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expires_at INTEGER,
				auto_sync_enabled INTEGER NOT NULL DEFAULT 1,
				is_active INTEGER NOT NULL DEFAULT 1,
				last_synced_at INTEGER,
				last_sync_status TEXT NOT NULL DEFAULT '',
				last_sync_error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				UNIQUE(tenant_id, customer_id)
			);
			CREATE INDEX IF NOT EXISTS idx_google_ads_accounts_sync ON google_ads_accounts(is_active, auto_sync_enabled);
		`,
	},
}

// Migrate applies pending migrations in order
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version, applied_at) VALUES (?, strftime('%s', 'now') * 1000)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}
