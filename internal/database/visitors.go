package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Visitor is a browser identified by cookie, falling back to fingerprint
type Visitor struct {
	ID                  int64          `json:"id"`
	TenantID            int64          `json:"tenant_id"`
	CookieID            string         `json:"cookie_id"`
	FingerprintHash     string         `json:"fingerprint_hash,omitempty"`
	DeviceType          string         `json:"device_type"`
	Browser             string         `json:"browser"`
	BrowserVersion      string         `json:"browser_version"`
	OS                  string         `json:"os"`
	OSVersion           string         `json:"os_version"`
	IdentifiedEmail     string         `json:"identified_email,omitempty"`
	IdentifiedPhone     string         `json:"identified_phone,omitempty"`
	IdentifiedName      string         `json:"identified_name,omitempty"`
	IdentifiedData      map[string]any `json:"identified_data,omitempty"`
	FirstUTMSource      string         `json:"first_utm_source,omitempty"`
	FirstUTMMedium      string         `json:"first_utm_medium,omitempty"`
	FirstUTMCampaign    string         `json:"first_utm_campaign,omitempty"`
	FirstUTMContent     string         `json:"first_utm_content,omitempty"`
	FirstUTMTerm        string         `json:"first_utm_term,omitempty"`
	FirstReferrer       string         `json:"first_referrer,omitempty"`
	VisitCount          int            `json:"visit_count"`
	PageviewCount       int            `json:"pageview_count"`
	FormSubmissionCount int            `json:"form_submission_count"`
	FirstSeenAt         time.Time      `json:"first_seen_at"`
	LastSeenAt          time.Time      `json:"last_seen_at"`
}

// UTM holds campaign attribution parameters
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

// VisitorInput carries what ingestion knows about a visitor
type VisitorInput struct {
	TenantID        int64
	CookieID        string
	FingerprintHash string
	DeviceType      string
	Browser         string
	BrowserVersion  string
	OS              string
	OSVersion       string
	UTM             UTM
	Referrer        string
}

const visitorColumns = `id, tenant_id, cookie_id, fingerprint_hash, device_type, browser, browser_version,
	os, os_version, identified_email, identified_phone, identified_name, identified_data,
	first_utm_source, first_utm_medium, first_utm_campaign, first_utm_content, first_utm_term, first_referrer,
	visit_count, pageview_count, form_submission_count, first_seen_at, last_seen_at`

func scanVisitor(row rowScanner) (*Visitor, error) {
	var v Visitor
	var data string
	var first, last int64
	err := row.Scan(&v.ID, &v.TenantID, &v.CookieID, &v.FingerprintHash, &v.DeviceType, &v.Browser, &v.BrowserVersion,
		&v.OS, &v.OSVersion, &v.IdentifiedEmail, &v.IdentifiedPhone, &v.IdentifiedName, &data,
		&v.FirstUTMSource, &v.FirstUTMMedium, &v.FirstUTMCampaign, &v.FirstUTMContent, &v.FirstUTMTerm, &v.FirstReferrer,
		&v.VisitCount, &v.PageviewCount, &v.FormSubmissionCount, &first, &last)
	if err != nil {
		return nil, err
	}
	if data != "" && data != "{}" {
		_ = json.Unmarshal([]byte(data), &v.IdentifiedData)
	}
	v.FirstSeenAt = fromMs(first)
	v.LastSeenAt = fromMs(last)
	return &v, nil
}

// FindOrCreateVisitor resolves the visitor by cookie, then by fingerprint
// (adopting the new cookie), and creates it otherwise. First-touch
// attribution is only written on creation.
func (db *DB) FindOrCreateVisitor(ctx context.Context, in VisitorInput) (*Visitor, error) {
	var v *Visitor
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		v, err = scanVisitor(tx.QueryRowContext(ctx,
			"SELECT "+visitorColumns+" FROM visitors WHERE tenant_id = ? AND cookie_id = ?",
			in.TenantID, in.CookieID))
		if err == nil {
			if v.FingerprintHash == "" && in.FingerprintHash != "" {
				v.FingerprintHash = in.FingerprintHash
				_, err = tx.ExecContext(ctx, "UPDATE visitors SET fingerprint_hash = ? WHERE id = ?", in.FingerprintHash, v.ID)
			}
			return err
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find visitor by cookie: %w", err)
		}

		if in.FingerprintHash != "" {
			v, err = scanVisitor(tx.QueryRowContext(ctx,
				"SELECT "+visitorColumns+" FROM visitors WHERE tenant_id = ? AND fingerprint_hash = ? ORDER BY last_seen_at DESC LIMIT 1",
				in.TenantID, in.FingerprintHash))
			if err == nil {
				v.CookieID = in.CookieID
				_, err = tx.ExecContext(ctx, "UPDATE visitors SET cookie_id = ? WHERE id = ?", in.CookieID, v.ID)
				return err
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("find visitor by fingerprint: %w", err)
			}
		}

		now := ms(time.Now())
		v, err = scanVisitor(tx.QueryRowContext(ctx, `
			INSERT INTO visitors (
				tenant_id, cookie_id, fingerprint_hash, device_type, browser, browser_version, os, os_version,
				first_utm_source, first_utm_medium, first_utm_campaign, first_utm_content, first_utm_term, first_referrer,
				visit_count, pageview_count, form_submission_count, first_seen_at, last_seen_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?, ?)
			RETURNING `+visitorColumns,
			in.TenantID, in.CookieID, in.FingerprintHash, in.DeviceType, in.Browser, in.BrowserVersion, in.OS, in.OSVersion,
			in.UTM.Source, in.UTM.Medium, in.UTM.Campaign, in.UTM.Content, in.UTM.Term, in.Referrer,
			now, now))
		if err != nil {
			return fmt.Errorf("create visitor: %w", err)
		}
		return nil
	})
	return v, err
}

// VisitorByCookie finds a visitor without creating one
func (db *DB) VisitorByCookie(ctx context.Context, tenantID int64, cookieID string) (*Visitor, error) {
	v, err := scanVisitor(db.conn.QueryRowContext(ctx,
		"SELECT "+visitorColumns+" FROM visitors WHERE tenant_id = ? AND cookie_id = ?", tenantID, cookieID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return v, err
}

// Identity is contact data attached to a visitor
type Identity struct {
	Email    string
	Phone    string
	Name     string
	UserData map[string]any
}

// IdentifyVisitor fills identity fields that are still empty and merges
// user data over what is stored.
func (db *DB) IdentifyVisitor(ctx context.Context, visitorID int64, id Identity) (*Visitor, error) {
	var v *Visitor
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		v, err = scanVisitor(tx.QueryRowContext(ctx, "SELECT "+visitorColumns+" FROM visitors WHERE id = ?", visitorID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if v.IdentifiedEmail == "" {
			v.IdentifiedEmail = id.Email
		}
		if v.IdentifiedPhone == "" {
			v.IdentifiedPhone = id.Phone
		}
		if v.IdentifiedName == "" {
			v.IdentifiedName = id.Name
		}
		if len(id.UserData) > 0 {
			if v.IdentifiedData == nil {
				v.IdentifiedData = map[string]any{}
			}
			for k, val := range id.UserData {
				v.IdentifiedData[k] = val
			}
		}

		data := []byte("{}")
		if len(v.IdentifiedData) > 0 {
			if data, err = json.Marshal(v.IdentifiedData); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE visitors SET identified_email = ?, identified_phone = ?, identified_name = ?, identified_data = ?
			WHERE id = ?
		`, v.IdentifiedEmail, v.IdentifiedPhone, v.IdentifiedName, string(data), v.ID)
		return err
	})
	return v, err
}

// TouchVisitor records activity. Counters named by field are incremented.
func (db *DB) TouchVisitor(ctx context.Context, visitorID int64, pageviews, forms int) error {
	_, err := db.exec(ctx, `
		UPDATE visitors SET
			pageview_count = pageview_count + ?,
			form_submission_count = form_submission_count + ?,
			last_seen_at = ?
		WHERE id = ?
	`, pageviews, forms, ms(time.Now()), visitorID)
	if err != nil {
		return fmt.Errorf("touch visitor: %w", err)
	}
	return nil
}

// MarkNewVisit increments the visit counter when the last activity is
// older than the session gap
func (db *DB) MarkNewVisit(ctx context.Context, visitorID int64, gap time.Duration) error {
	now := time.Now()
	_, err := db.exec(ctx, `
		UPDATE visitors SET visit_count = visit_count + 1
		WHERE id = ? AND last_seen_at < ?
	`, visitorID, ms(now.Add(-gap)))
	return err
}
