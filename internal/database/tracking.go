package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/yaat/clickshield/internal/fraud"
)

// Pageview is a page load reported by the pixel
type Pageview struct {
	ID           int64                `json:"id"`
	TenantID     int64                `json:"tenant_id"`
	VisitorID    int64                `json:"visitor_id"`
	URL          string               `json:"url"`
	Path         string               `json:"path"`
	Title        string               `json:"title,omitempty"`
	Referrer     string               `json:"referrer,omitempty"`
	UTM          UTM                  `json:"utm"`
	FBCLID       string               `json:"fbclid,omitempty"`
	GCLID        string               `json:"gclid,omitempty"`
	TTCLID       string               `json:"ttclid,omitempty"`
	MSCLKID      string               `json:"msclkid,omitempty"`
	ScreenWidth  *int                 `json:"screen_width,omitempty"`
	ScreenHeight *int                 `json:"screen_height,omitempty"`
	Viewport     string               `json:"viewport,omitempty"`
	IsMobile     bool                 `json:"is_mobile"`
	IP           string               `json:"ip_address"`
	UserAgent    string               `json:"user_agent"`
	BotSignals   *fraud.ClientSignals `json:"bot_signals,omitempty"`
	FraudScore   int                  `json:"fraud_score"`
	IsSuspicious bool                 `json:"is_suspicious"`
	AnalyzedAt   *time.Time           `json:"analyzed_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Event converts the pageview into the scoring engine's view
func (p *Pageview) Event() fraud.Event {
	return fraud.Event{
		ID:         p.ID,
		TenantID:   p.TenantID,
		VisitorID:  p.VisitorID,
		IP:         p.IP,
		UserAgent:  p.UserAgent,
		GCLID:      p.GCLID,
		BotSignals: p.BotSignals,
		CreatedAt:  p.CreatedAt,
	}
}

type Click struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	VisitorID    int64     `json:"visitor_id"`
	PageviewID   int64     `json:"pageview_id,omitempty"`
	ElementType  string    `json:"element_type"`
	ElementText  string    `json:"element_text"`
	ElementID    string    `json:"element_id"`
	ElementClass string    `json:"element_class"`
	ElementHref  string    `json:"element_href"`
	IsFormButton bool      `json:"is_form_button"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"created_at"`
}

type Engagement struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	VisitorID   int64     `json:"visitor_id"`
	PageviewID  int64     `json:"pageview_id,omitempty"`
	TimeOnPage  *int      `json:"time_on_page,omitempty"`
	ScrollDepth *int      `json:"scroll_depth,omitempty"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
}

// CustomEvent is a named event sent by the site
type CustomEvent struct {
	ID         int64          `json:"id"`
	TenantID   int64          `json:"tenant_id"`
	VisitorID  int64          `json:"visitor_id"`
	PageviewID int64          `json:"pageview_id,omitempty"`
	Name       string         `json:"event_name"`
	Data       map[string]any `json:"event_data,omitempty"`
	URL        string         `json:"url"`
	CreatedAt  time.Time      `json:"created_at"`
}

type FormSubmission struct {
	ID          int64          `json:"id"`
	TenantID    int64          `json:"tenant_id"`
	VisitorID   int64          `json:"visitor_id"`
	PageviewID  int64          `json:"pageview_id,omitempty"`
	FormID      string         `json:"form_id"`
	FormAction  string         `json:"form_action"`
	TriggerType string         `json:"trigger_type"`
	Fields      map[string]any `json:"fields"`
	Email       string         `json:"email,omitempty"`
	Phone       string         `json:"phone,omitempty"`
	FirstName   string         `json:"first_name,omitempty"`
	LastName    string         `json:"last_name,omitempty"`
	FullName    string         `json:"full_name,omitempty"`
	Company     string         `json:"company,omitempty"`
	StepNumber  *int           `json:"step_number,omitempty"`
	TotalSteps  *int           `json:"total_steps,omitempty"`
	StepLabel   string         `json:"step_label,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	PageURL     string         `json:"page_url"`
	IP          string         `json:"ip_address"`
	CreatedAt   time.Time      `json:"created_at"`
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// InsertPageview stores p and sets its ID
func (db *DB) InsertPageview(ctx context.Context, p *Pageview) error {
	var signals sql.NullString
	if p.BotSignals != nil {
		b, err := json.Marshal(p.BotSignals)
		if err != nil {
			return err
		}
		signals = sql.NullString{String: string(b), Valid: true}
	}

	res, err := db.exec(ctx, `
		INSERT INTO pageviews (
			tenant_id, visitor_id, url, path, title, referrer,
			utm_source, utm_medium, utm_campaign, utm_content, utm_term,
			fbclid, gclid, ttclid, msclkid,
			screen_width, screen_height, viewport, is_mobile,
			ip_address, user_agent, bot_signals, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.TenantID, p.VisitorID, p.URL, p.Path, p.Title, p.Referrer,
		p.UTM.Source, p.UTM.Medium, p.UTM.Campaign, p.UTM.Content, p.UTM.Term,
		nullString(p.FBCLID), nullString(p.GCLID), nullString(p.TTCLID), nullString(p.MSCLKID),
		nullInt(p.ScreenWidth), nullInt(p.ScreenHeight), p.Viewport, boolInt(p.IsMobile),
		p.IP, p.UserAgent, signals, ms(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert pageview: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

const pageviewColumns = `id, tenant_id, visitor_id, url, path, title, referrer,
	utm_source, utm_medium, utm_campaign, utm_content, utm_term,
	COALESCE(fbclid, ''), COALESCE(gclid, ''), COALESCE(ttclid, ''), COALESCE(msclkid, ''),
	screen_width, screen_height, viewport, is_mobile, ip_address, user_agent, bot_signals,
	fraud_score, is_suspicious, analyzed_at, created_at`

func scanPageview(row rowScanner) (*Pageview, error) {
	var p Pageview
	var width, height, analyzed sql.NullInt64
	var signals sql.NullString
	var created int64
	err := row.Scan(&p.ID, &p.TenantID, &p.VisitorID, &p.URL, &p.Path, &p.Title, &p.Referrer,
		&p.UTM.Source, &p.UTM.Medium, &p.UTM.Campaign, &p.UTM.Content, &p.UTM.Term,
		&p.FBCLID, &p.GCLID, &p.TTCLID, &p.MSCLKID,
		&width, &height, &p.Viewport, &p.IsMobile, &p.IP, &p.UserAgent, &signals,
		&p.FraudScore, &p.IsSuspicious, &analyzed, &created)
	if err != nil {
		return nil, err
	}
	p.ScreenWidth = intPtr(width)
	p.ScreenHeight = intPtr(height)
	p.AnalyzedAt = timePtr(analyzed)
	p.CreatedAt = fromMs(created)
	if signals.Valid && signals.String != "" {
		var cs fraud.ClientSignals
		if err := json.Unmarshal([]byte(signals.String), &cs); err == nil {
			p.BotSignals = &cs
		}
	}
	return &p, nil
}

// PageviewByID loads a pageview, returning ErrNotFound when it is gone
func (db *DB) PageviewByID(ctx context.Context, id int64) (*Pageview, error) {
	p, err := scanPageview(db.conn.QueryRowContext(ctx,
		"SELECT "+pageviewColumns+" FROM pageviews WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// LoadEvent loads a pageview as a scoring event
func (db *DB) LoadEvent(ctx context.Context, id int64) (fraud.Event, error) {
	p, err := db.PageviewByID(ctx, id)
	if err != nil {
		return fraud.Event{}, err
	}
	return p.Event(), nil
}

// LatestPageviewID returns the visitor's most recent pageview, or 0
func (db *DB) LatestPageviewID(ctx context.Context, visitorID int64) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		"SELECT id FROM pageviews WHERE visitor_id = ? ORDER BY created_at DESC, id DESC LIMIT 1",
		visitorID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// PageviewFilter narrows ListPageviews
type PageviewFilter struct {
	TenantID       int64
	IP             string
	SuspiciousOnly bool
	AdClicksOnly   bool
	Limit          int
	Offset         int
}

// ListPageviews returns pageviews newest first
func (db *DB) ListPageviews(ctx context.Context, f PageviewFilter) ([]*Pageview, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.IP != "" {
		where = append(where, "ip_address = ?")
		args = append(args, f.IP)
	}
	if f.SuspiciousOnly {
		where = append(where, "is_suspicious = 1")
	}
	if f.AdClicksOnly {
		where = append(where, "gclid IS NOT NULL AND gclid != ''")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	return db.queryPageviews(ctx, `
		SELECT `+pageviewColumns+` FROM pageviews
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, args...)
}

// ListUnanalyzed returns pageviews the deferred pass has not scored yet,
// created between since and until, oldest first
func (db *DB) ListUnanalyzed(ctx context.Context, since, until time.Time, limit int) ([]*Pageview, error) {
	if limit <= 0 {
		limit = 500
	}
	return db.queryPageviews(ctx, `
		SELECT `+pageviewColumns+` FROM pageviews
		WHERE analyzed_at IS NULL AND created_at >= ? AND created_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, ms(since), ms(until), limit)
}

// ListPageviewsBetween returns a tenant's pageviews in a time range, oldest
// first. A zero tenant selects every tenant.
func (db *DB) ListPageviewsBetween(ctx context.Context, tenantID int64, since, until time.Time, limit int) ([]*Pageview, error) {
	if limit <= 0 {
		limit = 10000
	}
	return db.queryPageviews(ctx, `
		SELECT `+pageviewColumns+` FROM pageviews
		WHERE (? = 0 OR tenant_id = ?) AND created_at >= ? AND created_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, tenantID, tenantID, ms(since), ms(until), limit)
}

func (db *DB) queryPageviews(ctx context.Context, query string, args ...any) ([]*Pageview, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pageviews: %w", err)
	}
	defer rows.Close()

	out := []*Pageview{}
	for rows.Next() {
		p, err := scanPageview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) InsertClick(ctx context.Context, c *Click) error {
	res, err := db.exec(ctx, `
		INSERT INTO clicks (
			tenant_id, visitor_id, pageview_id, element_type, element_text, element_id,
			element_class, element_href, is_form_button, url, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.TenantID, c.VisitorID, nullID(c.PageviewID), c.ElementType, c.ElementText, c.ElementID,
		c.ElementClass, c.ElementHref, boolInt(c.IsFormButton), c.URL, ms(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (db *DB) InsertEngagement(ctx context.Context, e *Engagement) error {
	res, err := db.exec(ctx, `
		INSERT INTO engagements (tenant_id, visitor_id, pageview_id, time_on_page, scroll_depth, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.VisitorID, nullID(e.PageviewID), nullInt(e.TimeOnPage), nullInt(e.ScrollDepth), e.URL, ms(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert engagement: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (db *DB) InsertCustomEvent(ctx context.Context, e *CustomEvent) error {
	var data sql.NullString
	if len(e.Data) > 0 {
		s, err := encodeJSON(e.Data)
		if err != nil {
			return err
		}
		data = sql.NullString{String: s, Valid: true}
	}
	res, err := db.exec(ctx, `
		INSERT INTO events (tenant_id, visitor_id, pageview_id, event_name, event_data, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.VisitorID, nullID(e.PageviewID), e.Name, data, e.URL, ms(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (db *DB) InsertFormSubmission(ctx context.Context, f *FormSubmission) error {
	fields, err := encodeJSON(f.Fields)
	if err != nil {
		return err
	}
	res, err := db.exec(ctx, `
		INSERT INTO form_submissions (
			tenant_id, visitor_id, pageview_id, form_id, form_action, trigger_type, fields,
			email, phone, first_name, last_name, full_name, company,
			step_number, total_steps, step_label, step_id, page_url, ip_address, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.TenantID, f.VisitorID, nullID(f.PageviewID), f.FormID, f.FormAction, f.TriggerType, fields,
		f.Email, f.Phone, f.FirstName, f.LastName, f.FullName, f.Company,
		nullInt(f.StepNumber), nullInt(f.TotalSteps), f.StepLabel, f.StepID, f.PageURL, f.IP, ms(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert form submission: %w", err)
	}
	f.ID, err = res.LastInsertId()
	return err
}

// PruneTracking deletes tracking rows created before cutoff
func (db *DB) PruneTracking(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"clicks", "engagements", "events", "form_submissions", "pageviews"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", ms(cutoff))
			if err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}
