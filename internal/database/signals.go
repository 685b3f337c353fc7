package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yaat/clickshield/internal/fraud"
)

// AppendSignal inserts s unless the guard matches an existing signal. The
// existence check is part of the INSERT statement.
func (db *DB) AppendSignal(ctx context.Context, s *fraud.Signal, g fraud.Guard) (bool, error) {
	evidence := []byte("{}")
	if s.Evidence != nil {
		var err error
		if evidence, err = fraud.EncodeEvidence(s.Evidence); err != nil {
			return false, err
		}
	}

	query := `
		INSERT INTO fraud_signals (
			tenant_id, visitor_id, pageview_id, ip_address, signal_type,
			score_points, reason, evidence, gclid, created_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`
	args := []any{
		s.TenantID, nullID(s.VisitorID), nullID(s.EventID), s.IP, string(s.Kind),
		s.Points, s.Reason, string(evidence), nullString(s.GCLID), ms(s.CreatedAt),
	}

	switch g.Scope {
	case fraud.GuardWindow:
		query += `
		WHERE NOT EXISTS (
			SELECT 1 FROM fraud_signals
			WHERE tenant_id = ? AND ip_address = ? AND signal_type = ? AND created_at >= ?
		)`
		args = append(args, s.TenantID, s.IP, string(s.Kind), ms(g.Since))
	case fraud.GuardEvent:
		if s.EventID == 0 {
			return false, fmt.Errorf("event guard without event id")
		}
		query += `
		WHERE NOT EXISTS (
			SELECT 1 FROM fraud_signals WHERE pageview_id = ? AND signal_type = ?
		)`
		args = append(args, s.EventID, string(s.Kind))
	}

	res, err := db.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert fraud signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return true, err
	}
	return true, nil
}

// SumPoints totals signal points for (tenant, ip) at or after since
func (db *DB) SumPoints(ctx context.Context, tenantID int64, ip string, since time.Time) (int, error) {
	var total int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(score_points), 0) FROM fraud_signals
		WHERE tenant_id = ? AND ip_address = ? AND created_at >= ?
	`, tenantID, ip, ms(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum fraud points: %w", err)
	}
	return total, nil
}

func (db *DB) CountAdClicks(ctx context.Context, tenantID int64, ip string, since time.Time) (int, int, error) {
	var total, unique int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT gclid) FROM pageviews
		WHERE tenant_id = ? AND ip_address = ? AND gclid IS NOT NULL AND gclid != '' AND created_at >= ?
	`, tenantID, ip, ms(since)).Scan(&total, &unique)
	if err != nil {
		return 0, 0, fmt.Errorf("count ad clicks: %w", err)
	}
	return total, unique, nil
}

func (db *DB) HasSignalSince(ctx context.Context, tenantID int64, ip string, kind fraud.SignalKind, since time.Time) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM fraud_signals
			WHERE tenant_id = ? AND ip_address = ? AND signal_type = ? AND created_at >= ?
		)
	`, tenantID, ip, string(kind), ms(since)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fraud signal: %w", err)
	}
	return exists, nil
}

func (db *DB) HasEventSignal(ctx context.Context, eventID int64, kind fraud.SignalKind) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM fraud_signals WHERE pageview_id = ? AND signal_type = ?)
	`, eventID, string(kind)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event signal: %w", err)
	}
	return exists, nil
}

// EngagementFor takes the best engagement report for the event. Missing
// telemetry reads as zero.
func (db *DB) EngagementFor(ctx context.Context, eventID int64) (fraud.Engagement, error) {
	var e fraud.Engagement
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT MAX(time_on_page) FROM engagements WHERE pageview_id = ?), 0),
			COALESCE((SELECT MAX(scroll_depth) FROM engagements WHERE pageview_id = ?), 0),
			(SELECT COUNT(*) FROM clicks WHERE pageview_id = ?)
	`, eventID, eventID, eventID).Scan(&e.TimeOnPage, &e.ScrollDepth, &e.Clicks)
	if err != nil {
		return e, fmt.Errorf("load engagement: %w", err)
	}
	return e, nil
}

func (db *DB) SaveEventScore(ctx context.Context, eventID int64, score int, suspicious bool, analyzedAt time.Time) error {
	_, err := db.exec(ctx, `
		UPDATE pageviews SET fraud_score = ?, is_suspicious = ?, analyzed_at = ? WHERE id = ?
	`, score, boolInt(suspicious), ms(analyzedAt), eventID)
	if err != nil {
		return fmt.Errorf("save event score: %w", err)
	}
	return nil
}

// SignalFilter narrows ListSignals
type SignalFilter struct {
	TenantID int64
	IP       string
	Kind     fraud.SignalKind
	Since    *time.Time
	Limit    int
	Offset   int
}

// ListSignals returns signals newest first
func (db *DB) ListSignals(ctx context.Context, f SignalFilter) ([]fraud.Signal, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.IP != "" {
		where = append(where, "ip_address = ?")
		args = append(args, f.IP)
	}
	if f.Kind != "" {
		where = append(where, "signal_type = ?")
		args = append(args, string(f.Kind))
	}
	if f.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, ms(*f.Since))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, tenant_id, COALESCE(visitor_id, 0), COALESCE(pageview_id, 0), ip_address,
			signal_type, score_points, reason, evidence, COALESCE(gclid, ''), created_at
		FROM fraud_signals
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list fraud signals: %w", err)
	}
	defer rows.Close()

	signals := []fraud.Signal{}
	for rows.Next() {
		var s fraud.Signal
		var kind, evidence string
		var created int64
		if err := rows.Scan(&s.ID, &s.TenantID, &s.VisitorID, &s.EventID, &s.IP,
			&kind, &s.Points, &s.Reason, &evidence, &s.GCLID, &created); err != nil {
			return nil, err
		}
		s.Kind = fraud.SignalKind(kind)
		s.CreatedAt = fromMs(created)
		if ev, err := fraud.DecodeEvidence(s.Kind, []byte(evidence)); err == nil {
			s.Evidence = ev
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// PruneSignals deletes signals created before cutoff
func (db *DB) PruneSignals(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.exec(ctx, "DELETE FROM fraud_signals WHERE created_at < ?", ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune fraud signals: %w", err)
	}
	return res.RowsAffected()
}
