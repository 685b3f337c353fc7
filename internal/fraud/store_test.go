package fraud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yaat/clickshield/internal/reputation"
)

// memStore is an in-memory Store with the same guard and block semantics as
// the SQLite store
type memStore struct {
	mu         sync.Mutex
	signals    []Signal
	blocks     map[string]*Block
	scores     map[int64]int
	engagement map[int64]Engagement
	adClicks   [2]int
	nextID     int64
}

func newMemStore() *memStore {
	return &memStore{
		blocks:     map[string]*Block{},
		scores:     map[int64]int{},
		engagement: map[int64]Engagement{},
	}
}

func blockKey(tenantID int64, ip string) string {
	return fmt.Sprintf("%d|%s", tenantID, ip)
}

func (m *memStore) CountAdClicks(context.Context, int64, string, time.Time) (int, int, error) {
	return m.adClicks[0], m.adClicks[1], nil
}

func (m *memStore) HasSignalSince(_ context.Context, tenantID int64, ip string, kind SignalKind, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSignalSince(tenantID, ip, kind, since), nil
}

func (m *memStore) hasSignalSince(tenantID int64, ip string, kind SignalKind, since time.Time) bool {
	for _, s := range m.signals {
		if s.TenantID == tenantID && s.IP == ip && s.Kind == kind && !s.CreatedAt.Before(since) {
			return true
		}
	}
	return false
}

func (m *memStore) HasEventSignal(_ context.Context, eventID int64, kind SignalKind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasEventSignal(eventID, kind), nil
}

func (m *memStore) hasEventSignal(eventID int64, kind SignalKind) bool {
	for _, s := range m.signals {
		if s.EventID == eventID && s.Kind == kind {
			return true
		}
	}
	return false
}

func (m *memStore) EngagementFor(_ context.Context, eventID int64) (Engagement, error) {
	return m.engagement[eventID], nil
}

func (m *memStore) AppendSignal(_ context.Context, s *Signal, g Guard) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch g.Scope {
	case GuardWindow:
		if m.hasSignalSince(s.TenantID, s.IP, s.Kind, g.Since) {
			return false, nil
		}
	case GuardEvent:
		if m.hasEventSignal(s.EventID, s.Kind) {
			return false, nil
		}
	}
	m.nextID++
	s.ID = m.nextID
	m.signals = append(m.signals, *s)
	return true, nil
}

func (m *memStore) SumPoints(_ context.Context, tenantID int64, ip string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, s := range m.signals {
		if s.TenantID == tenantID && s.IP == ip && !s.CreatedAt.Before(since) {
			total += s.Points
		}
	}
	return total, nil
}

func (m *memStore) SaveEventScore(_ context.Context, eventID int64, score int, _ bool, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[eventID] = score
	return nil
}

func (m *memStore) UpsertBlock(_ context.Context, tenantID int64, ip string, score int, reason BlockReason, expiresAt *time.Time, now time.Time) (BlockChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[blockKey(tenantID, ip)]
	if !ok {
		b = &Block{
			ID: int64(len(m.blocks) + 1), TenantID: tenantID, IP: ip, FraudScore: score,
			Reason: reason, Active: true, ExpiresAt: expiresAt, CreatedAt: now, UpdatedAt: now,
		}
		m.blocks[blockKey(tenantID, ip)] = b
		return BlockChange{Block: *b, Created: true}, nil
	}
	reactivated := !b.Active
	b.Active = true
	b.FraudScore = score
	b.UpdatedAt = now
	if reason == ReasonManual {
		b.Reason = reason
		b.ExpiresAt = expiresAt
	}
	return BlockChange{Block: *b, Reactivated: reactivated}, nil
}

func (m *memStore) SetBlockActive(_ context.Context, tenantID int64, ip string, active bool, now time.Time) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[blockKey(tenantID, ip)]
	if !ok {
		return Block{}, ErrNotFound
	}
	b.Active = active
	b.UpdatedAt = now
	return *b, nil
}

func (m *memStore) IsBlocked(_ context.Context, tenantID int64, ip string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[blockKey(tenantID, ip)]
	return ok && b.Enforced(now), nil
}

func (m *memStore) kinds() []SignalKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SignalKind, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, s.Kind)
	}
	return out
}

type staticConfigs struct {
	cfg Config
}

func (s *staticConfigs) GetOrDefault(context.Context, int64) (Config, error) {
	return s.cfg, nil
}

type staticReputation struct {
	c       reputation.Classification
	lookups int
}

func (s *staticReputation) Lookup(context.Context, string) reputation.Classification {
	s.lookups++
	return s.c
}

type recordingNotifier struct {
	events []BlockEvent
}

func (r *recordingNotifier) PublishBlock(_ context.Context, ev BlockEvent) error {
	r.events = append(r.events, ev)
	return nil
}
