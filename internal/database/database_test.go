package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaat/clickshield/internal/adsync"
	"github.com/yaat/clickshield/internal/fraud"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func newTenant(t *testing.T, db *DB) *Tenant {
	t.Helper()
	tenant, err := db.CreateTenant(context.Background(), "Shop", "shop.example.com")
	require.NoError(t, err)
	return tenant
}

func newPageview(t *testing.T, db *DB, tenantID int64, ip, gclid string, at time.Time) *Pageview {
	t.Helper()
	ctx := context.Background()
	v, err := db.FindOrCreateVisitor(ctx, VisitorInput{TenantID: tenantID, CookieID: "c-" + ip})
	require.NoError(t, err)
	pv := &Pageview{
		TenantID:  tenantID,
		VisitorID: v.ID,
		URL:       "https://shop.example.com/",
		Path:      "/",
		IP:        ip,
		UserAgent: "Mozilla/5.0",
		GCLID:     gclid,
		CreatedAt: at,
	}
	require.NoError(t, db.InsertPageview(ctx, pv))
	return pv
}

func intp(v int) *int { return &v }

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Migrate())
}

func TestTenants(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newTenant(t, db)
	b := newTenant(t, db)
	assert.Len(t, a.PixelCode, pixelCodeLength)
	assert.NotEqual(t, a.PixelCode, b.PixelCode)
	assert.True(t, a.IsActive)

	got, err := db.TenantByPixelCode(ctx, a.PixelCode)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	require.NoError(t, db.SetTenantActive(ctx, a.ID, false))
	_, err = db.TenantByPixelCode(ctx, a.PixelCode)
	assert.ErrorIs(t, err, ErrNotFound, "disabled tenants stop resolving")

	byID, err := db.TenantByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, byID.IsActive)

	assert.ErrorIs(t, db.SetTenantActive(ctx, 999, true), ErrNotFound)
	_, err = db.TenantByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := db.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestUpsertBlockLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()

	change, err := db.UpsertBlock(ctx, tenant.ID, "8.8.8.8", 120, fraud.ReasonAuto, nil, now)
	require.NoError(t, err)
	assert.True(t, change.Created)
	assert.False(t, change.Reactivated)
	assert.True(t, change.Block.Active)

	change, err = db.UpsertBlock(ctx, tenant.ID, "8.8.8.8", 150, fraud.ReasonAuto, nil, now)
	require.NoError(t, err)
	assert.False(t, change.Created)
	assert.False(t, change.Reactivated)
	assert.Equal(t, 150, change.Block.FraudScore)

	_, err = db.SetBlockActive(ctx, tenant.ID, "8.8.8.8", false, now)
	require.NoError(t, err)
	blocked, err := db.IsBlocked(ctx, tenant.ID, "8.8.8.8", now)
	require.NoError(t, err)
	assert.False(t, blocked)

	change, err = db.UpsertBlock(ctx, tenant.ID, "8.8.8.8", 110, fraud.ReasonAuto, nil, now)
	require.NoError(t, err)
	assert.True(t, change.Reactivated)

	blocks, err := db.ListBlocks(ctx, tenant.ID, false)
	require.NoError(t, err)
	assert.Len(t, blocks, 1, "one row per (tenant, ip)")

	_, err = db.SetBlockActive(ctx, tenant.ID, "1.1.1.1", true, now)
	assert.ErrorIs(t, err, fraud.ErrNotFound)
}

func TestManualBlockExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()
	expires := now.Add(time.Hour)

	change, err := db.UpsertBlock(ctx, tenant.ID, "9.9.9.9", 0, fraud.ReasonManual, &expires, now)
	require.NoError(t, err)
	assert.Equal(t, fraud.ReasonManual, change.Block.Reason)
	require.NotNil(t, change.Block.ExpiresAt)

	blocked, err := db.IsBlocked(ctx, tenant.ID, "9.9.9.9", now)
	require.NoError(t, err)
	assert.True(t, blocked)
	blocked, err = db.IsBlocked(ctx, tenant.ID, "9.9.9.9", expires.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, blocked, "expired blocks are not enforced")

	n, err := db.DeactivateExpiredBlocks(ctx, expires.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	b, err := db.GetBlock(ctx, tenant.ID, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, b.Active)
}

func TestBlockSyncFlags(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()

	for _, ip := range []string{"8.8.8.8", "8.8.4.4"} {
		_, err := db.UpsertBlock(ctx, tenant.ID, ip, 100, fraud.ReasonAuto, nil, now)
		require.NoError(t, err)
	}

	ips, err := db.UnsyncedBlockIPs(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"8.8.8.8", "8.8.4.4"}, ips)

	require.NoError(t, db.MarkBlocksSynced(ctx, tenant.ID, ips, now))
	ips, err = db.UnsyncedBlockIPs(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.Empty(t, ips)

	// a rescore keeps the flag
	_, err = db.UpsertBlock(ctx, tenant.ID, "8.8.8.8", 130, fraud.ReasonAuto, nil, now)
	require.NoError(t, err)
	ips, err = db.UnsyncedBlockIPs(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.Empty(t, ips)

	// reactivation clears it
	_, err = db.SetBlockActive(ctx, tenant.ID, "8.8.4.4", false, now)
	require.NoError(t, err)
	b, err := db.SetBlockActive(ctx, tenant.ID, "8.8.4.4", true, now)
	require.NoError(t, err)
	assert.False(t, b.Synced)
	assert.Nil(t, b.SyncedAt)

	ips, err = db.UnsyncedBlockIPs(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"8.8.4.4"}, ips)
}

func TestAppendSignalGuards(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()
	pv := newPageview(t, db, tenant.ID, "8.8.8.8", "g1", now)

	window := func() *fraud.Signal {
		return &fraud.Signal{
			TenantID:  tenant.ID,
			VisitorID: pv.VisitorID,
			EventID:   pv.ID,
			IP:        "8.8.8.8",
			Kind:      fraud.KindRapidClicks,
			Points:    30,
			Evidence:  fraud.RapidClicksEvidence{GCLIDCount: 3, UniqueGCLIDs: 3, WindowSeconds: 60, Threshold: 3},
			CreatedAt: now,
		}
	}

	s := window()
	added, err := db.AppendSignal(ctx, s, fraud.Guard{Scope: fraud.GuardWindow, Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotZero(t, s.ID)

	added, err = db.AppendSignal(ctx, window(), fraud.Guard{Scope: fraud.GuardWindow, Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	assert.False(t, added, "second signal inside the window is skipped")

	added, err = db.AppendSignal(ctx, window(), fraud.Guard{Scope: fraud.GuardWindow, Since: now.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, added, "a window starting after the old signal allows a new one")

	low := &fraud.Signal{TenantID: tenant.ID, EventID: pv.ID, IP: "8.8.8.8", Kind: fraud.KindLowEngagement, Points: 20, CreatedAt: now}
	added, err = db.AppendSignal(ctx, low, fraud.Guard{Scope: fraud.GuardEvent})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = db.AppendSignal(ctx, low, fraud.Guard{Scope: fraud.GuardEvent})
	require.NoError(t, err)
	assert.False(t, added)

	has, err := db.HasEventSignal(ctx, pv.ID, fraud.KindLowEngagement)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = db.AppendSignal(ctx, &fraud.Signal{TenantID: tenant.ID, IP: "8.8.8.8", Kind: fraud.KindLowEngagement},
		fraud.Guard{Scope: fraud.GuardEvent})
	assert.Error(t, err)

	total, err := db.SumPoints(ctx, tenant.ID, "8.8.8.8", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 80, total)

	signals, err := db.ListSignals(ctx, SignalFilter{TenantID: tenant.ID, Kind: fraud.KindRapidClicks})
	require.NoError(t, err)
	require.Len(t, signals, 2)
	ev, ok := signals[0].Evidence.(fraud.RapidClicksEvidence)
	require.True(t, ok)
	assert.Equal(t, 3, ev.GCLIDCount)

	n, err := db.PruneSignals(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAdClicksAndEngagement(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()

	newPageview(t, db, tenant.ID, "8.8.8.8", "g1", now)
	newPageview(t, db, tenant.ID, "8.8.8.8", "g1", now)
	newPageview(t, db, tenant.ID, "8.8.8.8", "g2", now)
	pv := newPageview(t, db, tenant.ID, "8.8.8.8", "", now)

	total, unique, err := db.CountAdClicks(ctx, tenant.ID, "8.8.8.8", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, unique)

	e, err := db.EngagementFor(ctx, pv.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.Engagement{}, e, "missing telemetry reads as zero")

	require.NoError(t, db.InsertEngagement(ctx, &Engagement{TenantID: tenant.ID, VisitorID: pv.VisitorID, PageviewID: pv.ID, TimeOnPage: intp(4), ScrollDepth: intp(30), CreatedAt: now}))
	require.NoError(t, db.InsertEngagement(ctx, &Engagement{TenantID: tenant.ID, VisitorID: pv.VisitorID, PageviewID: pv.ID, TimeOnPage: intp(9), ScrollDepth: intp(10), CreatedAt: now}))
	e, err = db.EngagementFor(ctx, pv.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, e.TimeOnPage)
	assert.Equal(t, 30, e.ScrollDepth)
}

func TestListUnanalyzed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()

	old := newPageview(t, db, tenant.ID, "8.8.8.8", "", now.Add(-time.Hour))
	scored := newPageview(t, db, tenant.ID, "8.8.4.4", "", now.Add(-time.Hour))
	newPageview(t, db, tenant.ID, "1.1.1.1", "", now)
	require.NoError(t, db.SaveEventScore(ctx, scored.ID, 40, false, now))

	pvs, err := db.ListUnanalyzed(ctx, now.Add(-2*time.Hour), now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pvs, 1)
	assert.Equal(t, old.ID, pvs[0].ID)

	got, err := db.PageviewByID(ctx, scored.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.FraudScore)
	assert.NotNil(t, got.AnalyzedAt)
}

func TestVisitorResolution(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)

	v, err := db.FindOrCreateVisitor(ctx, VisitorInput{TenantID: tenant.ID, CookieID: "a", FingerprintHash: "fp", UTM: UTM{Source: "google"}})
	require.NoError(t, err)
	assert.Equal(t, 1, v.VisitCount)
	assert.Equal(t, "google", v.FirstUTMSource)

	again, err := db.FindOrCreateVisitor(ctx, VisitorInput{TenantID: tenant.ID, CookieID: "a", UTM: UTM{Source: "bing"}})
	require.NoError(t, err)
	assert.Equal(t, v.ID, again.ID)
	assert.Equal(t, "google", again.FirstUTMSource, "first touch is kept")

	byPrint, err := db.FindOrCreateVisitor(ctx, VisitorInput{TenantID: tenant.ID, CookieID: "b", FingerprintHash: "fp"})
	require.NoError(t, err)
	assert.Equal(t, v.ID, byPrint.ID)
	assert.Equal(t, "b", byPrint.CookieID)

	other, err := db.FindOrCreateVisitor(ctx, VisitorInput{TenantID: tenant.ID, CookieID: "c"})
	require.NoError(t, err)
	assert.NotEqual(t, v.ID, other.ID)
}

func TestFraudSettings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	settings := NewFraudSettings(db, fraud.DefaultConfig())

	c, err := settings.GetOrDefault(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, fraud.DefaultConfig(), c)

	c.BlockThreshold = 60
	c.DatacenterIPEnabled = false
	require.NoError(t, settings.Update(ctx, tenant.ID, c))

	got, err := settings.GetOrDefault(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.BlockThreshold)
	assert.False(t, got.DatacenterIPEnabled)

	c.BlockThreshold = 0
	assert.Error(t, settings.Update(ctx, tenant.ID, c))
}

func TestAccounts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)

	acct, err := db.SaveAccount(ctx, adsync.Account{TenantID: tenant.ID, CustomerID: "1234567890", Name: "Ads", RefreshToken: "r1", AutoSync: true})
	require.NoError(t, err)
	assert.True(t, acct.Active)

	again, err := db.SaveAccount(ctx, adsync.Account{TenantID: tenant.ID, CustomerID: "1234567890", Name: "Ads", AccessToken: "a2"})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
	assert.Equal(t, "r1", again.RefreshToken, "an empty refresh token keeps the stored one")

	list, err := db.ListSyncAccounts(ctx, &tenant.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, db.UpdateAccountFlags(ctx, acct.ID, true, false))
	list, err = db.ListSyncAccounts(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, list, "inactive accounts are not synced")

	now := time.Now()
	require.NoError(t, db.RecordSyncResult(ctx, acct.ID, adsync.StatusError, "quota", now))
	got, err := db.AccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, adsync.StatusError, got.LastSyncStatus)
	assert.Equal(t, "quota", got.LastSyncError)
	require.NotNil(t, got.LastSyncedAt)

	_, err = db.AccountByID(ctx, 999)
	assert.ErrorIs(t, err, adsync.ErrNotFound)
	assert.ErrorIs(t, db.UpdateAccountFlags(ctx, 999, true, true), adsync.ErrNotFound)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []fraud.BlockEvent
}

func (n *recordingNotifier) PublishBlock(_ context.Context, ev fraud.BlockEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func newTestEngine(db *DB, notifier fraud.Notifier, now time.Time) *fraud.Engine {
	return fraud.NewEngine(db, NewFraudSettings(db, fraud.DefaultConfig()), fraud.Options{
		Enabled:  true,
		Notifier: notifier,
		Now:      func() time.Time { return now },
	})
}

// addPoints records one low-engagement signal per new pageview
func addPoints(t *testing.T, db *DB, tenantID int64, ip string, n, points int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		pv := newPageview(t, db, tenantID, ip, "", at)
		added, err := db.AppendSignal(context.Background(), &fraud.Signal{
			TenantID: tenantID, EventID: pv.ID, IP: ip,
			Kind: fraud.KindLowEngagement, Points: points, CreatedAt: at,
		}, fraud.Guard{Scope: fraud.GuardEvent})
		require.NoError(t, err)
		require.True(t, added)
	}
}

func TestCheckAndBlockRevivesExpiredManualBlock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()
	ip := "198.51.100.7"

	expired := now.Add(-time.Minute)
	_, err := db.UpsertBlock(ctx, tenant.ID, ip, 0, fraud.ReasonManual, &expired, now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, db.MarkBlocksSynced(ctx, tenant.ID, []string{ip}, now.Add(-time.Hour)))
	n, err := db.DeactivateExpiredBlocks(ctx, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	addPoints(t, db, tenant.ID, ip, 2, 50, now)
	notifier := &recordingNotifier{}
	engine := newTestEngine(db, notifier, now)

	block, err := engine.CheckAndBlock(ctx, tenant.ID, ip)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.True(t, block.Active)
	assert.Nil(t, block.ExpiresAt, "a revived block does not keep the stale expiry")
	assert.False(t, block.Synced)

	blocked, err := engine.IsBlocked(ctx, tenant.ID, ip)
	require.NoError(t, err)
	assert.True(t, blocked)

	ips, err := db.UnsyncedBlockIPs(ctx, tenant.ID, now)
	require.NoError(t, err)
	assert.Equal(t, []string{ip}, ips)

	// the next cleanup leaves it alone and no second event is sent
	n, err = db.DeactivateExpiredBlocks(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = engine.CheckAndBlock(ctx, tenant.ID, ip)
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count())
}

func TestCheckAndBlockRevivesActiveButExpiredRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()
	ip := "198.51.100.8"

	// expired but not yet swept by cleanup
	expired := now.Add(-time.Minute)
	_, err := db.UpsertBlock(ctx, tenant.ID, ip, 0, fraud.ReasonManual, &expired, now.Add(-time.Hour))
	require.NoError(t, err)

	change, err := db.UpsertBlock(ctx, tenant.ID, ip, 100, fraud.ReasonAuto, nil, now)
	require.NoError(t, err)
	assert.True(t, change.Reactivated)
	assert.Nil(t, change.Block.ExpiresAt)

	blocked, err := db.IsBlocked(ctx, tenant.ID, ip, now)
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestAutoUpsertKeepsLiveManualExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()
	expires := now.Add(time.Hour)

	_, err := db.UpsertBlock(ctx, tenant.ID, "198.51.100.9", 0, fraud.ReasonManual, &expires, now)
	require.NoError(t, err)
	change, err := db.UpsertBlock(ctx, tenant.ID, "198.51.100.9", 120, fraud.ReasonAuto, nil, now)
	require.NoError(t, err)
	assert.False(t, change.Reactivated)
	require.NotNil(t, change.Block.ExpiresAt)
	assert.Equal(t, expires.UnixMilli(), change.Block.ExpiresAt.UnixMilli())
	assert.Equal(t, fraud.ReasonManual, change.Block.Reason)
}

func TestConcurrentCheckAndBlockKeepsOneRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := newTenant(t, db)
	now := time.Now()
	ip := "203.0.113.50"

	addPoints(t, db, tenant.ID, ip, 3, 40, now)
	notifier := &recordingNotifier{}
	engine := newTestEngine(db, notifier, now)

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			block, err := engine.CheckAndBlock(ctx, tenant.ID, ip)
			if err == nil && block == nil {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	blocks, err := db.ListBlocks(ctx, tenant.ID, false)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].Active)
	assert.Equal(t, 120, blocks[0].FraudScore)
	assert.Equal(t, 1, notifier.count(), "only the creating call publishes")
}
