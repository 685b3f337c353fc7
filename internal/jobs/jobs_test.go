package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
)

type fakeEngine struct {
	mu       sync.Mutex
	analyzed []int64
	checked  []string
	points   map[int64]int
	blockIPs map[string]bool
	err      error
	// failIDs makes AnalyzePageview fail for these pageviews only
	failIDs map[int64]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{points: map[int64]int{}, blockIPs: map[string]bool{}}
}

func (f *fakeEngine) AnalyzePageview(_ context.Context, ev fraud.Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if f.failIDs[ev.ID] {
		return 0, errors.New("evidence column corrupt")
	}
	f.analyzed = append(f.analyzed, ev.ID)
	return f.points[ev.ID], nil
}

func (f *fakeEngine) CheckAndBlock(_ context.Context, tenantID int64, ip string) (*fraud.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, ip)
	if f.blockIPs[ip] {
		return &fraud.Block{TenantID: tenantID, IP: ip, Active: true}, nil
	}
	return nil, nil
}

func (f *fakeEngine) analyzedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.analyzed...)
}

type fakeLoader struct {
	events map[int64]fraud.Event
}

func (f fakeLoader) LoadEvent(_ context.Context, id int64) (fraud.Event, error) {
	ev, ok := f.events[id]
	if !ok {
		return fraud.Event{}, fraud.ErrNotFound
	}
	return ev, nil
}

func pageview(id, tenant int64, ip string) *database.Pageview {
	return &database.Pageview{ID: id, TenantID: tenant, IP: ip}
}

func TestAnalyzeBatchChecksEachIPOnce(t *testing.T) {
	engine := newFakeEngine()
	engine.points[2] = 30
	engine.blockIPs["10.0.0.2"] = true

	report, err := AnalyzeBatch(context.Background(), engine, []*database.Pageview{
		pageview(1, 1, "10.0.0.1"),
		pageview(2, 1, "10.0.0.2"),
		pageview(3, 1, "10.0.0.1"),
		pageview(4, 2, "10.0.0.1"),
	})
	require.NoError(t, err)

	assert.Equal(t, BatchReport{Analyzed: 4, Detections: 1, Blocks: 1}, report)
	assert.Equal(t, []int64{1, 2, 3, 4}, engine.analyzed)
	// 10.0.0.1 appears under two tenants
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"}, engine.checked)
}

func TestAnalyzeBatchStopsOnError(t *testing.T) {
	engine := newFakeEngine()
	engine.err = errors.New("database is locked")

	report, err := AnalyzeBatch(context.Background(), engine, []*database.Pageview{pageview(1, 1, "10.0.0.1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pageview 1")
	assert.Zero(t, report.Analyzed)
	assert.Empty(t, engine.checked)
}

func analyzeMsg(t *testing.T, job AnalyzeMessage) *message.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return message.NewMessage("job", payload)
}

func TestQueueHandleRunsDeferredPass(t *testing.T) {
	engine := newFakeEngine()
	loader := fakeLoader{events: map[int64]fraud.Event{7: {ID: 7, TenantID: 1, IP: "10.0.0.7"}}}
	q := NewQueue(loader, engine, QueueOptions{})
	q.handled = make(chan int64, 1)

	err := q.handle(analyzeMsg(t, AnalyzeMessage{PageviewID: 7, TenantID: 1, NotBefore: time.Now().Add(-time.Second)}))
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, engine.analyzed)
	assert.Equal(t, []string{"10.0.0.7"}, engine.checked)
	assert.Equal(t, int64(7), <-q.handled)
}

func TestQueueHandleWaitsUntilDue(t *testing.T) {
	engine := newFakeEngine()
	loader := fakeLoader{events: map[int64]fraud.Event{7: {ID: 7, TenantID: 1, IP: "10.0.0.7"}}}
	q := NewQueue(loader, engine, QueueOptions{})

	start := time.Now()
	err := q.handle(analyzeMsg(t, AnalyzeMessage{PageviewID: 7, TenantID: 1, NotBefore: start.Add(100 * time.Millisecond)}))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestQueueHandleDropsMissingAndMalformed(t *testing.T) {
	engine := newFakeEngine()
	q := NewQueue(fakeLoader{}, engine, QueueOptions{})

	require.NoError(t, q.handle(analyzeMsg(t, AnalyzeMessage{PageviewID: 99})))
	require.NoError(t, q.handle(message.NewMessage("bad", []byte("{not json"))))
	assert.Empty(t, engine.analyzed)
}

func TestQueueHandleReturnsEngineErrors(t *testing.T) {
	engine := newFakeEngine()
	engine.err = errors.New("boom")
	loader := fakeLoader{events: map[int64]fraud.Event{7: {ID: 7, TenantID: 1, IP: "10.0.0.7"}}}
	q := NewQueue(loader, engine, QueueOptions{})

	err := q.handle(analyzeMsg(t, AnalyzeMessage{PageviewID: 7}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pageview 7")
}

func TestQueueGiveUpAcksFailedJobs(t *testing.T) {
	q := NewQueue(fakeLoader{}, newFakeEngine(), QueueOptions{})
	failing := func(*message.Message) ([]*message.Message, error) {
		return nil, errors.New("still failing")
	}

	msgs, err := q.giveUp(failing)(message.NewMessage("job", nil))
	assert.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestQueueServeConsumesScheduledJobs(t *testing.T) {
	engine := newFakeEngine()
	loader := fakeLoader{events: map[int64]fraud.Event{7: {ID: 7, TenantID: 1, IP: "10.0.0.7"}}}
	q := NewQueue(loader, engine, QueueOptions{Delay: 0, MaxRetries: 1})
	q.handled = make(chan int64, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Serve(ctx) }()

	// messages published before the router subscribes are dropped, so keep
	// publishing until one comes through
	assert.Eventually(t, func() bool {
		if err := q.ScheduleAnalysis(ctx, 7, 1); err != nil {
			return false
		}
		select {
		case id := <-q.handled:
			return id == 7
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("queue did not stop")
	}
	assert.Contains(t, engine.analyzedIDs(), int64(7))
}

type fakeUnanalyzed struct {
	calls     int
	batches   [][]*database.Pageview
	since     time.Time
	until     time.Time
	listError error
}

func (f *fakeUnanalyzed) ListUnanalyzed(_ context.Context, since, until time.Time, _ int) ([]*database.Pageview, error) {
	f.since, f.until = since, until
	if f.listError != nil {
		return nil, f.listError
	}
	if f.calls >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.calls]
	f.calls++
	return b, nil
}

func TestSweeperAnalyzesOverduePageviews(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeUnanalyzed{batches: [][]*database.Pageview{{
		pageview(1, 1, "10.0.0.1"),
		pageview(2, 1, "10.0.0.2"),
	}}}
	engine := newFakeEngine()
	engine.blockIPs["10.0.0.2"] = true

	s := NewSweeper(store, engine, 2*time.Minute, 24*time.Hour)
	s.now = func() time.Time { return now }

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Analyzed)
	assert.Equal(t, 1, report.Blocks)
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, now.Add(-24*time.Hour), store.since)
	assert.True(t, store.until.Before(now.Add(-2*time.Minute)))
}

type stuckUnanalyzed struct{ calls int }

func (f *stuckUnanalyzed) ListUnanalyzed(context.Context, time.Time, time.Time, int) ([]*database.Pageview, error) {
	f.calls++
	batch := make([]*database.Pageview, sweepBatchSize)
	for i := range batch {
		batch[i] = pageview(int64(i+1), 1, "10.0.0.1")
	}
	return batch, nil
}

func TestSweeperStopsWhenBatchDoesNotMove(t *testing.T) {
	store := &stuckUnanalyzed{}
	report, err := NewSweeper(store, newFakeEngine(), time.Minute, time.Hour).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
	assert.Equal(t, sweepBatchSize, report.Analyzed)
}

func TestSweeperSkipsFailingPageview(t *testing.T) {
	store := &fakeUnanalyzed{batches: [][]*database.Pageview{{
		pageview(1, 1, "10.0.0.1"),
		pageview(2, 1, "10.0.0.2"),
		pageview(3, 1, "10.0.0.3"),
	}}}
	engine := newFakeEngine()
	engine.failIDs = map[int64]bool{1: true}

	report, err := NewSweeper(store, engine, time.Minute, time.Hour).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Analyzed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []int64{2, 3}, engine.analyzedIDs())
	assert.ElementsMatch(t, []string{"10.0.0.2", "10.0.0.3"}, engine.checked)
}

func TestAnalyzeBatchStopsAtFirstError(t *testing.T) {
	engine := newFakeEngine()
	engine.failIDs = map[int64]bool{1: true}

	_, err := AnalyzeBatch(context.Background(), engine, []*database.Pageview{
		pageview(1, 1, "10.0.0.1"),
		pageview(2, 1, "10.0.0.2"),
	})
	assert.ErrorContains(t, err, "analyze pageview 1")
	assert.Empty(t, engine.analyzedIDs())
}

func TestSweeperPropagatesListErrors(t *testing.T) {
	store := &fakeUnanalyzed{listError: errors.New("disk I/O error")}
	_, err := NewSweeper(store, newFakeEngine(), time.Minute, time.Hour).Run(context.Background())
	assert.Error(t, err)
}

type fakeCleanupStore struct {
	signalCutoff   time.Time
	trackingCutoff time.Time
	trackingCalled bool
}

func (f *fakeCleanupStore) PruneSignals(_ context.Context, cutoff time.Time) (int64, error) {
	f.signalCutoff = cutoff
	return 4, nil
}

func (f *fakeCleanupStore) DeactivateExpiredBlocks(context.Context, time.Time) (int64, error) {
	return 2, nil
}

func (f *fakeCleanupStore) PruneTracking(_ context.Context, cutoff time.Time) (int64, error) {
	f.trackingCalled = true
	f.trackingCutoff = cutoff
	return 10, nil
}

func TestCleanupAppliesRetention(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &fakeCleanupStore{}
	c := NewCleanup(store, 90, 365)
	c.now = func() time.Time { return now }

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupReport{Signals: 4, ExpiredBlocks: 2, TrackingRows: 10}, report)
	assert.Equal(t, now.AddDate(0, 0, -90), store.signalCutoff)
	assert.Equal(t, now.AddDate(0, 0, -365), store.trackingCutoff)
}

func TestCleanupKeepsTrackingDataWithoutRetention(t *testing.T) {
	store := &fakeCleanupStore{}
	report, err := NewCleanup(store, 90, 0).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, store.trackingCalled)
	assert.Zero(t, report.TrackingRows)
}

func TestPeriodicRunsImmediatelyAndOnTick(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	p := NewPeriodic("test-job", 20*time.Millisecond, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return errors.New("failures are logged, not returned")
	})
	assert.Equal(t, "test-job", p.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
