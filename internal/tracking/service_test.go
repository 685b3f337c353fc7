package tracking

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/identification"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type fakeScorer struct {
	realtime    []fraud.Event
	blocks      []string
	realtimeErr error
}

func (f *fakeScorer) PerformRealtimeCheck(_ context.Context, ev fraud.Event, _ *fraud.ClientSignals) (fraud.RealtimeResult, error) {
	f.realtime = append(f.realtime, ev)
	return fraud.RealtimeResult{}, f.realtimeErr
}

func (f *fakeScorer) CheckAndBlock(_ context.Context, _ int64, ip string) (*fraud.Block, error) {
	f.blocks = append(f.blocks, ip)
	return nil, nil
}

type fakeScheduler struct {
	scheduled []int64
}

func (f *fakeScheduler) ScheduleAnalysis(_ context.Context, pageviewID, _ int64) error {
	f.scheduled = append(f.scheduled, pageviewID)
	return nil
}

type fixture struct {
	db        *database.DB
	svc       *Service
	scorer    *fakeScorer
	scheduler *fakeScheduler
	tenant    *database.Tenant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	tenant, err := db.CreateTenant(context.Background(), "Example", "example.com")
	require.NoError(t, err)

	f := &fixture{db: db, scorer: &fakeScorer{}, scheduler: &fakeScheduler{}, tenant: tenant}
	f.svc = New(db, f.scorer, f.scheduler, identification.New("secret"))
	return f
}

func (f *fixture) base() Base {
	return Base{PixelCode: f.tenant.PixelCode, CookieID: "cookie-1"}
}

var meta = Meta{IP: "203.0.113.7", UserAgent: chromeUA, AcceptLanguage: "en-US"}

func TestPageviewStoresAndScores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Pageview(ctx, PageviewRequest{
		Base:       f.base(),
		URL:        "https://example.com/landing?gclid=abc",
		GCLID:      "abc",
		UTMSource:  "google",
		Referrer:   "https://google.com",
		BotSignals: &fraud.ClientSignals{Webdriver: true},
	}, meta)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, f.tenant.PixelCode, res.PixelID)
	assert.NotZero(t, res.PageviewID)

	pv, err := f.db.PageviewByID(ctx, res.PageviewID)
	require.NoError(t, err)
	assert.Equal(t, "/landing", pv.Path)
	assert.Equal(t, "abc", pv.GCLID)
	assert.Equal(t, meta.IP, pv.IP)
	require.NotNil(t, pv.BotSignals)
	assert.True(t, pv.BotSignals.Webdriver)

	require.Len(t, f.scorer.realtime, 1)
	assert.Equal(t, res.PageviewID, f.scorer.realtime[0].ID)
	assert.Equal(t, []string{meta.IP}, f.scorer.blocks)
	assert.Equal(t, []int64{res.PageviewID}, f.scheduler.scheduled)

	v, err := f.db.VisitorByCookie(ctx, f.tenant.ID, "cookie-1")
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, v.ID)
	assert.Equal(t, 1, v.PageviewCount)
	assert.Equal(t, "google", v.FirstUTMSource)
	assert.Equal(t, "desktop", v.DeviceType)
	assert.Equal(t, "Chrome", v.Browser)
	assert.NotEmpty(t, v.FingerprintHash)
}

func TestPageviewEmptyBundleStoredAsNil(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Pageview(context.Background(), PageviewRequest{
		Base:       f.base(),
		URL:        "https://example.com/",
		BotSignals: &fraud.ClientSignals{},
	}, meta)
	require.NoError(t, err)

	pv, err := f.db.PageviewByID(context.Background(), res.PageviewID)
	require.NoError(t, err)
	assert.Nil(t, pv.BotSignals)
}

func TestPageviewKeepsBundleWithOnlyFalseValues(t *testing.T) {
	f := newFixture(t)

	var bundle fraud.ClientSignals
	require.NoError(t, json.Unmarshal([]byte(`{"webdriver":false}`), &bundle))

	res, err := f.svc.Pageview(context.Background(), PageviewRequest{
		Base:       f.base(),
		URL:        "https://example.com/",
		BotSignals: &bundle,
	}, meta)
	require.NoError(t, err)

	pv, err := f.db.PageviewByID(context.Background(), res.PageviewID)
	require.NoError(t, err)
	require.NotNil(t, pv.BotSignals)
	assert.False(t, pv.BotSignals.Webdriver)
}

func TestPageviewSurvivesScoringErrors(t *testing.T) {
	f := newFixture(t)
	f.scorer.realtimeErr = errors.New("boom")

	res, err := f.svc.Pageview(context.Background(), PageviewRequest{Base: f.base(), URL: "https://example.com/"}, meta)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, f.scorer.blocks, 1, "block check still runs")
}

func TestPageviewInvalidPixel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Pageview(ctx, PageviewRequest{Base: Base{PixelCode: "nope", CookieID: "c"}, URL: "https://x"}, meta)
	assert.ErrorIs(t, err, ErrInvalidPixel)

	require.NoError(t, f.db.SetTenantActive(ctx, f.tenant.ID, false))
	_, err = f.svc.Pageview(ctx, PageviewRequest{Base: f.base(), URL: "https://x"}, meta)
	assert.ErrorIs(t, err, ErrInvalidPixel)
}

func TestPageviewIdentifiesFromURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Pageview(ctx, PageviewRequest{Base: f.base(), URL: "https://example.com/", Email: "jane@example.com"}, meta)
	require.NoError(t, err)

	v, err := f.db.VisitorByCookie(ctx, f.tenant.ID, "cookie-1")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", v.IdentifiedEmail)
}

func TestFollowUpEventsAttachToLatestPageview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pv, err := f.svc.Pageview(ctx, PageviewRequest{Base: f.base(), URL: "https://example.com/"}, meta)
	require.NoError(t, err)

	long := make([]rune, 600)
	for i := range long {
		long[i] = 'x'
	}
	clickID, err := f.svc.Click(ctx, ClickRequest{Base: f.base(), URL: "https://example.com/", ElementType: "button", ElementText: string(long)}, meta)
	require.NoError(t, err)
	assert.NotZero(t, clickID)

	var pageviewID int64
	var text string
	require.NoError(t, f.db.Conn().QueryRow("SELECT pageview_id, element_text FROM clicks WHERE id = ?", clickID).Scan(&pageviewID, &text))
	assert.Equal(t, pv.PageviewID, pageviewID)
	assert.Len(t, text, maxElementLen)

	depth, secs := 140, 3
	engagementID, err := f.svc.Engagement(ctx, EngagementRequest{Base: f.base(), URL: "https://example.com/", ScrollDepth: &depth, TimeOnPage: &secs}, meta)
	require.NoError(t, err)

	eng, err := f.db.EngagementFor(ctx, pv.PageviewID)
	require.NoError(t, err)
	assert.Equal(t, 100, eng.ScrollDepth)
	assert.Equal(t, 3, eng.TimeOnPage)
	assert.Equal(t, 1, eng.Clicks)
	assert.NotZero(t, engagementID)

	eventID, err := f.svc.Event(ctx, EventRequest{Base: f.base(), URL: "https://example.com/", EventName: "signup", EventData: map[string]any{"plan": "pro"}}, meta)
	require.NoError(t, err)
	assert.NotZero(t, eventID)
}

func TestFormExtractsContactAndIdentifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Pageview(ctx, PageviewRequest{Base: f.base(), URL: "https://example.com/"}, meta)
	require.NoError(t, err)

	res, err := f.svc.Form(ctx, FormRequest{
		Base:        f.base(),
		URL:         "https://example.com/contact",
		FormID:      "contact",
		TriggerType: "standard_submit",
		Fields: map[string]any{
			"email":            "jane@example.com",
			"first_name":       "Jane",
			"last_name":        "Doe",
			"__ak_step_number": "1",
		},
	}, meta)
	require.NoError(t, err)
	assert.NotZero(t, res.FormSubmissionID)

	var email, fields string
	var step int
	require.NoError(t, f.db.Conn().QueryRow(
		"SELECT email, fields, step_number FROM form_submissions WHERE id = ?", res.FormSubmissionID,
	).Scan(&email, &fields, &step))
	assert.Equal(t, "jane@example.com", email)
	assert.Equal(t, 1, step)
	assert.NotContains(t, fields, "__ak_")

	v, err := f.db.VisitorByCookie(ctx, f.tenant.ID, "cookie-1")
	require.NoError(t, err)
	assert.Equal(t, res.ContactID, v.ID)
	assert.Equal(t, "jane@example.com", v.IdentifiedEmail)
	assert.Equal(t, "Jane Doe", v.IdentifiedName)
	assert.Equal(t, 1, v.FormSubmissionCount)
}

func TestIdentifyKeepsExistingFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.svc.Identify(ctx, IdentifyRequest{Base: f.base(), Email: "first@example.com", UserData: map[string]any{"plan": "free"}}, meta)
	require.NoError(t, err)

	_, err = f.svc.Identify(ctx, IdentifyRequest{Base: f.base(), Email: "second@example.com", Phone: "555", UserData: map[string]any{"plan": "pro", "seats": float64(3)}}, meta)
	require.NoError(t, err)

	v, err := f.db.VisitorByCookie(ctx, f.tenant.ID, "cookie-1")
	require.NoError(t, err)
	assert.Equal(t, id, v.ID)
	assert.Equal(t, "first@example.com", v.IdentifiedEmail)
	assert.Equal(t, "555", v.IdentifiedPhone)
	assert.Equal(t, map[string]any{"plan": "pro", "seats": float64(3)}, v.IdentifiedData)
}
