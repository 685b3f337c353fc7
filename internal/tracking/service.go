// Package tracking ingests pixel calls: it resolves the tenant and visitor,
// stores the event and hands pageviews to fraud scoring.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/enrichment"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/identification"
	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

// ErrInvalidPixel is returned for unknown or inactive pixel codes
var ErrInvalidPixel = errors.New("invalid pixel code")

const (
	maxElementLen = 512
	// visitGap starts a new visit after this much inactivity
	visitGap = 30 * time.Minute
)

// Store is the persistence ingestion needs
type Store interface {
	TenantByPixelCode(ctx context.Context, code string) (*database.Tenant, error)
	FindOrCreateVisitor(ctx context.Context, in database.VisitorInput) (*database.Visitor, error)
	IdentifyVisitor(ctx context.Context, visitorID int64, id database.Identity) (*database.Visitor, error)
	TouchVisitor(ctx context.Context, visitorID int64, pageviews, forms int) error
	MarkNewVisit(ctx context.Context, visitorID int64, gap time.Duration) error
	LatestPageviewID(ctx context.Context, visitorID int64) (int64, error)
	InsertPageview(ctx context.Context, p *database.Pageview) error
	InsertClick(ctx context.Context, c *database.Click) error
	InsertEngagement(ctx context.Context, e *database.Engagement) error
	InsertCustomEvent(ctx context.Context, e *database.CustomEvent) error
	InsertFormSubmission(ctx context.Context, f *database.FormSubmission) error
}

// Scorer is the fraud engine as seen from ingestion
type Scorer interface {
	PerformRealtimeCheck(ctx context.Context, ev fraud.Event, bundle *fraud.ClientSignals) (fraud.RealtimeResult, error)
	CheckAndBlock(ctx context.Context, tenantID int64, ip string) (*fraud.Block, error)
}

// Scheduler queues the deferred analysis of a pageview
type Scheduler interface {
	ScheduleAnalysis(ctx context.Context, pageviewID, tenantID int64) error
}

type Service struct {
	store       Store
	scorer      Scorer
	scheduler   Scheduler
	fingerprint *identification.Generator
	now         func() time.Time
	log         zerolog.Logger
}

// New creates the ingestion service. scheduler may be nil, in which case
// deferred analysis is left to the catch-up sweep.
func New(store Store, scorer Scorer, scheduler Scheduler, fingerprint *identification.Generator) *Service {
	return &Service{
		store:       store,
		scorer:      scorer,
		scheduler:   scheduler,
		fingerprint: fingerprint,
		now:         time.Now,
		log:         logging.With("tracking"),
	}
}

func (s *Service) tenant(ctx context.Context, code string) (*database.Tenant, error) {
	t, err := s.store.TenantByPixelCode(ctx, code)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidPixel
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	return t, nil
}

// visitor resolves the tenant and upserts the visitor for any pixel call
func (s *Service) visitor(ctx context.Context, b Base, meta Meta, client map[string]any, first database.UTM, referrer string, isMobile bool) (*database.Tenant, *database.Visitor, error) {
	t, err := s.tenant(ctx, b.PixelCode)
	if err != nil {
		return nil, nil, err
	}

	device := enrichment.ParseUserAgent(meta.UserAgent)
	deviceType := device.Type
	if isMobile {
		deviceType = "mobile"
	}

	v, err := s.store.FindOrCreateVisitor(ctx, database.VisitorInput{
		TenantID: t.ID,
		CookieID: b.CookieID,
		FingerprintHash: s.fingerprint.Fingerprint(identification.Components{
			UserAgent:      meta.UserAgent,
			AcceptLanguage: meta.AcceptLanguage,
			AcceptEncoding: meta.AcceptEncoding,
			Client:         client,
		}),
		DeviceType:     deviceType,
		Browser:        device.BrowserName,
		BrowserVersion: device.BrowserVersion,
		OS:             device.OSName,
		OSVersion:      device.OSVersion,
		UTM:            first,
		Referrer:       referrer,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("resolve visitor: %w", err)
	}
	return t, v, nil
}

// Pageview stores a page load, scores it inline and queues the deferred pass
func (s *Service) Pageview(ctx context.Context, req PageviewRequest, meta Meta) (PageviewResponse, error) {
	utm := database.UTM{
		Source:   req.UTMSource,
		Medium:   req.UTMMedium,
		Campaign: req.UTMCampaign,
		Content:  req.UTMContent,
		Term:     req.UTMTerm,
	}
	t, v, err := s.visitor(ctx, req.Base, meta, req.Fingerprint, utm, req.Referrer, req.IsMobile)
	if err != nil {
		return PageviewResponse{}, err
	}

	if err := s.store.MarkNewVisit(ctx, v.ID, visitGap); err != nil {
		s.log.Warn().Err(err).Int64("visitor", v.ID).Msg("failed to count visit")
	}
	if err := s.store.TouchVisitor(ctx, v.ID, 1, 0); err != nil {
		return PageviewResponse{}, err
	}

	path := req.URLPath
	if path == "" {
		if u, err := url.Parse(req.URL); err == nil {
			path = u.Path
		}
	}

	bundle := req.BotSignals
	if bundle != nil && bundle.Empty() {
		bundle = nil
	}

	pv := &database.Pageview{
		TenantID:     t.ID,
		VisitorID:    v.ID,
		URL:          req.URL,
		Path:         path,
		Title:        req.Title,
		Referrer:     req.Referrer,
		UTM:          utm,
		FBCLID:       req.FBCLID,
		GCLID:        req.GCLID,
		TTCLID:       req.TTCLID,
		MSCLKID:      req.MSCLKID,
		ScreenWidth:  req.ScreenWidth,
		ScreenHeight: req.ScreenHeight,
		Viewport:     req.Viewport,
		IsMobile:     req.IsMobile,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		BotSignals:   bundle,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertPageview(ctx, pv); err != nil {
		return PageviewResponse{}, err
	}

	if req.Email != "" || req.Phone != "" {
		if _, err := s.store.IdentifyVisitor(ctx, v.ID, database.Identity{Email: req.Email, Phone: req.Phone}); err != nil {
			s.log.Warn().Err(err).Int64("visitor", v.ID).Msg("failed to identify visitor from URL")
		}
	}

	s.score(ctx, pv)
	metrics.TrackingEvents.WithLabelValues("pageview").Inc()

	return PageviewResponse{
		Success:    true,
		SessionID:  v.ID,
		PageviewID: pv.ID,
		PixelID:    t.PixelCode,
	}, nil
}

// score runs the inline fraud pass. Failures are logged and counted, never
// returned, so the tracking write always stands.
func (s *Service) score(ctx context.Context, pv *database.Pageview) {
	if s.scorer != nil {
		if _, err := s.scorer.PerformRealtimeCheck(ctx, pv.Event(), pv.BotSignals); err != nil {
			metrics.FraudCheckErrors.WithLabelValues("realtime").Inc()
			s.log.Error().Err(err).Int64("pageview", pv.ID).Msg("realtime fraud check failed")
		}
		if _, err := s.scorer.CheckAndBlock(ctx, pv.TenantID, pv.IP); err != nil {
			metrics.FraudCheckErrors.WithLabelValues("block").Inc()
			s.log.Error().Err(err).Int64("pageview", pv.ID).Msg("block check failed")
		}
	}

	if s.scheduler != nil {
		if err := s.scheduler.ScheduleAnalysis(ctx, pv.ID, pv.TenantID); err != nil {
			metrics.FraudCheckErrors.WithLabelValues("schedule").Inc()
			s.log.Error().Err(err).Int64("pageview", pv.ID).Msg("failed to schedule deferred analysis")
		}
	}
}

// attach resolves the visitor and the pageview follow-up events belong to
func (s *Service) attach(ctx context.Context, b Base, meta Meta) (*database.Tenant, *database.Visitor, int64, error) {
	t, v, err := s.visitor(ctx, b, meta, nil, database.UTM{}, "", false)
	if err != nil {
		return nil, nil, 0, err
	}
	pageviewID, err := s.store.LatestPageviewID(ctx, v.ID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("find latest pageview: %w", err)
	}
	return t, v, pageviewID, nil
}

func (s *Service) Click(ctx context.Context, req ClickRequest, meta Meta) (int64, error) {
	t, v, pageviewID, err := s.attach(ctx, req.Base, meta)
	if err != nil {
		return 0, err
	}

	c := &database.Click{
		TenantID:     t.ID,
		VisitorID:    v.ID,
		PageviewID:   pageviewID,
		ElementType:  req.ElementType,
		ElementText:  truncate(req.ElementText, maxElementLen),
		ElementID:    req.ElementID,
		ElementClass: truncate(req.ElementClass, maxElementLen),
		ElementHref:  req.ElementHref,
		IsFormButton: req.IsFormButton,
		URL:          req.URL,
		CreatedAt:    s.now(),
	}
	if err := s.store.InsertClick(ctx, c); err != nil {
		return 0, err
	}
	metrics.TrackingEvents.WithLabelValues("click").Inc()
	return c.ID, nil
}

func (s *Service) Engagement(ctx context.Context, req EngagementRequest, meta Meta) (int64, error) {
	t, v, pageviewID, err := s.attach(ctx, req.Base, meta)
	if err != nil {
		return 0, err
	}

	e := &database.Engagement{
		TenantID:    t.ID,
		VisitorID:   v.ID,
		PageviewID:  pageviewID,
		TimeOnPage:  req.TimeOnPage,
		ScrollDepth: clampPercent(req.ScrollDepth),
		URL:         req.URL,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertEngagement(ctx, e); err != nil {
		return 0, err
	}
	metrics.TrackingEvents.WithLabelValues("engagement").Inc()
	return e.ID, nil
}

func (s *Service) Event(ctx context.Context, req EventRequest, meta Meta) (int64, error) {
	t, v, pageviewID, err := s.attach(ctx, req.Base, meta)
	if err != nil {
		return 0, err
	}

	e := &database.CustomEvent{
		TenantID:   t.ID,
		VisitorID:  v.ID,
		PageviewID: pageviewID,
		Name:       req.EventName,
		Data:       req.EventData,
		URL:        req.URL,
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertCustomEvent(ctx, e); err != nil {
		return 0, err
	}
	metrics.TrackingEvents.WithLabelValues("event").Inc()
	return e.ID, nil
}

// FormResult identifies the stored submission and the visitor it was
// attributed to
type FormResult struct {
	FormSubmissionID int64
	ContactID        int64
}

// Form stores a submission, extracting contact fields and step metadata,
// and identifies the visitor when contact data was found
func (s *Service) Form(ctx context.Context, req FormRequest, meta Meta) (FormResult, error) {
	t, v, pageviewID, err := s.attach(ctx, req.Base, meta)
	if err != nil {
		return FormResult{}, err
	}

	step, fields := SplitStep(req.Fields)
	contact := ExtractContact(fields)

	f := &database.FormSubmission{
		TenantID:    t.ID,
		VisitorID:   v.ID,
		PageviewID:  pageviewID,
		FormID:      req.FormID,
		FormAction:  req.FormAction,
		TriggerType: req.TriggerType,
		Fields:      fields,
		Email:       contact.Email,
		Phone:       contact.Phone,
		FirstName:   contact.FirstName,
		LastName:    contact.LastName,
		FullName:    contact.FullName,
		Company:     contact.Company,
		StepNumber:  step.Number,
		TotalSteps:  step.Total,
		StepLabel:   step.Label,
		StepID:      step.ID,
		PageURL:     req.URL,
		IP:          meta.IP,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertFormSubmission(ctx, f); err != nil {
		return FormResult{}, err
	}
	if err := s.store.TouchVisitor(ctx, v.ID, 0, 1); err != nil {
		return FormResult{}, err
	}

	name := contact.DisplayName()
	if contact.Email != "" || contact.Phone != "" || name != "" {
		_, err := s.store.IdentifyVisitor(ctx, v.ID, database.Identity{
			Email: contact.Email,
			Phone: contact.Phone,
			Name:  name,
		})
		if err != nil {
			s.log.Warn().Err(err).Int64("visitor", v.ID).Msg("failed to identify visitor from form")
		}
	}

	metrics.TrackingEvents.WithLabelValues("form").Inc()
	return FormResult{FormSubmissionID: f.ID, ContactID: v.ID}, nil
}

// Identify attaches contact data to the visitor. Stored identity fields are
// never overwritten.
func (s *Service) Identify(ctx context.Context, req IdentifyRequest, meta Meta) (int64, error) {
	_, v, err := s.visitor(ctx, req.Base, meta, nil, database.UTM{}, "", false)
	if err != nil {
		return 0, err
	}

	v, err = s.store.IdentifyVisitor(ctx, v.ID, database.Identity{
		Email:    req.Email,
		Phone:    req.Phone,
		UserData: req.UserData,
	})
	if err != nil {
		return 0, fmt.Errorf("identify visitor: %w", err)
	}
	metrics.TrackingEvents.WithLabelValues("identify").Inc()
	return v.ID, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func clampPercent(v *int) *int {
	if v == nil {
		return nil
	}
	c := min(max(*v, 0), 100)
	return &c
}
