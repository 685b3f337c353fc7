package fraud

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

var (
	ErrNotFound = errors.New("not found")
)

// SignalKind identifies the detector that produced a signal
type SignalKind string

const (
	KindRapidClicks   SignalKind = "rapid_clicks"
	KindBotDetected   SignalKind = "bot_detected"
	KindLowEngagement SignalKind = "low_engagement"
	KindDatacenterIP  SignalKind = "datacenter_ip"
)

// Kinds lists every signal kind in display order
var Kinds = []SignalKind{KindRapidClicks, KindBotDetected, KindLowEngagement, KindDatacenterIP}

// Valid reports whether k is a known kind
func (k SignalKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ClientSignals is the bundle the pixel collects in the browser. Pointer
// fields distinguish "not reported" from a reported zero or false.
type ClientSignals struct {
	Webdriver         bool  `json:"webdriver"`
	HoneypotFilled    bool  `json:"honeypot_filled"`
	ChromeMissing     bool  `json:"chrome_missing"`
	LanguagesCount    *int  `json:"languages_count,omitempty"`
	PluginsCount      *int  `json:"plugins_count,omitempty"`
	JSChallengePassed *bool `json:"js_challenge_passed,omitempty"`

	// keys the client sent, set when decoded from JSON
	reported int
}

func (s *ClientSignals) UnmarshalJSON(data []byte) error {
	type plain ClientSignals
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ClientSignals(p)
	s.reported = len(keys)
	return nil
}

// Empty reports whether the bundle carries nothing: decoded from an empty
// object, or built with every field unset
func (s *ClientSignals) Empty() bool {
	return s.reported == 0 && *s == (ClientSignals{})
}

// Received reports whether the client sent a bundle at all. Ingestion
// stores an empty bundle as nil.
func (s *ClientSignals) Received() bool {
	return s != nil
}

// Event is the pageview as seen by the scoring engine
type Event struct {
	ID        int64
	TenantID  int64
	VisitorID int64
	IP        string
	UserAgent string
	GCLID     string
	// BotSignals is the bundle stored with the pageview, nil when none arrived
	BotSignals *ClientSignals
	CreatedAt  time.Time
}

// HasAdClick reports whether the event came from a paid ad click
func (e Event) HasAdClick() bool {
	return e.GCLID != ""
}

// Engagement aggregates post-pageview telemetry for one event
type Engagement struct {
	TimeOnPage  int
	ScrollDepth int
	Clicks      int
}

// Signal is one append-only fraud log entry
type Signal struct {
	ID        int64      `json:"id"`
	TenantID  int64      `json:"tenant_id"`
	VisitorID int64      `json:"visitor_id,omitempty"`
	EventID   int64      `json:"pageview_id,omitempty"`
	IP        string     `json:"ip_address"`
	Kind      SignalKind `json:"signal_type"`
	Points    int        `json:"score_points"`
	Reason    string     `json:"reason"`
	Evidence  Evidence   `json:"evidence"`
	GCLID     string     `json:"gclid,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// GuardScope selects the idempotency check applied on insert
type GuardScope int

const (
	// GuardNone always inserts
	GuardNone GuardScope = iota
	// GuardWindow skips the insert when (tenant, ip, kind) already has a signal since Since
	GuardWindow
	// GuardEvent skips the insert when the originating event already has a signal of the kind
	GuardEvent
)

// Guard is evaluated atomically with the insert by the store
type Guard struct {
	Scope GuardScope
	Since time.Time
}

// BlockReason records who created a block
type BlockReason string

const (
	ReasonManual BlockReason = "manual"
	ReasonAuto   BlockReason = "auto"
)

// Block is the single block row for a (tenant, ip) pair
type Block struct {
	ID         int64       `json:"id"`
	TenantID   int64       `json:"tenant_id"`
	IP         string      `json:"ip_address"`
	FraudScore int         `json:"fraud_score"`
	Reason     BlockReason `json:"block_reason"`
	Active     bool        `json:"is_active"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	Synced     bool        `json:"synced_to_google_ads"`
	SyncedAt   *time.Time  `json:"synced_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Enforced reports whether the block currently applies
func (b Block) Enforced(now time.Time) bool {
	return b.Active && (b.ExpiresAt == nil || b.ExpiresAt.After(now))
}

// BlockEvent is published whenever a block is created or reactivated
type BlockEvent struct {
	TenantID   int64       `json:"tenant_id"`
	IP         string      `json:"ip_address"`
	FraudScore int         `json:"fraud_score"`
	Reason     BlockReason `json:"block_reason"`
	Created    bool        `json:"created"`
	At         time.Time   `json:"at"`
}

// RealtimeResult is returned to ingestion after the inline pass
type RealtimeResult struct {
	IsSuspicious bool     `json:"is_suspicious"`
	FraudScore   int      `json:"fraud_score"`
	Signals      []Signal `json:"signals"`
}
