package tracking

import (
	"github.com/yaat/clickshield/internal/fraud"
)

// Meta is what the server knows about the request itself
type Meta struct {
	IP             string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// Base is shared by every pixel call
type Base struct {
	PixelCode string `json:"pixelCode" validate:"required,max=64"`
	CookieID  string `json:"cookieId" validate:"required,max=128"`
}

type PageviewRequest struct {
	Base
	URL          string               `json:"url" validate:"required,max=2048"`
	URLPath      string               `json:"urlPath" validate:"max=2048"`
	Title        string               `json:"title" validate:"max=1024"`
	Referrer     string               `json:"referrer" validate:"max=2048"`
	UTMSource    string               `json:"utm_source" validate:"max=255"`
	UTMMedium    string               `json:"utm_medium" validate:"max=255"`
	UTMCampaign  string               `json:"utm_campaign" validate:"max=255"`
	UTMContent   string               `json:"utm_content" validate:"max=255"`
	UTMTerm      string               `json:"utm_term" validate:"max=255"`
	FBCLID       string               `json:"fbclid" validate:"max=512"`
	GCLID        string               `json:"gclid" validate:"max=512"`
	TTCLID       string               `json:"ttclid" validate:"max=512"`
	MSCLKID      string               `json:"msclkid" validate:"max=512"`
	ScreenWidth  *int                 `json:"screenWidth" validate:"omitempty,min=0"`
	ScreenHeight *int                 `json:"screenHeight" validate:"omitempty,min=0"`
	Viewport     string               `json:"viewport" validate:"max=32"`
	IsMobile     bool                 `json:"isMobile"`
	Email        string               `json:"email" validate:"omitempty,email"`
	Phone        string               `json:"phone" validate:"max=64"`
	Fingerprint  map[string]any       `json:"fingerprint"`
	BotSignals   *fraud.ClientSignals `json:"botSignals"`
}

type PageviewResponse struct {
	Success    bool   `json:"success"`
	SessionID  int64  `json:"sessionId"`
	PageviewID int64  `json:"pageviewId"`
	PixelID    string `json:"pixelId"`
}

type ClickRequest struct {
	Base
	URL          string `json:"url" validate:"required,max=2048"`
	ElementType  string `json:"elementType" validate:"max=64"`
	ElementText  string `json:"elementText"`
	ElementID    string `json:"elementId" validate:"max=255"`
	ElementClass string `json:"elementClass"`
	ElementHref  string `json:"elementHref" validate:"max=2048"`
	IsFormButton bool   `json:"isFormButton"`
}

type EngagementRequest struct {
	Base
	URL         string `json:"url" validate:"required,max=2048"`
	TimeOnPage  *int   `json:"timeOnPage" validate:"omitempty,min=0"`
	ScrollDepth *int   `json:"scrollDepth"`
}

type EventRequest struct {
	Base
	URL       string         `json:"url" validate:"required,max=2048"`
	EventName string         `json:"eventName" validate:"required,max=255"`
	EventData map[string]any `json:"eventData"`
}

type FormRequest struct {
	Base
	URL         string         `json:"url" validate:"required,max=2048"`
	FormID      string         `json:"formId" validate:"max=255"`
	FormAction  string         `json:"formAction" validate:"max=2048"`
	TriggerType string         `json:"triggerType" validate:"max=64"`
	Fields      map[string]any `json:"fields"`
}

type IdentifyRequest struct {
	Base
	Email    string         `json:"email" validate:"omitempty,email"`
	Phone    string         `json:"phone" validate:"max=64"`
	UserData map[string]any `json:"userData"`
}
