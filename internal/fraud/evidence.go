package fraud

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Evidence is the structured payload attached to a signal. Each kind has
// its own concrete type; the stored form is a plain JSON object.
type Evidence interface {
	Kind() SignalKind
}

type RapidClicksEvidence struct {
	GCLIDCount    int `json:"gclid_count"`
	UniqueGCLIDs  int `json:"unique_gclids"`
	WindowSeconds int `json:"window_seconds"`
	Threshold     int `json:"threshold"`
}

func (RapidClicksEvidence) Kind() SignalKind { return KindRapidClicks }

type BotEvidence struct {
	Indicators         []string `json:"bot_indicators"`
	UserAgent          string   `json:"user_agent"`
	BotSignalsReceived bool     `json:"bot_signals_received"`
}

func (BotEvidence) Kind() SignalKind { return KindBotDetected }

type LowEngagementEvidence struct {
	TimeOnPage         int    `json:"time_on_page"`
	ScrollDepth        int    `json:"scroll_depth"`
	ClicksCount        int    `json:"clicks_count"`
	GCLID              string `json:"gclid"`
	MinTimeThreshold   int    `json:"min_time_threshold"`
	MinScrollThreshold int    `json:"min_scroll_threshold"`
}

func (LowEngagementEvidence) Kind() SignalKind { return KindLowEngagement }

type DatacenterEvidence struct {
	IPType       string `json:"ip_type"`
	Provider     string `json:"provider,omitempty"`
	IsVPN        bool   `json:"is_vpn"`
	IsProxy      bool   `json:"is_proxy"`
	IsTor        bool   `json:"is_tor"`
	IsDatacenter bool   `json:"is_datacenter"`
	Source       string `json:"source"`
}

func (DatacenterEvidence) Kind() SignalKind { return KindDatacenterIP }

// EncodeEvidence serialises evidence for storage
func EncodeEvidence(ev Evidence) ([]byte, error) {
	if ev == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(ev)
}

// DecodeEvidence restores the concrete evidence type for a stored signal
func DecodeEvidence(kind SignalKind, data []byte) (Evidence, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}

	var (
		ev  Evidence
		err error
	)
	switch kind {
	case KindRapidClicks:
		var v RapidClicksEvidence
		err = json.Unmarshal(data, &v)
		ev = v
	case KindBotDetected:
		var v BotEvidence
		err = json.Unmarshal(data, &v)
		ev = v
	case KindLowEngagement:
		var v LowEngagementEvidence
		err = json.Unmarshal(data, &v)
		ev = v
	case KindDatacenterIP:
		var v DatacenterEvidence
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, fmt.Errorf("unknown signal kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s evidence: %w", kind, err)
	}
	return ev, nil
}
