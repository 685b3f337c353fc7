package enrichment

import (
	"strings"

	"github.com/mssola/useragent"
)

// Device is what the user agent says about the visitor's browser
type Device struct {
	Type           string
	BrowserName    string
	BrowserVersion string
	OSName         string
	OSVersion      string
	IsMobile       bool
	IsBot          bool
}

// ParseUserAgent parses a user-agent string. An empty string yields device
// type "unknown".
func ParseUserAgent(uaString string) Device {
	if uaString == "" {
		return Device{Type: "unknown"}
	}

	ua := useragent.New(uaString)
	browserName, browserVersion := ua.Browser()
	os := ua.OSInfo()

	d := Device{
		BrowserName:    browserName,
		BrowserVersion: browserVersion,
		OSName:         os.Name,
		OSVersion:      os.Version,
		IsMobile:       ua.Mobile(),
		IsBot:          ua.Bot(),
	}

	switch {
	case isTablet(uaString):
		d.Type = "tablet"
	case ua.Mobile():
		d.Type = "mobile"
	default:
		d.Type = "desktop"
	}
	return d
}

func isTablet(ua string) bool {
	if strings.Contains(ua, "iPad") || strings.Contains(ua, "Tablet") || strings.Contains(ua, "PlayBook") || strings.Contains(ua, "Silk") {
		return true
	}
	// Android without the Mobile token is a tablet
	return strings.Contains(ua, "Android") && !strings.Contains(ua, "Mobile")
}
