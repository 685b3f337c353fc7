// Package bot matches user agents against known crawler and automation
// patterns.
package bot

import (
	"regexp"
	"strings"

	"github.com/mssola/useragent"
)

// DefaultSuspicious are automation frameworks and scripted HTTP clients
var DefaultSuspicious = []string{
	"HeadlessChrome",
	"PhantomJS",
	"Selenium",
	"puppeteer",
	"SlimerJS",
	"CasperJS",
	"Nightmare",
	"Playwright",
	"Headless",
	"python-requests",
	"Go-http-client",
	"Java/",
	"libwww-perl",
	"wget",
	"curl/",
	"HTTrack",
	"scrapy",
}

// DefaultLegitimate are crawlers that must never be scored as fraud
var DefaultLegitimate = []string{
	"Googlebot",
	"bingbot",
	"Baiduspider",
	"YandexBot",
	"DuckDuckBot",
	"facebookexternalhit",
	"Twitterbot",
	"LinkedInBot",
	"Slackbot",
	"WhatsApp",
	"Applebot",
}

// Pattern is a case-insensitive substring match
type Pattern struct {
	Name string
	re   *regexp.Regexp
}

func compile(names []string) []Pattern {
	patterns := make([]Pattern, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		patterns = append(patterns, Pattern{
			Name: name,
			re:   regexp.MustCompile(`(?i)` + regexp.QuoteMeta(name)),
		})
	}
	return patterns
}

// Matcher holds the configured suspicious and legitimate pattern lists
type Matcher struct {
	suspicious []Pattern
	legitimate []Pattern
}

// NewMatcher compiles both lists. Empty lists fall back to the defaults.
func NewMatcher(suspicious, legitimate []string) *Matcher {
	if len(suspicious) == 0 {
		suspicious = DefaultSuspicious
	}
	if len(legitimate) == 0 {
		legitimate = DefaultLegitimate
	}
	return &Matcher{
		suspicious: compile(suspicious),
		legitimate: compile(legitimate),
	}
}

// Legitimate returns the matching allow-list entry, if any
func (m *Matcher) Legitimate(userAgent string) (string, bool) {
	return match(m.legitimate, userAgent)
}

// Suspicious returns the first matching automation pattern, if any
func (m *Matcher) Suspicious(userAgent string) (string, bool) {
	return match(m.suspicious, userAgent)
}

func match(patterns []Pattern, userAgent string) (string, bool) {
	if userAgent == "" {
		return "", false
	}
	for _, p := range patterns {
		if p.re.MatchString(userAgent) {
			return p.Name, true
		}
	}
	return "", false
}

// IsChromeFamily reports whether the agent claims a Chromium-based browser,
// which must expose window.chrome
func IsChromeFamily(userAgent string) bool {
	if strings.Contains(strings.ToLower(userAgent), "chrome") {
		return true
	}
	name, _ := useragent.New(userAgent).Browser()
	switch name {
	case "Chrome", "Chromium", "Edge":
		return true
	}
	return false
}

// IsFirefoxFamily reports whether the agent is Gecko Firefox, which reports
// zero plugins legitimately
func IsFirefoxFamily(userAgent string) bool {
	if strings.Contains(strings.ToLower(userAgent), "firefox") {
		return true
	}
	name, _ := useragent.New(userAgent).Browser()
	return name == "Firefox"
}
