package fraud

import (
	"context"
	"strings"

	"github.com/yaat/clickshield/internal/bot"
)

// Bot indicator names recorded in BotEvidence
const (
	IndicatorBotUserAgent      = "bot_user_agent"
	IndicatorMissingUserAgent  = "missing_user_agent"
	IndicatorWebdriver         = "webdriver_true"
	IndicatorHoneypot          = "honeypot_filled"
	IndicatorChromeMissing     = "chrome_object_missing"
	IndicatorNoLanguages       = "no_languages"
	IndicatorNoPlugins         = "no_plugins"
	IndicatorJSChallengeFailed = "js_challenge_failed"
	IndicatorNoClientSignals   = "no_client_signals"
)

const maxEvidenceUserAgent = 200

// BotHeuristics combines user-agent patterns with the pixel's browser
// checks. It runs for every event and has no idempotency guard.
type BotHeuristics struct {
	matcher *bot.Matcher
}

func NewBotHeuristics(matcher *bot.Matcher) *BotHeuristics {
	if matcher == nil {
		matcher = bot.NewMatcher(nil, nil)
	}
	return &BotHeuristics{matcher: matcher}
}

func (d *BotHeuristics) Kind() SignalKind { return KindBotDetected }
func (d *BotHeuristics) Phase() Phase     { return PhaseRealtime }

func (d *BotHeuristics) Applies(in Input) bool {
	return in.Config.BotDetectionEnabled
}

func (d *BotHeuristics) Detect(_ context.Context, in Input) (*Finding, error) {
	ua := in.Event.UserAgent

	// Allow-listed crawlers short-circuit every other indicator
	if _, ok := d.matcher.Legitimate(ua); ok {
		return nil, nil
	}

	indicators := d.indicators(ua, in.Bundle, in.Event.BotSignals)
	if len(indicators) == 0 {
		return nil, nil
	}

	return &Finding{
		Kind:   KindBotDetected,
		Points: in.Config.BotDetectionPoints,
		Reason: "Bot indicators detected: " + strings.Join(indicators, ", "),
		Evidence: BotEvidence{
			Indicators:         indicators,
			UserAgent:          truncateRunes(ua, maxEvidenceUserAgent),
			BotSignalsReceived: in.Bundle.Received(),
		},
	}, nil
}

func (d *BotHeuristics) indicators(ua string, bundle, stored *ClientSignals) []string {
	var out []string

	if _, ok := d.matcher.Suspicious(ua); ok {
		out = append(out, IndicatorBotUserAgent)
	}
	if ua == "" {
		out = append(out, IndicatorMissingUserAgent)
	}

	if bundle.Received() {
		if bundle.Webdriver {
			out = append(out, IndicatorWebdriver)
		}
		if bundle.HoneypotFilled {
			out = append(out, IndicatorHoneypot)
		}
		if bundle.ChromeMissing && bot.IsChromeFamily(ua) {
			out = append(out, IndicatorChromeMissing)
		}
		if bundle.LanguagesCount != nil && *bundle.LanguagesCount == 0 {
			out = append(out, IndicatorNoLanguages)
		}
		if bundle.PluginsCount != nil && *bundle.PluginsCount == 0 && !bot.IsFirefoxFamily(ua) {
			out = append(out, IndicatorNoPlugins)
		}
		if bundle.JSChallengePassed != nil && !*bundle.JSChallengePassed {
			out = append(out, IndicatorJSChallengeFailed)
		}
	}

	// A client that executed no script at all is most likely headless
	if !bundle.Received() && !stored.Received() {
		out = append(out, IndicatorNoClientSignals)
	}

	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
