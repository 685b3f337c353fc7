package enrichment

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		want    string
	}{
		{"remote addr", "203.0.113.7:5123", nil, "203.0.113.7"},
		{"forwarded first hop", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "8.8.8.8, 10.0.0.2"}, "8.8.8.8"},
		{"real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": " 1.1.1.1 "}, "1.1.1.1"},
		{"garbage forwarded falls through", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "9.9.9.9"}, "9.9.9.9"},
		{"mapped v4", "[::ffff:8.8.4.4]:443", nil, "8.8.4.4"},
		{"ipv6", "[2001:4860::1]:443", nil, "2001:4860::1"},
		{"no port", "8.8.8.8", nil, "8.8.8.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r))
		})
	}
}

func TestParseUserAgent(t *testing.T) {
	assert.Equal(t, "unknown", ParseUserAgent("").Type)

	d := ParseUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	assert.Equal(t, "desktop", d.Type)
	assert.Equal(t, "Chrome", d.BrowserName)
	assert.False(t, d.IsMobile)

	d = ParseUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1")
	assert.Equal(t, "mobile", d.Type)
	assert.True(t, d.IsMobile)

	d = ParseUserAgent("Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1")
	assert.Equal(t, "tablet", d.Type)

	d = ParseUserAgent("Mozilla/5.0 (Linux; Android 14; SM-X710) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	assert.Equal(t, "tablet", d.Type)

	d = ParseUserAgent("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	assert.True(t, d.IsBot)
}
