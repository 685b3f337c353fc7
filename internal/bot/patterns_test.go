package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcherDefaults(t *testing.T) {
	m := NewMatcher(nil, nil)

	name, ok := m.Suspicious("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36")
	assert.True(t, ok)
	assert.Equal(t, "HeadlessChrome", name)

	_, ok = m.Suspicious("CURL/8.4.0")
	assert.True(t, ok, "matching is case-insensitive")

	_, ok = m.Suspicious("")
	assert.False(t, ok)

	name, ok = m.Legitimate("Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)")
	assert.True(t, ok)
	assert.Equal(t, "bingbot", name)

	_, ok = m.Legitimate("Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0")
	assert.False(t, ok)
}

func TestMatcherCustomLists(t *testing.T) {
	m := NewMatcher([]string{"EvilBot", " "}, []string{"FriendlyBot"})

	_, ok := m.Suspicious("evilbot/1.0")
	assert.True(t, ok)
	_, ok = m.Suspicious("curl/8.4.0")
	assert.False(t, ok, "custom list replaces the defaults")
	_, ok = m.Legitimate("FriendlyBot/2")
	assert.True(t, ok)
	_, ok = m.Legitimate("Googlebot/2.1")
	assert.False(t, ok)
}

func TestMatcherQuotesPatterns(t *testing.T) {
	m := NewMatcher([]string{"a.b"}, nil)
	_, ok := m.Suspicious("axb")
	assert.False(t, ok)
	_, ok = m.Suspicious("a.b/1")
	assert.True(t, ok)
}

func TestBrowserFamilies(t *testing.T) {
	chrome := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	firefox := "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
	safari := "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_2) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15"

	assert.True(t, IsChromeFamily(chrome))
	assert.False(t, IsChromeFamily(firefox))
	assert.False(t, IsChromeFamily(safari))

	assert.True(t, IsFirefoxFamily(firefox))
	assert.False(t, IsFirefoxFamily(chrome))
}
