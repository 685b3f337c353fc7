package identification

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// clientKeys are the browser fingerprint components the pixel may send, in
// hashing order
var clientKeys = []string{
	"canvas", "webgl", "audio", "fonts", "screen",
	"timezone", "platform", "hardwareConcurrency", "deviceMemory",
}

// Components are the inputs of a visitor fingerprint
type Components struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	// Client holds the pixel's fingerprint object, if sent
	Client map[string]any
}

// Generator creates keyed visitor fingerprints
type Generator struct {
	secretKey string
}

// New creates a new fingerprint generator
func New(secretKey string) *Generator {
	return &Generator{secretKey: secretKey}
}

// Fingerprint hashes the request headers and client components. Empty
// components are skipped, so a visitor keeps the same hash when the pixel
// omits one. It returns "" when there is nothing to hash.
func (g *Generator) Fingerprint(c Components) string {
	parts := []string{}
	for _, p := range []string{c.UserAgent, c.AcceptLanguage, c.AcceptEncoding} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for _, key := range clientKeys {
		if v := componentString(c.Client[key]); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return g.hmacHash(strings.Join(parts, "|"))
}

func componentString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if !val {
			return ""
		}
		return "true"
	case float64:
		if val == 0 {
			return ""
		}
		return fmt.Sprintf("%g", val)
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			items = append(items, componentString(item))
		}
		return strings.Join(items, ",")
	default:
		return fmt.Sprint(val)
	}
}

func (g *Generator) hmacHash(data string) string {
	h := hmac.New(sha256.New, []byte(g.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
