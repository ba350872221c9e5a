package extract

import (
	"strings"
)

// Visible text longer than this is a real page, not a challenge screen.
const blockedTextThreshold = 2048

var blockedTitles = []string{"just a moment", "attention required"}

// Blocked reports whether the document looks like an interstitial challenge
// or an access-denied page rather than chapter content.
func (p *Page) Blocked() bool {
	title := strings.ToLower(p.Title())
	for _, marker := range blockedTitles {
		if strings.Contains(title, marker) {
			return true
		}
	}
	if p.doc.Find(`iframe[src*="turnstile"], input[name="cf-turnstile-response"]`).Length() > 0 {
		return true
	}

	text := strings.ToLower(strings.Join(strings.Fields(p.doc.Find("body").Text()), " "))
	if len(text) > blockedTextThreshold {
		return false
	}
	if strings.Contains(text, "cloudflare") &&
		(strings.Contains(text, "checking your browser") || strings.Contains(text, "verify you are human")) {
		return true
	}
	return strings.Contains(text, "access denied")
}
