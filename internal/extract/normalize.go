package extract

import (
	"net/url"
	"strings"
)

var trackingParams = map[string]struct{}{
	"ref":    {},
	"fbclid": {},
	"gclid":  {},
	"mc_cid": {},
	"mc_eid": {},
}

// NormalizeURL drops the fragment and tracking parameters so two links to
// the same chapter compare equal.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Host = strings.ToLower(u.Host)
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			lower := strings.ToLower(key)
			if _, drop := trackingParams[lower]; drop || strings.HasPrefix(lower, "utm_") {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SamePath reports whether location points at the page target names, ignoring
// query and trailing slash. Used to notice a bounce back to the login form.
func SamePath(location, target string) bool {
	loc, err := url.Parse(location)
	if err != nil {
		return false
	}
	want, err := url.Parse(target)
	if err != nil || want.Path == "" {
		return false
	}
	if want.Host != "" && !strings.EqualFold(loc.Host, want.Host) {
		return false
	}
	return strings.TrimSuffix(loc.Path, "/") == strings.TrimSuffix(want.Path, "/")
}
