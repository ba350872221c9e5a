package extract

import (
	"net/url"
	"strings"
)

// HostRules override the default rules on one host. Fields left empty keep
// the default.
type HostRules struct {
	Host  string `mapstructure:"host"`
	Rules `mapstructure:",squash"`
}

// RuleSet picks the rules for a page by its host.
type RuleSet struct {
	def   Rules
	hosts map[string]Rules
}

// NewRuleSet builds a RuleSet. Later entries for the same host win.
func NewRuleSet(def Rules, hosts []HostRules) RuleSet {
	def = def.WithDefaults()
	set := RuleSet{def: def, hosts: make(map[string]Rules, len(hosts))}
	for _, h := range hosts {
		host := normalizeHost(h.Host)
		if host == "" {
			continue
		}
		set.hosts[host] = def.overlay(h.Rules)
	}
	return set
}

// For returns the rules for the page at rawURL.
func (s RuleSet) For(rawURL string) Rules {
	u, err := url.Parse(rawURL)
	if err != nil {
		return s.def
	}
	if r, ok := s.hosts[normalizeHost(u.Hostname())]; ok {
		return r
	}
	return s.def
}

// Default returns the rules used for hosts without an override.
func (s RuleSet) Default() Rules {
	return s.def
}

func normalizeHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}

func (r Rules) overlay(o Rules) Rules {
	if len(o.ContainerSelectors) > 0 {
		r.ContainerSelectors = o.ContainerSelectors
	}
	if len(o.CommentSelectors) > 0 {
		r.CommentSelectors = o.CommentSelectors
	}
	if o.WrapperSelector != "" {
		r.WrapperSelector = o.WrapperSelector
	}
	if len(o.NextSelectors) > 0 {
		r.NextSelectors = o.NextSelectors
	}
	if len(o.NextTexts) > 0 {
		r.NextTexts = o.NextTexts
	}
	if len(o.JunkMarkers) > 0 {
		r.JunkMarkers = o.JunkMarkers
	}
	if len(o.CoverSelectors) > 0 {
		r.CoverSelectors = o.CoverSelectors
	}
	if o.MinDimension > 0 {
		r.MinDimension = o.MinDimension
	}
	return r
}
