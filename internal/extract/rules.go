// Package extract reads chapter pages: the ordered image list, the "next
// chapter" affordance and a few signs of an interstitial challenge page.
package extract

// Rules tune extraction for one site layout.
type Rules struct {
	// ContainerSelectors are tried in order; the first match scopes image search.
	ContainerSelectors []string `mapstructure:"container_selectors"`
	// CommentSelectors mark regions whose images never count.
	CommentSelectors []string `mapstructure:"comment_selectors"`
	// WrapperSelector groups one page image each when the reader uses wrappers.
	WrapperSelector string `mapstructure:"wrapper_selector"`
	// NextSelectors match the next-chapter control directly.
	NextSelectors []string `mapstructure:"next_selectors"`
	// NextTexts match the next-chapter control by its label.
	NextTexts []string `mapstructure:"next_texts"`
	// JunkMarkers drop URLs containing any of them.
	JunkMarkers []string `mapstructure:"junk_markers"`
	// MinDimension drops images whose declared width or height is smaller.
	MinDimension int `mapstructure:"min_dimension"`
	// CoverSelectors locate the cover image on a work's catalog page.
	CoverSelectors []string `mapstructure:"cover_selectors"`
}

// DefaultRules mirror the reader layouts seen in production.
func DefaultRules() Rules {
	return Rules{
		ContainerSelectors: []string{
			".images-container",
			"#chapter-content",
			".reading-content",
			".wp-manga-chapter-img",
			".chapter-content",
			".entry-content",
		},
		CommentSelectors: []string{
			"#comments",
			".comments",
			".chapter-comments",
			".comentarios-section",
			".comment",
			".wpd-comment",
		},
		WrapperSelector: ".page-wrapper",
		NextSelectors:   []string{"a[rel=next]", "a.next_page", "a.next-chapter"},
		NextTexts:       []string{"Próximo", "Proximo", "Next"},
		JunkMarkers:     []string{"avatar", "logo", "icon", "favicon", "sprite", "emoji"},
		MinDimension:    300,
		CoverSelectors: []string{
			".cover img",
			".capa img",
			"[class*=cover] img",
			"[class*=capa] img",
			"img[src*=cover]",
			"img[src*=capa]",
			"img[src*=storage]",
		},
	}
}

// WithDefaults fills empty fields from DefaultRules.
func (r Rules) WithDefaults() Rules {
	def := DefaultRules()
	if len(r.ContainerSelectors) == 0 {
		r.ContainerSelectors = def.ContainerSelectors
	}
	if len(r.CommentSelectors) == 0 {
		r.CommentSelectors = def.CommentSelectors
	}
	if r.WrapperSelector == "" {
		r.WrapperSelector = def.WrapperSelector
	}
	if len(r.NextSelectors) == 0 {
		r.NextSelectors = def.NextSelectors
	}
	if len(r.NextTexts) == 0 {
		r.NextTexts = def.NextTexts
	}
	if len(r.JunkMarkers) == 0 {
		r.JunkMarkers = def.JunkMarkers
	}
	if len(r.CoverSelectors) == 0 {
		r.CoverSelectors = def.CoverSelectors
	}
	return r
}
