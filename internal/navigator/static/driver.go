// Package static implements navigator.Driver with plain HTTP through colly,
// for readers that serve chapter images in the initial HTML.
package static

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/extract"
)

const maxRedirects = 10

// Config controls the static driver.
type Config struct {
	LoginURL        string        `mapstructure:"login_url"`
	IdentifierField string        `mapstructure:"identifier_field"`
	SecretField     string        `mapstructure:"secret_field"`
	UserAgent       string        `mapstructure:"user_agent"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ExtraHeaders    http.Header   `mapstructure:"-"`
	Rules           extract.Rules `mapstructure:"-"`

	// HostRules override Rules on matching hosts.
	HostRules []extract.HostRules `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.IdentifierField == "" {
		c.IdentifierField = "email"
	}
	if c.SecretField == "" {
		c.SecretField = "password"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	c.Rules = c.Rules.WithDefaults()
	return c
}

// Driver keeps one cookie jar for the session; every request runs on a
// clone of the base collector so callbacks never leak between calls.
type Driver struct {
	cfg     Config
	rules   extract.RuleSet
	account download.Account
	logger  *zap.Logger

	mu       sync.Mutex
	base     *colly.Collector
	lastBody []byte
	lastURL  string
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// response is what a single visit observed.
type response struct {
	status   int
	finalURL string
	body     []byte
}

// New builds a static driver.
func New(cfg Config, account download.Account, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	d := &Driver{cfg: cfg, rules: extract.NewRuleSet(cfg.Rules, cfg.HostRules), account: account, logger: logger}
	if err := d.resetCollector(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) resetCollector() error {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(d.cfg.Timeout)
	if d.cfg.UserAgent != "" {
		c.UserAgent = d.cfg.UserAgent
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	c.SetCookieJar(jar)
	d.base = c
	return nil
}

// Authenticate submits the login form, keeping any hidden fields such as
// CSRF tokens the page carries.
func (d *Driver) Authenticate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.LoginURL == "" {
		return fmt.Errorf("login: no login url configured: %w", download.ErrInvalidCredentials)
	}
	if d.account.Empty() {
		return fmt.Errorf("login: no account configured: %w", download.ErrInvalidCredentials)
	}

	page, err := d.visit(ctx, http.MethodGet, d.cfg.LoginURL, nil)
	if err != nil {
		return fmt.Errorf("load login form: %w", err)
	}
	if err := statusError(page); err != nil {
		return fmt.Errorf("load login form: %w", err)
	}
	action, fields, err := d.loginForm(page)
	if err != nil {
		return err
	}
	fields[d.cfg.IdentifierField] = d.account.Identifier
	fields[d.cfg.SecretField] = d.account.Secret

	res, err := d.visit(ctx, http.MethodPost, action, fields)
	if err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	switch {
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return fmt.Errorf("submit login: status %d: %w", res.status, download.ErrInvalidCredentials)
	case res.status >= http.StatusInternalServerError:
		return fmt.Errorf("submit login: %w", &download.HTTPStatusError{URL: action, StatusCode: res.status})
	case extract.SamePath(res.finalURL, d.cfg.LoginURL) && d.hasLoginForm(res):
		return fmt.Errorf("submit login: still on %s: %w", res.finalURL, download.ErrInvalidCredentials)
	}
	d.logger.Info("static login succeeded")
	return nil
}

// loginForm locates the form holding the identifier field and returns its
// absolute action and current field values.
func (d *Driver) loginForm(page response) (string, map[string]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.body))
	if err != nil {
		return "", nil, fmt.Errorf("parse login form: %w: %w", download.ErrNavigation, err)
	}
	form := doc.Find("form").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find(fmt.Sprintf("input[name=%q]", d.cfg.IdentifierField)).Length() > 0
	}).First()
	if form.Length() == 0 {
		return "", nil, fmt.Errorf("login page has no %q field: %w", d.cfg.IdentifierField, download.ErrNavigation)
	}

	fields := make(map[string]string)
	form.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		value, _ := s.Attr("value")
		fields[name] = value
	})

	base, err := url.Parse(page.finalURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse login url: %w", err)
	}
	action := base.String()
	if raw, ok := form.Attr("action"); ok && raw != "" {
		ref, err := url.Parse(raw)
		if err != nil {
			return "", nil, fmt.Errorf("parse login action: %w", err)
		}
		action = base.ResolveReference(ref).String()
	}
	return action, fields, nil
}

func (d *Driver) hasLoginForm(res response) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.body))
	if err != nil {
		return false
	}
	return doc.Find(fmt.Sprintf("input[name=%q]", d.cfg.SecretField)).Length() > 0
}

// LoadChapter fetches chapterURL and extracts its images.
func (d *Driver) LoadChapter(ctx context.Context, chapterURL string) (download.ChapterPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.visit(ctx, http.MethodGet, chapterURL, nil)
	if err != nil {
		return download.ChapterPage{}, fmt.Errorf("fetch chapter: %w", err)
	}
	if d.cfg.LoginURL != "" && extract.SamePath(res.finalURL, d.cfg.LoginURL) {
		return download.ChapterPage{}, fmt.Errorf("chapter %s redirected to login: %w", chapterURL, download.ErrAuthExpired)
	}
	if err := statusError(res); err != nil {
		return download.ChapterPage{}, err
	}

	page, err := extract.Parse(bytes.NewReader(res.body), res.finalURL)
	if err != nil {
		return download.ChapterPage{}, fmt.Errorf("%w: %w", download.ErrNavigation, err)
	}
	if page.Blocked() {
		return download.ChapterPage{}, fmt.Errorf("%w: challenge page at %s", download.ErrNavigation, res.finalURL)
	}
	d.lastBody, d.lastURL = res.body, res.finalURL
	return download.ChapterPage{URL: res.finalURL, Images: page.Images(d.rules.For(res.finalURL))}, nil
}

// NextChapterLink resolves the next control of the last chapter. Controls
// that only work through scripts cannot be followed over plain HTTP.
func (d *Driver) NextChapterLink(context.Context) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastBody == nil {
		return "", false, fmt.Errorf("next chapter: no chapter loaded: %w", download.ErrNavigation)
	}
	page, err := extract.Parse(bytes.NewReader(d.lastBody), d.lastURL)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", download.ErrNavigation, err)
	}
	link, ok := page.Next(d.rules.For(d.lastURL))
	if !ok {
		return "", false, nil
	}
	if link.Href == "" {
		return "", false, fmt.Errorf("%w: next control %q has no link; use the browser driver", download.ErrNavigation, link.Text)
	}
	return link.Href, true, nil
}

// CoverImage reads the cover image URL from a work's catalog page. The last
// loaded chapter is left as it was.
func (d *Driver) CoverImage(ctx context.Context, workURL string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.visit(ctx, http.MethodGet, workURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("fetch work page: %w", err)
	}
	if err := statusError(res); err != nil {
		return "", false, err
	}
	page, err := extract.Parse(bytes.NewReader(res.body), res.finalURL)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", download.ErrNavigation, err)
	}
	cover, ok := page.Cover(d.rules.For(res.finalURL))
	return cover, ok, nil
}

// AuthContext exports the jar's cookies for the last chapter host.
func (d *Driver) AuthContext(context.Context) (download.AuthContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	headers := d.cfg.ExtraHeaders.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if d.cfg.UserAgent != "" {
		headers.Set("User-Agent", d.cfg.UserAgent)
	}
	auth := download.AuthContext{Headers: headers}
	if d.lastURL != "" {
		auth.Cookies = d.base.Cookies(d.lastURL)
	}
	return auth, nil
}

// Reset discards the cookie jar.
func (d *Driver) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastBody, d.lastURL = nil, ""
	return d.resetCollector()
}

// Close is a no-op; the transport's idle connections are reclaimed with it.
func (d *Driver) Close() error {
	return nil
}

func (d *Driver) visit(ctx context.Context, method, target string, form map[string]string) (response, error) {
	var (
		res      = response{finalURL: target}
		fetchErr error
	)
	collector := d.base.Clone()
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		res.finalURL = req.URL.String()
		return nil
	})
	d.configureHooks(collector, &res, &fetchErr)

	done := make(chan error, 1)
	go func() {
		if method == http.MethodPost {
			done <- collector.Post(target, form)
			return
		}
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return response{}, fmt.Errorf("colly %s %s: %w: %w", method, target, download.ErrTransient, err)
		}
		return res, nil
	}
}

func (d *Driver) configureHooks(hooks collectorHooks, res *response, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range d.cfg.ExtraHeaders {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func statusError(res response) error {
	if res.status < http.StatusBadRequest {
		return nil
	}
	return fmt.Errorf("load %s: %w", res.finalURL, &download.HTTPStatusError{URL: res.finalURL, StatusCode: res.status})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
