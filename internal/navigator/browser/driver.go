// Package browser implements navigator.Driver on top of a real Chrome via
// chromedp, for readers that render chapters with JavaScript.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/extract"
)

// Config controls the browser driver.
type Config struct {
	LoginURL           string        `mapstructure:"login_url"`
	IdentifierSelector string        `mapstructure:"identifier_selector"`
	SecretSelector     string        `mapstructure:"secret_selector"`
	SubmitSelector     string        `mapstructure:"submit_selector"`
	LoginErrorSelector string        `mapstructure:"login_error_selector"`
	UserAgent          string        `mapstructure:"user_agent"`
	Headless           bool          `mapstructure:"headless"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	ScrollPause        time.Duration `mapstructure:"scroll_pause"`
	ScrollMaxCycles    int           `mapstructure:"scroll_max_cycles"`
	ScrollStableCycles int           `mapstructure:"scroll_stable_cycles"`
	ExtraHeaders       http.Header   `mapstructure:"-"`
	Rules              extract.Rules `mapstructure:"-"`

	// HostRules override Rules on matching hosts.
	HostRules []extract.HostRules `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.IdentifierSelector == "" {
		c.IdentifierSelector = "#email"
	}
	if c.SecretSelector == "" {
		c.SecretSelector = "#password"
	}
	if c.SubmitSelector == "" {
		c.SubmitSelector = `button[type="submit"]`
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 1500 * time.Millisecond
	}
	if c.ScrollPause <= 0 {
		c.ScrollPause = 350 * time.Millisecond
	}
	if c.ScrollMaxCycles <= 0 {
		c.ScrollMaxCycles = 140
	}
	if c.ScrollStableCycles <= 0 {
		c.ScrollStableCycles = 4
	}
	c.Rules = c.Rules.WithDefaults()
	return c
}

// Driver keeps one browser alive across chapters of a run.
type Driver struct {
	cfg     Config
	rules   extract.RuleSet
	account download.Account
	logger  *zap.Logger

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	meta          *responseMeta
	lastHTML      string
	lastURL       string
}

// New builds a driver. Chrome is started lazily on first use.
func New(cfg Config, account download.Account, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Driver{cfg: cfg, rules: extract.NewRuleSet(cfg.Rules, cfg.HostRules), account: account, logger: logger}
}

// ensureBrowser starts Chrome and enables the network domain once.
func (d *Driver) ensureBrowser() error {
	if d.browserCtx != nil {
		return nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if d.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(d.logger.Sugar().Debugf))

	meta := newResponseMeta()
	chromedp.ListenTarget(browserCtx, meta.captureEvent)

	// The first Run allocates the browser, so it must not carry a deadline.
	if err := chromedp.Run(browserCtx, d.networkSetupAction()); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start browser: %w: %w", download.ErrTransient, err)
	}
	d.allocCtx, d.allocCancel = allocCtx, allocCancel
	d.browserCtx, d.browserCancel = browserCtx, browserCancel
	d.meta = meta
	d.logger.Debug("browser started", zap.Bool("headless", d.cfg.Headless))
	return nil
}

func (d *Driver) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if d.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(d.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(d.cfg.ExtraHeaders) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(d.cfg.ExtraHeaders)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// task derives a bounded context from the browser tab that also ends when
// the caller's ctx does.
func (d *Driver) task(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithTimeout(d.browserCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return taskCtx, func() {
		stop()
		cancel()
	}
}

// runErr maps a chromedp failure onto the download taxonomy.
func runErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, download.ErrTransient, err)
}

// Authenticate fills the login form and checks where the browser lands.
func (d *Driver) Authenticate(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cfg.LoginURL == "" {
		return fmt.Errorf("login: no login url configured: %w", download.ErrInvalidCredentials)
	}
	if d.account.Empty() {
		return fmt.Errorf("login: no account configured: %w", download.ErrInvalidCredentials)
	}
	if err := d.ensureBrowser(); err != nil {
		return err
	}
	taskCtx, cancel := d.task(ctx, d.cfg.NavigationTimeout)
	defer cancel()

	var (
		location string
		rejected bool
	)
	actions := []chromedp.Action{
		chromedp.Navigate(d.cfg.LoginURL),
		chromedp.WaitVisible(d.cfg.IdentifierSelector, chromedp.ByQuery),
		chromedp.SendKeys(d.cfg.IdentifierSelector, d.account.Identifier, chromedp.ByQuery),
		chromedp.SendKeys(d.cfg.SecretSelector, d.account.Secret, chromedp.ByQuery),
		chromedp.Click(d.cfg.SubmitSelector, chromedp.ByQuery),
		chromedp.Sleep(d.cfg.SettleDelay),
		chromedp.Location(&location),
	}
	if d.cfg.LoginErrorSelector != "" {
		actions = append(actions, chromedp.Evaluate(existsScript(d.cfg.LoginErrorSelector), &rejected))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return runErr(ctx, "login", err)
	}
	if rejected || extract.SamePath(location, d.cfg.LoginURL) {
		return fmt.Errorf("login: still on %s after submit: %w", location, download.ErrInvalidCredentials)
	}
	d.logger.Info("browser login succeeded")
	return nil
}

// LoadChapter navigates to chapterURL, scrolls until lazy images settle and
// extracts them.
func (d *Driver) LoadChapter(ctx context.Context, chapterURL string) (download.ChapterPage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureBrowser(); err != nil {
		return download.ChapterPage{}, err
	}
	budget := d.cfg.NavigationTimeout + time.Duration(d.cfg.ScrollMaxCycles)*d.cfg.ScrollPause*2
	taskCtx, cancel := d.task(ctx, budget)
	defer cancel()

	d.meta.reset()
	var location string
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(chapterURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
	); err != nil {
		return download.ChapterPage{}, runErr(ctx, "navigate chapter", err)
	}
	status, responseURL := d.meta.snapshotWithFallbacks(chapterURL, location)
	if d.cfg.LoginURL != "" && extract.SamePath(location, d.cfg.LoginURL) {
		return download.ChapterPage{}, fmt.Errorf("chapter %s redirected to login: %w", chapterURL, download.ErrAuthExpired)
	}
	if err := statusError(responseURL, status); err != nil {
		return download.ChapterPage{}, err
	}

	rules := d.rules.For(location)
	if err := d.scrollUntilStable(taskCtx, rules); err != nil {
		return download.ChapterPage{}, runErr(ctx, "scroll chapter", err)
	}
	var html string
	if err := chromedp.Run(taskCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return download.ChapterPage{}, runErr(ctx, "read chapter html", err)
	}

	page, err := extract.ParseString(html, location)
	if err != nil {
		return download.ChapterPage{}, fmt.Errorf("%w: %w", download.ErrNavigation, err)
	}
	if page.Blocked() {
		return download.ChapterPage{}, fmt.Errorf("%w: challenge page at %s", download.ErrNavigation, location)
	}
	d.lastHTML, d.lastURL = html, location
	return download.ChapterPage{URL: location, Images: page.Images(rules)}, nil
}

// scrollUntilStable scrolls the reader until the image count stops changing
// for ScrollStableCycles consecutive cycles. Every tenth cycle jumps to the
// bottom to trigger loaders anchored there.
func (d *Driver) scrollUntilStable(ctx context.Context, rules extract.Rules) error {
	count := countScript(rules)
	last, stable := -1, 0
	for cycle := 1; cycle <= d.cfg.ScrollMaxCycles; cycle++ {
		scroll := scrollStepScript
		if cycle%10 == 0 {
			scroll = scrollBottomScript
		}
		var seen int
		if err := chromedp.Run(ctx,
			chromedp.Evaluate(scroll, nil),
			chromedp.Sleep(d.cfg.ScrollPause),
			chromedp.Evaluate(count, &seen),
		); err != nil {
			return fmt.Errorf("scroll cycle %d: %w", cycle, err)
		}
		if seen == last {
			stable++
			if stable >= d.cfg.ScrollStableCycles {
				return nil
			}
			continue
		}
		last, stable = seen, 0
	}
	d.logger.Debug("scroll budget spent before images settled", zap.Int("images", last))
	return nil
}

// NextChapterLink reads the next affordance of the last chapter. Script-only
// controls are clicked and the resulting location is returned.
func (d *Driver) NextChapterLink(ctx context.Context) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.lastHTML == "" {
		return "", false, fmt.Errorf("next chapter: no chapter loaded: %w", download.ErrNavigation)
	}
	page, err := extract.ParseString(d.lastHTML, d.lastURL)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", download.ErrNavigation, err)
	}
	link, ok := page.Next(d.rules.For(d.lastURL))
	if !ok {
		return "", false, nil
	}
	if link.Href != "" {
		return link.Href, true, nil
	}
	if err := d.ensureBrowser(); err != nil {
		return "", false, err
	}

	taskCtx, cancel := d.task(ctx, d.cfg.NavigationTimeout)
	defer cancel()
	var clicked bool
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(clickScript(link.Text), &clicked)); err != nil {
		return "", false, runErr(ctx, "click next chapter", err)
	}
	if !clicked {
		return "", false, fmt.Errorf("%w: next control %q vanished before click", download.ErrNavigation, link.Text)
	}
	location, err := d.awaitLocationChange(taskCtx, d.lastURL)
	if err != nil {
		return "", false, runErr(ctx, "follow next chapter", err)
	}
	return extract.NormalizeURL(location), true, nil
}

// CoverImage opens a work's catalog page in the session tab and reads its
// cover image URL.
func (d *Driver) CoverImage(ctx context.Context, workURL string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureBrowser(); err != nil {
		return "", false, err
	}
	taskCtx, cancel := d.task(ctx, d.cfg.NavigationTimeout)
	defer cancel()

	d.meta.reset()
	var location, html string
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(workURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", false, runErr(ctx, "navigate work page", err)
	}
	status, responseURL := d.meta.snapshotWithFallbacks(workURL, location)
	if err := statusError(responseURL, status); err != nil {
		return "", false, err
	}
	page, err := extract.ParseString(html, location)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", download.ErrNavigation, err)
	}
	cover, ok := page.Cover(d.rules.For(location))
	return cover, ok, nil
}

// awaitLocationChange polls until the tab leaves from or the settle window
// passes. An unchanged location is returned as is; the caller decides
// whether that is a loop.
func (d *Driver) awaitLocationChange(ctx context.Context, from string) (string, error) {
	deadline := time.Now().Add(d.cfg.SettleDelay * 4)
	var location string
	for {
		if err := chromedp.Run(ctx, chromedp.Sleep(d.cfg.SettleDelay/4), chromedp.Location(&location)); err != nil {
			return "", err
		}
		if extract.NormalizeURL(location) != extract.NormalizeURL(from) || time.Now().After(deadline) {
			return location, nil
		}
	}
}

// AuthContext exports the tab's cookies for plain HTTP image fetches.
func (d *Driver) AuthContext(ctx context.Context) (download.AuthContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browserCtx == nil {
		return download.AuthContext{Headers: d.baseHeaders()}, nil
	}
	taskCtx, cancel := d.task(ctx, d.cfg.NavigationTimeout)
	defer cancel()

	var (
		cookies []*network.Cookie
		ua      string
	)
	if err := chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
		chromedp.Evaluate(`navigator.userAgent`, &ua),
	); err != nil {
		return download.AuthContext{}, runErr(ctx, "export cookies", err)
	}
	headers := d.baseHeaders()
	if headers.Get("User-Agent") == "" && ua != "" {
		headers.Set("User-Agent", ua)
	}
	return download.AuthContext{Cookies: toHTTPCookies(cookies), Headers: headers}, nil
}

func (d *Driver) baseHeaders() http.Header {
	headers := cloneHeader(d.cfg.ExtraHeaders)
	if headers == nil {
		headers = http.Header{}
	}
	if d.cfg.UserAgent != "" {
		headers.Set("User-Agent", d.cfg.UserAgent)
	}
	return headers
}

// Reset closes the browser; the next call starts a clean profile.
func (d *Driver) Reset(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown()
	return nil
}

// Close stops Chrome.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown()
	return nil
}

func (d *Driver) shutdown() {
	if d.browserCancel != nil {
		d.browserCancel()
	}
	if d.allocCancel != nil {
		d.allocCancel()
	}
	d.allocCtx, d.allocCancel = nil, nil
	d.browserCtx, d.browserCancel = nil, nil
	d.meta = nil
	d.lastHTML, d.lastURL = "", ""
}

// statusError turns the document response status into a classified error.
func statusError(pageURL string, status int) error {
	if status == 0 || status < 400 {
		return nil
	}
	return fmt.Errorf("load chapter: %w", &download.HTTPStatusError{URL: pageURL, StatusCode: status})
}

const (
	scrollStepScript   = `window.scrollBy(0, Math.floor(window.innerHeight * 0.9))`
	scrollBottomScript = `window.scrollTo(0, document.body.scrollHeight)`
)

// countScript counts candidate images inside the first matching container.
func countScript(rules extract.Rules) string {
	containers, _ := json.Marshal(rules.ContainerSelectors)
	wrapper, _ := json.Marshal(rules.WrapperSelector)
	return fmt.Sprintf(`(() => {
  let root = document;
  for (const sel of %s) {
    const el = document.querySelector(sel);
    if (el) { root = el; break; }
  }
  const wrappers = root.querySelectorAll(%s).length;
  const imgs = root.querySelectorAll("img").length;
  return Math.max(wrappers, imgs);
})()`, containers, wrapper)
}

// clickScript clicks the first enabled a/button labelled label.
func clickScript(label string) string {
	quoted, _ := json.Marshal(strings.TrimSpace(label))
	return fmt.Sprintf(`(() => {
  const label = %s;
  for (const el of document.querySelectorAll("a, button")) {
    if ((el.innerText || "").trim() !== label) continue;
    if (el.disabled || el.getAttribute("aria-disabled") === "true" || el.classList.contains("disabled")) continue;
    el.click();
    return true;
  }
  return false;
})()`, quoted)
}

func existsScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`document.querySelector(%s) !== null`, quoted)
}

func toHTTPCookies(cookies []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if !c.Session && c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, hc)
	}
	return out
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status, m.url = 0, ""
	m.mu.Unlock()
}

// capture keeps the status of the latest document response.
func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, responseURL := m.status, m.url
	m.mu.RUnlock()
	switch {
	case responseURL != "":
	case finalURL != "":
		responseURL = finalURL
	default:
		responseURL = requestURL
	}
	return status, responseURL
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	return src.Clone()
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
