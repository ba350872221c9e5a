// Package robots gates asset requests on the host's robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
)

const maxRobotsBytes = 1 << 20

// Waiter paces requests. It matches asset.Waiter.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the enforcer.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Enforcer checks robots.txt before handing the request on to the next
// Waiter. Each host's rules are fetched once and cached.
type Enforcer struct {
	next      Waiter
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// New wraps next, which may be nil.
func New(cfg Config, next Waiter, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "chapterd"
	}
	return &Enforcer{
		next:      next,
		client:    &http.Client{Timeout: cfg.Timeout},
		userAgent: ua,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Wait fails with download.ErrDisallowed when robots.txt forbids rawURL.
// An unreachable robots.txt allows the request.
func (e *Enforcer) Wait(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse %q: %w", rawURL, err)
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
	} else if !data.TestAgent(parsed.EscapedPath(), e.userAgent) {
		return fmt.Errorf("get %s: %w", rawURL, download.ErrDisallowed)
	}
	if e.next == nil {
		return nil
	}
	return e.next.Wait(ctx, rawURL)
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	e.mu.Lock()
	data, ok := e.cache[hostKey]
	e.mu.Unlock()
	if ok {
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err = robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	e.mu.Lock()
	e.cache[hostKey] = data
	e.mu.Unlock()
	return data, nil
}
