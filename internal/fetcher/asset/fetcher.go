// Package asset downloads chapter images over plain HTTP, streaming each body
// to a temporary file that is renamed into place only once it is complete.
package asset

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder for header checks
	_ "image/jpeg" // register decoder for header checks
	_ "image/png"  // register decoder for header checks
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"  // register decoder for header checks
	_ "golang.org/x/image/webp" // register decoder for header checks

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/metrics"
	"github.com/JakeFAU/chapterd/internal/retry"
)

// PartSuffix marks an image that is still being written.
const PartSuffix = ".part"

// Config controls the HTTP client.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// ValidateImages decodes the image header before accepting the file.
	ValidateImages bool
}

// Waiter paces requests; ratelimit.Limiter implements it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements download.AssetFetcher with resty.
type Fetcher struct {
	client  *resty.Client
	policy  retry.Policy
	limiter Waiter
	cfg     Config
	logger  *zap.Logger
}

// New builds a Fetcher. Resty's own retries stay off; policy drives attempts.
func New(cfg Config, policy retry.Policy, limiter Waiter, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	client := resty.New().
		SetTransport(newHTTPTransport()).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetLogger(restyLogger{logger.Sugar()}).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Fetcher{
		client:  client,
		policy:  policy,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// FetchImage downloads rawURL to destPath under the retry policy.
func (f *Fetcher) FetchImage(ctx context.Context, rawURL, destPath string, auth download.AuthContext) (int64, error) {
	n, err := retry.Do(ctx, f.policy, func(ctx context.Context, attempt int) (int64, error) {
		n, err := f.fetchOnce(ctx, rawURL, destPath, auth)
		if err != nil {
			f.logger.Debug("image attempt failed",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.String("class", string(retry.Classify(err))),
				zap.Error(err),
			)
		}
		return n, err
	})
	switch {
	case err == nil:
		metrics.ObserveImage(rawURL, "succeeded", n)
	case retry.Classify(err) == retry.Auth:
		metrics.ObserveImage(rawURL, "auth", 0)
	default:
		metrics.ObserveImage(rawURL, "failed", 0)
	}
	return n, err
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, destPath string, auth download.AuthContext) (int64, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return 0, err
		}
	}

	req := f.client.R().SetContext(ctx).SetDoNotParseResponse(true)
	for key, values := range auth.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if len(auth.Cookies) > 0 {
		req.SetCookies(auth.Cookies)
	}

	resp, err := req.Get(rawURL)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("get %s: %w", rawURL, ctxErr)
		}
		return 0, fmt.Errorf("get %s: %w: %w", rawURL, download.ErrTransient, err)
	}
	body := resp.RawBody()
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, 4<<10))
		_ = body.Close()
	}()

	status := resp.StatusCode()
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return 0, &download.HTTPStatusError{URL: rawURL, StatusCode: status}
	}
	if ct := resp.Header().Get("Content-Type"); !acceptableContentType(ct) {
		return 0, fmt.Errorf("get %s: %w: content type %q", rawURL, download.ErrMalformedContent, ct)
	}

	expected := int64(-1)
	if resp.RawResponse != nil {
		expected = resp.RawResponse.ContentLength
	}
	return f.stream(ctx, body, destPath, expected)
}

// stream copies body into destPath+PartSuffix and renames it over destPath
// only when the copy is complete and plausible.
func (f *Fetcher) stream(ctx context.Context, body io.Reader, destPath string, expected int64) (written int64, err error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return 0, fmt.Errorf("create chapter dir: %w", err)
	}
	tmp := destPath + PartSuffix
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304 -- path built from work and sequence numbers.
	if err != nil {
		return 0, fmt.Errorf("open temp image: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	written, copyErr := io.Copy(file, body)
	syncErr := file.Sync()
	closeErr := file.Close()
	switch {
	case copyErr != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, fmt.Errorf("stream image: %w", ctxErr)
		}
		return 0, fmt.Errorf("stream image: %w: %w", download.ErrTransient, copyErr)
	case syncErr != nil:
		return 0, fmt.Errorf("sync temp image: %w", syncErr)
	case closeErr != nil:
		return 0, fmt.Errorf("close temp image: %w", closeErr)
	case written == 0:
		return 0, fmt.Errorf("stream image: %w: empty body", download.ErrMalformedContent)
	case expected > 0 && written != expected:
		return 0, fmt.Errorf("stream image: %w: got %d of %d bytes", download.ErrTransient, written, expected)
	}

	if f.cfg.ValidateImages {
		if err := checkImage(tmp); err != nil {
			return 0, err
		}
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return 0, fmt.Errorf("rename image into place: %w", err)
	}
	return written, nil
}

func acceptableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	return ct == "" ||
		strings.HasPrefix(ct, "image/") ||
		strings.HasPrefix(ct, "application/octet-stream")
}

// checkImage accepts formats the decoders do not know (avif, heic) but
// rejects files a known decoder cannot parse.
func checkImage(path string) error {
	file, err := os.Open(path) // #nosec G304 -- temp path created by stream.
	if err != nil {
		return fmt.Errorf("open image for validation: %w", err)
	}
	defer func() { _ = file.Close() }()
	if _, _, err := image.DecodeConfig(file); err != nil && !errors.Is(err, image.ErrFormat) {
		return fmt.Errorf("%w: %w", download.ErrMalformedContent, err)
	}
	return nil
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
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}

// restyLogger routes resty's internal messages through zap.
type restyLogger struct {
	sugar *zap.SugaredLogger
}

func (l restyLogger) Errorf(format string, v ...interface{}) { l.sugar.Errorf(format, v...) }
func (l restyLogger) Warnf(format string, v ...interface{})  { l.sugar.Warnf(format, v...) }
func (l restyLogger) Debugf(format string, v ...interface{}) { l.sugar.Debugf(format, v...) }
