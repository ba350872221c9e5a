package browser

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/extract"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.withDefaults()
	assert.Equal(t, "#email", cfg.IdentifierSelector)
	assert.Equal(t, "#password", cfg.SecretSelector)
	assert.Equal(t, 45*time.Second, cfg.NavigationTimeout)
	assert.Equal(t, 140, cfg.ScrollMaxCycles)
	assert.Equal(t, 4, cfg.ScrollStableCycles)
	assert.NotEmpty(t, cfg.Rules.ContainerSelectors)

	cfg = Config{NavigationTimeout: time.Second, ScrollMaxCycles: 3}.withDefaults()
	assert.Equal(t, time.Second, cfg.NavigationTimeout)
	assert.Equal(t, 3, cfg.ScrollMaxCycles)
}

func TestStatusErrorClassification(t *testing.T) {
	t.Parallel()

	require.NoError(t, statusError("https://r/ch", 0))
	require.NoError(t, statusError("https://r/ch", http.StatusOK))
	require.NoError(t, statusError("https://r/ch", http.StatusFound))

	err := statusError("https://r/ch", http.StatusForbidden)
	require.ErrorIs(t, err, download.ErrAuthExpired)

	err = statusError("https://r/ch", http.StatusBadGateway)
	var statusErr *download.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.StatusCode)
	assert.False(t, errors.Is(err, download.ErrAuthExpired))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500, URL: "https://cdn/1.jpg"},
	})
	status, got := meta.snapshotWithFallbacks("https://req", "")
	assert.Zero(t, status)
	assert.Equal(t, "https://req", got)

	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 401, URL: "https://reader/ch-2"},
	})
	status, got = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, 401, status)
	assert.Equal(t, "https://reader/ch-2", got)

	meta.reset()
	status, got = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Zero(t, status)
	assert.Equal(t, "https://final", got)
}

func TestToHTTPCookies(t *testing.T) {
	t.Parallel()

	cookies := toHTTPCookies([]*network.Cookie{
		{Name: "session", Value: "abc", Domain: ".reader.example", Path: "/", HTTPOnly: true, Secure: true, Session: true},
		{Name: "pref", Value: "dark", Domain: "reader.example", Path: "/", Expires: 1893456000},
		{Name: ""},
		nil,
	})
	require.Len(t, cookies, 2)
	assert.Equal(t, "session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.True(t, cookies[0].Expires.IsZero())
	assert.Equal(t, int64(1893456000), cookies[1].Expires.Unix())
}

func TestCloneHeaderAndNetworkHeaders(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}, "Accept-Language": {"pt-BR"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2)

	netHeaders := toNetworkHeaders(src)
	assert.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	assert.Equal(t, "pt-BR", netHeaders["Accept-Language"])
	assert.Nil(t, cloneHeader(nil))
}

func TestScriptsEmbedQuotedSelectors(t *testing.T) {
	t.Parallel()

	script := countScript(extract.Rules{ContainerSelectors: []string{`#chapter-content`}, WrapperSelector: `.page-wrapper`})
	assert.Contains(t, script, `["#chapter-content"]`)
	assert.Contains(t, script, `".page-wrapper"`)

	click := clickScript(`  Próximo "capítulo" `)
	assert.Contains(t, click, `"Próximo \"capítulo\""`)

	assert.Equal(t, `document.querySelector(".alert-danger") !== null`, existsScript(".alert-danger"))
}

func TestDriverWithoutBrowser(t *testing.T) {
	t.Parallel()

	d := New(Config{UserAgent: "chapterd-test"}, download.Account{}, nil)

	err := d.Authenticate(context.Background())
	require.ErrorIs(t, err, download.ErrInvalidCredentials)

	_, ok, err := d.NextChapterLink(context.Background())
	require.ErrorIs(t, err, download.ErrNavigation)
	assert.False(t, ok)

	auth, err := d.AuthContext(context.Background())
	require.NoError(t, err)
	assert.Empty(t, auth.Cookies)
	assert.Equal(t, "chapterd-test", auth.Headers.Get("User-Agent"))

	require.NoError(t, d.Reset(context.Background()))
	require.NoError(t, d.Close())
}
