package server

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/config"
	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/navigator"
	"github.com/JakeFAU/chapterd/internal/progress"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newImageServer(t *testing.T) *httptest.Server {
	t.Helper()
	body := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// linearSite serves chapters 1..n, each with three images on cdn.
type linearSite struct {
	mu      sync.Mutex
	cdn     string
	n       int
	current int
}

func chapterURL(i int) string { return fmt.Sprintf("https://site.test/w/ch-%d", i) }

func (s *linearSite) Authenticate(context.Context) error { return nil }

func (s *linearSite) LoadChapter(_ context.Context, url string) (download.ChapterPage, error) {
	var idx int
	if _, err := fmt.Sscanf(strings.TrimPrefix(url, "https://site.test/w/"), "ch-%d", &idx); err != nil || idx < 1 || idx > s.n {
		return download.ChapterPage{}, &download.HTTPStatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	s.mu.Lock()
	s.current = idx
	s.mu.Unlock()
	imgs := make([]string, 0, 3)
	for j := 1; j <= 3; j++ {
		imgs = append(imgs, fmt.Sprintf("%s/%d/%03d.png", s.cdn, idx, j))
	}
	return download.ChapterPage{URL: url, Images: imgs}, nil
}

func (s *linearSite) NextChapterLink(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current >= s.n {
		return "", false, nil
	}
	return chapterURL(s.current + 1), true, nil
}

func (s *linearSite) AuthContext(context.Context) (download.AuthContext, error) {
	return download.AuthContext{}, nil
}

func (s *linearSite) Reset(context.Context) error { return nil }
func (s *linearSite) Close() error                { return nil }

func testConfig(t *testing.T, overrides map[string]any) config.Config {
	t.Helper()
	v := config.New()
	v.Set("downloads.root", t.TempDir())
	v.Set("navigator.driver", config.DriverStatic)
	v.Set("navigator.requires_login", false)
	v.Set("retry.base_delay", "5ms")
	v.Set("retry.max_delay", "20ms")
	v.Set("http.rate_limit_rps", 0)
	v.Set("events.log_sink", false)
	v.Set("events.max_batch_wait", "10ms")
	v.Set("downloads.finalize_timeout", "2s")
	v.Set("server.shutdown_timeout", "2s")
	for k, val := range overrides {
		v.Set(k, val)
	}
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	return cfg
}

func buildApp(t *testing.T, cfg config.Config, chapters int) *App {
	t.Helper()
	cdn := newImageServer(t)
	app, err := Build(context.Background(), cfg, zap.NewNop(),
		WithRegisterer(prometheus.NewRegistry()),
		WithDriverFactory(func(int, *zap.Logger) (navigator.Driver, error) {
			return &linearSite{cdn: cdn.URL, n: chapters}, nil
		}),
	)
	require.NoError(t, err)
	return app
}

func TestDownloadRunsWorkToCompletion(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, nil)
	app := buildApp(t, cfg, 2)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	var mu sync.Mutex
	var stages []progress.Stage
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	summary, err := app.Download(ctx, download.StartRequest{Work: "solo", URL: chapterURL(1)}, func(evt progress.Event) {
		mu.Lock()
		stages = append(stages, evt.Stage)
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Equal(t, download.RunCompleted, summary.Status)
	assert.Equal(t, download.ReasonNoNextChapter, summary.StopReason)
	assert.Equal(t, 2, summary.ChaptersCompleted)
	assert.Equal(t, 6, summary.ImagesSucceeded)

	for ch := 1; ch <= 2; ch++ {
		for pos := 1; pos <= 3; pos++ {
			file := download.ImageFile(pos, fmt.Sprintf("x/%03d.png", pos))
			_, err := os.Stat(download.ImagePath(cfg.Downloads.Root, "solo", ch, file))
			assert.NoError(t, err, "chapter %d image %d", ch, pos)
		}
	}
	_, err = os.Stat(filepath.Join(cfg.Downloads.Root, "solo", "summary.json"))
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, stages, progress.StageJobQueued)
	assert.Contains(t, stages, progress.StageChapterCompleted)
	assert.Equal(t, progress.StageJobFinished, stages[len(stages)-1])
}

func TestDownloadFollowsBatchContinuations(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]any{"downloads.requeue_batches": true})
	app := buildApp(t, cfg, 3)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var finished int
	summary, err := app.Download(ctx, download.StartRequest{Work: "solo", URL: chapterURL(1), BatchSize: 2}, func(evt progress.Event) {
		if evt.Stage == progress.StageJobFinished {
			finished++
		}
	})
	require.NoError(t, err)
	assert.Equal(t, download.RunCompleted, summary.Status)
	assert.Equal(t, 2, finished)

	snap, err := app.store.Load(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.LastCompletedChapter)
	assert.True(t, snap.Finished)
}

func TestDownloadRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	app := buildApp(t, testConfig(t, nil), 1)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, err := app.Download(context.Background(), download.StartRequest{Work: "solo", URL: "ftp://x"}, nil)
	require.ErrorContains(t, err, "enqueue")
}

func TestSettledSummaryRecoversLostFinish(t *testing.T) {
	t.Parallel()

	app := buildApp(t, testConfig(t, nil), 1)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	_, last, err := app.settledSummary("solo", "", 0)
	require.NoError(t, err)
	assert.False(t, last, "nothing finished yet")
	_, _, err = app.settledSummary("solo", "", lostSummaryPolls)
	require.ErrorContains(t, err, "without a summary")

	app.Hub().Publish(progress.Event{
		Stage: progress.StageJobFinished,
		Work:  "solo",
		Summary: &download.RunSummary{
			Work:       "solo",
			TicketID:   "t-9",
			Status:     download.RunCompleted,
			StopReason: download.ReasonNoNextChapter,
		},
	})
	require.Eventually(t, func() bool {
		summary, last, err := app.settledSummary("solo", "", 0)
		return err == nil && last && summary.TicketID == "t-9"
	}, 2*time.Second, 10*time.Millisecond)

	_, last, err = app.settledSummary("solo", "t-9", 0)
	require.NoError(t, err)
	assert.False(t, last, "a summary from before the request does not count")
}

func TestServeHandlesRequestsAndShutsDown(t *testing.T) {
	t.Parallel()

	app := buildApp(t, testConfig(t, nil), 1)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- app.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/v1/works/solo/start", "application/json",
		strings.NewReader(fmt.Sprintf(`{"url":%q}`, chapterURL(1))))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		snap, err := app.store.Load(context.Background(), "solo")
		return err == nil && snap.Finished
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestBuildFailsOnBadLedgerDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, map[string]any{
		"database.enabled": true,
		"database.dsn":     "postgres://localhost:notaport/chapterd",
	})
	_, err := Build(context.Background(), cfg, zap.NewNop(), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorContains(t, err, "event ledger init failed")
}
