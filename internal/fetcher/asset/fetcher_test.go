package asset

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/retry"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testFetcher(validate bool) *Fetcher {
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return New(Config{Timeout: 5 * time.Second, ValidateImages: validate, UserAgent: "chapterd-test"}, policy, nil, zap.NewNop())
}

func TestFetchImageStreamsToFinalPath(t *testing.T) {
	payload := pngBytes(t)
	var seenCookie, seenReferer, seenUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			seenCookie.Store(c.Value)
		}
		seenReferer.Store(r.Header.Get("Referer"))
		seenUA.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "work", "chapter_0001", "001.png")
	auth := download.AuthContext{
		Cookies: []*http.Cookie{{Name: "session", Value: "abc"}},
		Headers: http.Header{"Referer": {"https://reader.example.com/c1"}},
	}
	n, err := testFetcher(true).FetchImage(context.Background(), srv.URL+"/1.png", dest, auth)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest) // #nosec G304 -- test temp dir.
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, dest+PartSuffix)
	assert.Equal(t, "abc", seenCookie.Load())
	assert.Equal(t, "https://reader.example.com/c1", seenReferer.Load())
	assert.Equal(t, "chapterd-test", seenUA.Load())
}

func TestFetchImageRetriesServerErrors(t *testing.T) {
	payload := pngBytes(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "001.png")
	_, err := testFetcher(false).FetchImage(context.Background(), srv.URL, dest, download.AuthContext{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	assert.FileExists(t, dest)
}

func TestFetchImageAuthIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "001.jpg")
	_, err := testFetcher(false).FetchImage(context.Background(), srv.URL, dest, download.AuthContext{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, download.ErrAuthExpired))
	assert.False(t, errors.Is(err, download.ErrRetryExhausted))
	assert.EqualValues(t, 1, calls.Load())
	assert.NoFileExists(t, dest)
}

func TestFetchImageRejectsMalformedContent(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"html": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html>login</html>"))
		},
		"empty": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/jpeg")
		},
		"garbage png": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nnot really"))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				handler(w, r)
			}))
			defer srv.Close()

			dest := filepath.Join(t.TempDir(), "001.png")
			_, err := testFetcher(true).FetchImage(context.Background(), srv.URL, dest, download.AuthContext{})
			require.ErrorIs(t, err, download.ErrMalformedContent)
			assert.EqualValues(t, 1, calls.Load(), "malformed content is not retried")
			assert.NoFileExists(t, dest)
			assert.NoFileExists(t, dest+PartSuffix)
		})
	}
}

func TestFetchImageTruncatedStreamLeavesNothing(t *testing.T) {
	payload := pngBytes(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)*4))
		_, _ = w.Write(payload)
		// Returning early with a short body makes the server drop the connection.
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "001.png")
	_, err := testFetcher(false).FetchImage(context.Background(), srv.URL, dest, download.AuthContext{})
	require.ErrorIs(t, err, download.ErrRetryExhausted)
	assert.EqualValues(t, 3, calls.Load())
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+PartSuffix)
}

func TestFetchImageCanceledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write(bytes.Repeat([]byte{0xff}, 512))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "001.jpg")
	done := make(chan error, 1)
	go func() {
		_, err := testFetcher(false).FetchImage(ctx, srv.URL, dest, download.AuthContext{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(dest + PartSuffix)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("fetch did not return after cancel")
	}
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+PartSuffix)
}

func TestFetchImageHonorsLimiter(t *testing.T) {
	payload := pngBytes(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	lim := &countingWaiter{}
	f := New(Config{}, retry.Policy{MaxAttempts: 1}, lim, nil)
	_, err := f.FetchImage(context.Background(), srv.URL, filepath.Join(t.TempDir(), "1.png"), download.AuthContext{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, lim.calls.Load())
}

type countingWaiter struct {
	calls atomic.Int32
}

func (c *countingWaiter) Wait(context.Context, string) error {
	c.calls.Add(1)
	return nil
}
