package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if imageFetchesTotal == nil || bytesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil || runsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveImage(t *testing.T) {
	before := testutil.ToFloat64(imageFetchesTotalFor("cdn.test.com", "succeeded"))
	ObserveImage("https://CDN.test.com/1.jpg", "succeeded", 2048)
	ObserveImage("https://cdn.test.com/2.jpg", "failed", 0)

	if val := testutil.ToFloat64(imageFetchesTotalFor("cdn.test.com", "succeeded")); val != before+1 {
		t.Errorf("expected succeeded counter %f, got %f", before+1, val)
	}
	if val := testutil.ToFloat64(bytesTotal.WithLabelValues("cdn.test.com")); val < 2048 {
		t.Errorf("expected at least 2048 bytes, got %f", val)
	}
}

func TestObserveRetryAndRuns(t *testing.T) {
	ObserveRetry("image")
	ObserveRun("completed")
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("image")); val < 1 {
		t.Errorf("expected a retry to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(runsTotal.WithLabelValues("completed")); val < 1 {
		t.Errorf("expected a run to be counted, got %f", val)
	}
	if val := testutil.ToFloat64(activeWorkers); val != 0 {
		t.Errorf("expected gauge back at 0, got %f", val)
	}
}

func imageFetchesTotalFor(site, status string) prometheus.Counter {
	Init()
	return imageFetchesTotal.WithLabelValues(site, status)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
