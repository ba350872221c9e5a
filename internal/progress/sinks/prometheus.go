package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/chapterd/internal/progress"
)

// PrometheusSink exports job, chapter and image progress. It owns its
// collectors so tests can register them on a private registry.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	jobsQueued   *prometheus.CounterVec

	chaptersCompleted *prometheus.CounterVec
	images            *prometheus.CounterVec
	imageRetries      prometheus.Counter
	imageBytes        prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapterd_jobs_started_total",
			Help: "Total tickets a worker started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapterd_jobs_finished_total",
			Help: "Total tickets finished partitioned by run status and stop reason.",
		}, []string{"status", "reason"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chapterd_jobs_running",
			Help: "Current number of running tickets.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chapterd_job_runtime_seconds",
			Help:    "Wall time per finished ticket.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		jobsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapterd_job_requests_total",
			Help: "Start requests partitioned by decision.",
		}, []string{"decision"}),
		chaptersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapterd_chapters_completed_total",
			Help: "Chapters completed partitioned by quality.",
		}, []string{"quality"}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chapterd_images_total",
			Help: "Images settled partitioned by outcome.",
		}, []string{"outcome"}),
		imageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapterd_image_retries_total",
			Help: "Image download retries scheduled.",
		}),
		imageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chapterd_image_bytes_total",
			Help: "Bytes written for downloaded images.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.jobsQueued,
		s.chaptersCompleted,
		s.images,
		s.imageRetries,
		s.imageBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobQueued:
		s.jobsQueued.WithLabelValues("accepted").Inc()
	case progress.StageJobRejected:
		s.jobsQueued.WithLabelValues("rejected").Inc()
	case progress.StageJobStarted:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.TicketID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobFinished:
		s.handleFinished(evt)
	case progress.StageChapterCompleted:
		quality := evt.State
		if quality == "" {
			quality = "unknown"
		}
		s.chaptersCompleted.WithLabelValues(quality).Inc()
	case progress.StageImageSucceeded:
		s.images.WithLabelValues("succeeded").Inc()
		if evt.Bytes > 0 {
			s.imageBytes.Add(float64(evt.Bytes))
		}
	case progress.StageImageSkipped:
		s.images.WithLabelValues("skipped").Inc()
	case progress.StageImageFailed:
		s.images.WithLabelValues("failed").Inc()
	case progress.StageImageRetry:
		s.imageRetries.Inc()
	}
}

func (s *PrometheusSink) handleFinished(evt progress.Event) {
	status, reason := "unknown", "unknown"
	if evt.Summary != nil {
		status, reason = string(evt.Summary.Status), string(evt.Summary.StopReason)
		if evt.Summary.Elapsed > 0 {
			s.jobRuntime.WithLabelValues(status).Observe(evt.Summary.Elapsed.Seconds())
		}
	}
	s.jobsFinished.WithLabelValues(status, reason).Inc()
	if s.tracker.complete(evt.TicketID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
