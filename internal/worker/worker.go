// Package worker runs download tickets: it walks a work's chapters through a
// navigator session, fetches every image and keeps the progress record
// current after each step.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/metrics"
	"github.com/JakeFAU/chapterd/internal/navigator"
	"github.com/JakeFAU/chapterd/internal/ownership"
	"github.com/JakeFAU/chapterd/internal/progress"
	"github.com/JakeFAU/chapterd/internal/telemetry"
)

// Scheduler hands out ownership of tickets and takes finished runs back.
type Scheduler interface {
	Claim(ticket download.JobTicket) (*ownership.Lease, error)
	Finish(ctx context.Context, lease *ownership.Lease, summary download.RunSummary, continuation *download.JobTicket)
}

// Config controls Worker behavior.
type Config struct {
	// Root is the downloads directory; images land in Root/<work>/chapter_NNNN.
	Root string
	// ImageConcurrency bounds parallel image fetches inside one chapter.
	ImageConcurrency int
	// RequeueBatches enqueues a continuation when a run stops at its batch size.
	RequeueBatches bool
	// MinImagesOK and MinImagesPartial grade chapters by image count.
	MinImagesOK      int
	MinImagesPartial int
	// SummaryName is the archive object written under <work>/.
	SummaryName  string
	HandoffTopic string
	// FinalizeTimeout bounds the bookkeeping done after a run ends, even
	// during shutdown.
	FinalizeTimeout time.Duration
}

const maxImageConcurrency = 8

func (c Config) withDefaults() Config {
	if c.ImageConcurrency < 1 {
		c.ImageConcurrency = 1
	}
	if c.ImageConcurrency > maxImageConcurrency {
		c.ImageConcurrency = maxImageConcurrency
	}
	if c.MinImagesOK <= 0 {
		c.MinImagesOK = 3
	}
	if c.MinImagesPartial <= 0 {
		c.MinImagesPartial = 1
	}
	if c.SummaryName == "" {
		c.SummaryName = "summary.json"
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 15 * time.Second
	}
	return c
}

// Deps are the collaborators of a Worker. Blobs and Publisher are optional.
type Deps struct {
	Store     download.ProgressStore
	Session   *navigator.Session
	Fetcher   download.AssetFetcher
	Blobs     download.BlobStore
	Publisher download.Publisher
	Events    progress.Emitter
	Clock     download.Clock
}

// Worker consumes tickets one at a time. Each worker owns its own navigator
// session, so a pool of N workers drives N sessions.
type Worker struct {
	store     download.ProgressStore
	session   *navigator.Session
	fetcher   download.AssetFetcher
	blobs     download.BlobStore
	publisher download.Publisher
	events    progress.Emitter
	clock     download.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = wallClock{}
	}
	return &Worker{
		store:     deps.Store,
		session:   deps.Session,
		fetcher:   deps.Fetcher,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		events:    events,
		clock:     clock,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, consuming tickets until the context finishes or the queue is
// closed and drained.
func (w *Worker) Run(ctx context.Context, queue download.TicketQueue, sched Scheduler) {
	for {
		ticket, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, download.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued ticket", zap.String("ticket_id", ticket.ID), zap.String("work", ticket.Work))
		w.Handle(ctx, sched, ticket)
	}
}

// Handle runs one ticket end to end and reports the outcome to sched.
func (w *Worker) Handle(ctx context.Context, sched Scheduler, ticket download.JobTicket) {
	lease, err := sched.Claim(ticket)
	if err != nil {
		w.logger.Info("skipping ticket", zap.String("ticket_id", ticket.ID), zap.String("work", ticket.Work), zap.Error(err))
		return
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := telemetry.StartRun(ctx, ticket.Work, ticket.ID)
	r := newRun(w, ticket, lease)
	outcome := r.execute(ctx)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()
	summary, continuation := r.finalize(finalCtx, outcome)
	telemetry.EndRun(span, string(summary.Status), string(summary.StopReason), summary.ChaptersCompleted, summary.Error)
	sched.Finish(finalCtx, lease, summary, continuation)
}

func (w *Worker) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = w.clock.Now()
	}
	w.events.Publish(evt)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
