package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/extract"
	"github.com/JakeFAU/chapterd/internal/metrics"
	"github.com/JakeFAU/chapterd/internal/navigator"
	"github.com/JakeFAU/chapterd/internal/ownership"
	"github.com/JakeFAU/chapterd/internal/progress"
)

var errPersist = errors.New("persist progress")

type outcome struct {
	status download.RunStatus
	reason download.StopReason
	err    error
}

// run is the state of one ticket being executed. snap and totals are shared
// with image goroutines and guarded by mu; saveMu orders snapshot writes.
type run struct {
	w       *Worker
	ticket  download.JobTicket
	lease   *ownership.Lease
	started time.Time
	logger  *zap.Logger

	mu     sync.Mutex
	snap   download.ProgressSnapshot
	loaded bool
	totals download.RunTotals

	saveMu sync.Mutex

	authMu  sync.Mutex
	auth    download.AuthContext
	authGen uint64
}

func newRun(w *Worker, ticket download.JobTicket, lease *ownership.Lease) *run {
	return &run{
		w:       w,
		ticket:  ticket,
		lease:   lease,
		started: w.clock.Now(),
		logger:  w.logger.With(zap.String("work", ticket.Work), zap.String("ticket_id", ticket.ID)),
	}
}

func (r *run) event(stage progress.Stage) progress.Event {
	return progress.Event{Stage: stage, Work: r.ticket.Work, TicketID: r.ticket.ID}
}

func (r *run) execute(ctx context.Context) outcome {
	evt := r.event(progress.StageJobStarted)
	evt.URL = r.ticket.URL
	evt.Message = fmt.Sprintf("run started for %s", r.ticket.Work)
	r.w.emit(evt)
	r.logger.Info("run started", zap.String("url", r.ticket.URL), zap.Bool("force_url", r.ticket.ForceURL))

	r.w.session.SetObserver(r.observeSession)
	defer func() {
		r.w.session.SetObserver(nil)
		r.w.session.Rewind()
	}()

	if out, ok := r.load(ctx); !ok {
		return out
	}
	if r.snap.Finished && !r.ticket.ForceURL {
		r.logger.Info("work already complete")
		return outcome{status: download.RunCompleted, reason: download.ReasonAlreadyComplete}
	}
	url, index := r.startPoint()
	return r.walk(ctx, url, index)
}

func (r *run) load(ctx context.Context) (outcome, bool) {
	snap, err := r.w.store.Load(ctx, r.ticket.Work)
	switch {
	case err == nil:
	case errors.Is(err, download.ErrNotFound):
		snap = download.NewSnapshot(r.ticket.Work, r.ticket.URL, r.w.clock.Now())
	case errors.Is(err, download.ErrCorruptState):
		r.logger.Error("progress record is corrupt", zap.Error(err))
		return outcome{status: download.RunFailed, reason: download.ReasonCorruptState, err: err}, false
	case ctx.Err() != nil:
		return outcome{status: download.RunStopped, reason: download.ReasonShutdown}, false
	default:
		return outcome{status: download.RunFailed, reason: download.ReasonInternal, err: fmt.Errorf("load progress: %w", err)}, false
	}

	if r.ticket.ExpectedTotal > 0 {
		snap.Work.ExpectedTotal = r.ticket.ExpectedTotal
	}
	if r.ticket.ForceURL {
		snap.Finished = false
		snap.StopReason = ""
	}
	r.mu.Lock()
	r.snap, r.loaded = snap, true
	r.mu.Unlock()
	return outcome{}, true
}

// startPoint resolves where the run begins. A URL that matches a recorded
// chapter keeps that chapter's index and image statuses.
func (r *run) startPoint() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target := r.snap.Work.CurrentURL
	if r.ticket.ForceURL || target == "" {
		target = r.ticket.URL
	}
	if idx, ok := r.snap.ChapterByURL(extract.NormalizeURL(target), extract.NormalizeURL); ok {
		return target, idx
	}
	return target, r.snap.LastCompletedChapter + 1
}

func (r *run) walk(ctx context.Context, url string, index int) outcome {
	done := 0
	for {
		if r.lease.StopRequested() {
			return outcome{status: download.RunStopped, reason: download.ReasonStopRequested}
		}
		if ctx.Err() != nil {
			return outcome{status: download.RunStopped, reason: download.ReasonShutdown}
		}
		if exp := r.expectedTotal(); exp > 0 && index > exp {
			return outcome{status: download.RunCapped, reason: download.ReasonExpectedTotal}
		}
		if r.ticket.BatchSize > 0 && done >= r.ticket.BatchSize {
			return outcome{status: download.RunCapped, reason: download.ReasonBatchSize}
		}

		if err := r.chapter(ctx, index, url); err != nil {
			return r.classify(ctx, err)
		}
		done++

		next, ok, err := r.w.session.Advance(ctx)
		if err != nil {
			return r.classify(ctx, err)
		}
		if !ok {
			r.mu.Lock()
			r.snap.Finished = true
			r.mu.Unlock()
			r.logger.Info("no next chapter, work finished", zap.Int("chapter", index))
			r.saveCover(ctx)
			return outcome{status: download.RunCompleted, reason: download.ReasonNoNextChapter}
		}

		nextIndex, loop := r.nextIndex(url, next, index)
		if loop {
			r.logger.Warn("next chapter link repeats a visited chapter", zap.String("url", next), zap.Int("chapter", index))
			return outcome{status: download.RunStopped, reason: download.ReasonNavigationLoop}
		}
		r.setCurrentURL(next)
		if err := r.save(ctx); err != nil {
			return r.classify(ctx, err)
		}
		url, index = next, nextIndex
	}
}

// saveCover stores the cover image of the ticket's catalog page next to the
// chapters. Failures are logged and leave the outcome alone.
func (r *run) saveCover(ctx context.Context) {
	if r.ticket.CoverURL == "" {
		return
	}
	logger := r.logger.With(zap.String("cover_page", r.ticket.CoverURL))
	src, ok, err := r.w.session.Cover(ctx, r.ticket.CoverURL)
	switch {
	case err != nil:
		logger.Warn("cover lookup failed", zap.Error(err))
		return
	case !ok:
		logger.Warn("work page has no cover image")
		return
	}
	auth, _ := r.authContext()
	n, err := r.w.fetcher.FetchImage(ctx, src, download.CoverPath(r.w.cfg.Root, r.ticket.Work, src), auth)
	if err != nil {
		logger.Warn("cover download failed", zap.String("url", src), zap.Error(err))
		return
	}
	evt := r.event(progress.StageCoverSaved)
	evt.URL, evt.Bytes = src, n
	evt.Level = progress.LevelSuccess
	evt.Message = "cover saved"
	r.w.emit(evt)
}

func (r *run) expectedTotal() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Work.ExpectedTotal
}

func (r *run) setCurrentURL(url string) {
	r.mu.Lock()
	r.snap.Work.CurrentURL = url
	r.mu.Unlock()
}

// nextIndex reports the index for next, or loop=true when next points back at
// the current chapter or one recorded before it.
func (r *run) nextIndex(current, next string, index int) (int, bool) {
	normalized := extract.NormalizeURL(next)
	if normalized == extract.NormalizeURL(current) {
		return 0, true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.snap.ChapterByURL(normalized, extract.NormalizeURL); ok {
		if idx <= index {
			return 0, true
		}
		return idx, false
	}
	return index + 1, false
}

func (r *run) classify(ctx context.Context, err error) outcome {
	switch {
	case errors.Is(err, download.ErrCanceled):
		return outcome{status: download.RunStopped, reason: download.ReasonStopRequested}
	case ctx.Err() != nil:
		return outcome{status: download.RunStopped, reason: download.ReasonShutdown}
	case errors.Is(err, download.ErrInvalidCredentials):
		return outcome{status: download.RunFailed, reason: download.ReasonCredentials, err: err}
	case errors.Is(err, errPersist):
		return outcome{status: download.RunFailed, reason: download.ReasonInternal, err: err}
	default:
		return outcome{status: download.RunFailed, reason: download.ReasonNavigation, err: err}
	}
}

// save writes the current snapshot and announces it.
func (r *run) save(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	r.snap.Recount()
	r.snap.UpdatedAt = r.w.clock.Now()
	snap := r.snap.Clone()
	r.mu.Unlock()

	if err := r.w.store.Save(ctx, r.ticket.Work, snap); err != nil {
		return fmt.Errorf("%w: %w", errPersist, err)
	}
	evt := r.event(progress.StageSnapshotSaved)
	evt.Snapshot = &snap
	r.w.emit(evt)
	return nil
}

func (r *run) observeSession(from, to navigator.State, err error) {
	evt := r.event(progress.StageNavigatorState)
	evt.State = string(to)
	if err != nil {
		evt.Message = err.Error()
		evt.ErrorClass = progress.ClassOf(err)
	}
	r.w.emit(evt)

	switch {
	case to == navigator.StateAuthenticating:
		r.w.emit(r.event(progress.StageAuthStarted))
	case from == navigator.StateAuthenticating && to == navigator.StateReady:
		auth := r.event(progress.StageAuthSucceeded)
		auth.Level = progress.LevelSuccess
		r.w.emit(auth)
	case from == navigator.StateAuthenticating:
		auth := r.event(progress.StageAuthFailed)
		auth.Level = progress.LevelError
		if err != nil {
			auth.Message = err.Error()
			auth.ErrorClass = progress.ClassOf(err)
		}
		r.w.emit(auth)
	}
}

// finalize records how the run ended. It runs on a context that survives
// shutdown so the last snapshot and summary are still written.
func (r *run) finalize(ctx context.Context, out outcome) (download.RunSummary, *download.JobTicket) {
	if r.loaded && out.reason != download.ReasonAlreadyComplete {
		r.mu.Lock()
		r.snap.StopReason = out.reason
		r.mu.Unlock()
		if err := r.save(ctx); err != nil {
			r.logger.Error("final progress save failed", zap.Error(err))
		}
	}

	r.mu.Lock()
	totals := r.totals
	resumeURL := ""
	if r.loaded && !r.snap.Finished {
		resumeURL = r.snap.Work.CurrentURL
	}
	snap := r.snap.Clone()
	r.mu.Unlock()

	now := r.w.clock.Now()
	summary := download.NewRunSummary(r.ticket, out.status, out.reason, totals, r.started, now, resumeURL, out.err)

	if r.loaded && r.w.blobs != nil {
		if uri, err := r.archive(ctx, summary, snap); err != nil {
			r.logger.Warn("summary archive failed", zap.Error(err))
		} else {
			r.logger.Debug("summary archived", zap.String("uri", uri))
		}
	}

	evt := r.event(progress.StageJobFinished)
	evt.Summary = &summary
	evt.State = string(out.status)
	evt.Message = fmt.Sprintf("run %s: %s", out.status, out.reason)
	evt.Level = levelFor(out.status)
	if out.err != nil {
		evt.ErrorClass = progress.ClassOf(out.err)
		evt.Message = fmt.Sprintf("%s: %v", evt.Message, out.err)
	}
	r.w.emit(evt)

	if totals.ChaptersCompleted > 0 {
		r.handoff(ctx, summary)
	}
	metrics.ObserveRun(string(out.status))

	fields := []zap.Field{
		zap.String("status", string(out.status)),
		zap.String("reason", string(out.reason)),
		zap.Int("chapters", totals.ChaptersCompleted),
		zap.Int("images_succeeded", totals.ImagesSucceeded),
		zap.Int("images_failed", totals.ImagesFailed),
		zap.Int("images_skipped", totals.ImagesSkipped),
		zap.Duration("elapsed", summary.Elapsed),
	}
	if out.err != nil {
		fields = append(fields, zap.Error(out.err))
	}
	r.logger.Info("run finished", fields...)

	return summary, r.continuation(out, resumeURL, now)
}

func levelFor(status download.RunStatus) progress.Level {
	switch status {
	case download.RunCompleted:
		return progress.LevelSuccess
	case download.RunFailed:
		return progress.LevelError
	default:
		return progress.LevelInfo
	}
}

// continuation builds the follow-up ticket of a batch-capped run.
func (r *run) continuation(out outcome, resumeURL string, now time.Time) *download.JobTicket {
	if !r.w.cfg.RequeueBatches || out.status != download.RunCapped || out.reason != download.ReasonBatchSize {
		return nil
	}
	if resumeURL == "" {
		return nil
	}
	base, _, _ := strings.Cut(r.ticket.ID, "-cont-")
	return &download.JobTicket{
		ID:            fmt.Sprintf("%s-cont-%d", base, now.Unix()),
		Work:          r.ticket.Work,
		URL:           resumeURL,
		CoverURL:      r.ticket.CoverURL,
		ExpectedTotal: r.ticket.ExpectedTotal,
		BatchSize:     r.ticket.BatchSize,
		Continuation:  true,
		EnqueuedAt:    now,
	}
}
