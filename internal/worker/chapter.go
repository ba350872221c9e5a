package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/navigator"
	"github.com/JakeFAU/chapterd/internal/progress"
	"github.com/JakeFAU/chapterd/internal/retry"
)

type imageResult int

const (
	resultSucceeded imageResult = iota
	resultFailed
	resultSkipped
)

// chapter downloads every image of one chapter and marks it complete.
func (r *run) chapter(ctx context.Context, index int, url string) error {
	started := r.event(progress.StageChapterStarted)
	started.Chapter, started.URL = index, url
	r.w.emit(started)
	r.setCurrentURL(url)

	page, err := r.w.session.Open(ctx, url)
	if err != nil {
		return err
	}
	total := r.merge(index, url, page)
	if err := r.save(ctx); err != nil {
		return err
	}
	extracted := r.event(progress.StageChapterExtracted)
	extracted.Chapter, extracted.URL, extracted.Total = index, url, total
	r.w.emit(extracted)
	if total == 0 {
		r.logger.Warn("chapter exposed no images", zap.Int("chapter", index), zap.String("url", url))
	}

	if err := r.refreshAuth(ctx); err != nil {
		return err
	}
	if err := r.images(ctx, index, total); err != nil {
		return err
	}

	quality := r.complete(index)
	if err := r.save(ctx); err != nil {
		return err
	}
	completed := r.event(progress.StageChapterCompleted)
	completed.Chapter, completed.URL, completed.Total = index, url, total
	completed.State = string(quality)
	completed.Level = progress.LevelSuccess
	if quality == download.QualityBroken {
		completed.Level = progress.LevelWarning
	}
	r.w.emit(completed)

	// A mid-chapter re-login leaves the session outside the chapter page.
	if r.w.session.State() != navigator.StateExtracted {
		if _, err := r.w.session.Open(ctx, url); err != nil {
			return err
		}
	}
	return nil
}

// merge folds the extracted image list into the chapter record. Statuses are
// carried over by URL first, then by position.
func (r *run) merge(index int, url string, page download.ChapterPage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := download.ChapterRecord{Index: index, URL: url}
	byURL := map[string]download.ImageStatus{}
	byPos := map[int]download.ImageStatus{}
	if prev := r.snap.Chapter(index); prev != nil {
		rec.Complete, rec.Quality, rec.CompletedAt = prev.Complete, prev.Quality, prev.CompletedAt
		for _, img := range prev.Images {
			byURL[img.URL] = img
			byPos[img.Index] = img
		}
	}

	rec.Images = make([]download.ImageStatus, 0, len(page.Images))
	for i, src := range page.Images {
		pos := i + 1
		st := download.ImageStatus{
			Index: pos,
			URL:   src,
			File:  download.ImageFile(pos, src),
			State: download.ImagePending,
		}
		prev, ok := byURL[src]
		if !ok {
			prev, ok = byPos[pos]
		}
		if ok {
			st.State, st.Attempts, st.LastError, st.Bytes = prev.State, prev.Attempts, prev.LastError, prev.Bytes
			if st.State == download.ImageSucceeded && prev.File != st.File {
				st.State, st.Bytes = download.ImagePending, 0
			}
		}
		rec.Images = append(rec.Images, st)
	}
	r.snap.PutChapter(rec)
	return len(rec.Images)
}

func (r *run) images(ctx context.Context, chapter, total int) error {
	if r.w.cfg.ImageConcurrency <= 1 {
		for pos := 1; pos <= total; pos++ {
			if err := r.image(ctx, chapter, pos); err != nil {
				return err
			}
		}
		return nil
	}

	// Fetches already streaming finish on ctx; a stop only keeps new ones
	// from starting.
	var g errgroup.Group
	var failed atomic.Bool
	g.SetLimit(r.w.cfg.ImageConcurrency)
	for pos := 1; pos <= total; pos++ {
		if r.lease.StopRequested() || failed.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := r.image(ctx, chapter, pos)
			if errors.Is(err, download.ErrCanceled) {
				return nil
			}
			if err != nil {
				failed.Store(true)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("download chapter %d: %w", chapter, err)
	}
	if r.lease.StopRequested() {
		return download.ErrCanceled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("download chapter %d: %w", chapter, err)
	}
	return nil
}

// image settles one image: an existing final file counts as done, anything
// else is fetched. Only cancellation and bookkeeping failures are returned;
// a failed download is recorded and the chapter goes on.
func (r *run) image(ctx context.Context, chapter, pos int) error {
	if r.lease.StopRequested() {
		return download.ErrCanceled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("image %d: %w", pos, err)
	}

	img, ok := r.imageStatus(chapter, pos)
	if !ok {
		return fmt.Errorf("image %d of chapter %d: %w", pos, chapter, download.ErrNavigation)
	}
	dest := download.ImagePath(r.w.cfg.Root, r.ticket.Work, chapter, img.File)

	if size, ok := finalFile(dest); ok {
		changed := img.State != download.ImageSucceeded || img.Bytes != size
		img.State, img.Bytes, img.LastError = download.ImageSucceeded, size, ""
		r.putImage(chapter, img, resultSkipped)
		evt := r.event(progress.StageImageSkipped)
		evt.Chapter, evt.Image, evt.URL, evt.Bytes = chapter, pos, img.URL, size
		r.w.emit(evt)
		if changed {
			return r.save(ctx)
		}
		return nil
	}

	tries := 1
	fetchCtx := retry.ContextWithObserver(ctx, func(attempt int, delay time.Duration, err error) {
		tries = attempt
		evt := r.event(progress.StageImageRetry)
		evt.Chapter, evt.Image, evt.URL, evt.Attempts = chapter, pos, img.URL, attempt
		evt.Level = progress.LevelWarning
		evt.ErrorClass = progress.ClassOf(err)
		evt.Message = fmt.Sprintf("retrying in %s: %v", delay, err)
		r.w.emit(evt)
	})
	auth, gen := r.authContext()
	n, err := r.w.fetcher.FetchImage(fetchCtx, img.URL, dest, auth)
	if err != nil && errors.Is(err, download.ErrAuthExpired) && ctx.Err() == nil {
		r.logger.Info("session expired during image fetch", zap.Int("chapter", chapter), zap.Int("image", pos))
		if reErr := r.reauthenticate(ctx, gen); reErr != nil {
			return fmt.Errorf("reauthenticate: %w", reErr)
		}
		auth, _ = r.authContext()
		n, err = r.w.fetcher.FetchImage(ctx, img.URL, dest, auth)
	}
	if a := retry.Attempts(err); err != nil && a > tries {
		tries = a
	}
	img.Attempts += tries

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("image %d: %w", pos, ctxErr)
		}
		img.State, img.LastError, img.Bytes = download.ImageFailed, err.Error(), 0
		r.putImage(chapter, img, resultFailed)
		evt := r.event(progress.StageImageFailed)
		evt.Chapter, evt.Image, evt.URL, evt.Attempts = chapter, pos, img.URL, img.Attempts
		evt.Level = progress.LevelWarning
		evt.ErrorClass = progress.ClassOf(err)
		evt.Message = err.Error()
		r.w.emit(evt)
		r.logger.Warn("image failed",
			zap.Int("chapter", chapter),
			zap.Int("image", pos),
			zap.Int("attempts", img.Attempts),
			zap.Error(err),
		)
	} else {
		img.State, img.LastError, img.Bytes = download.ImageSucceeded, "", n
		r.putImage(chapter, img, resultSucceeded)
		evt := r.event(progress.StageImageSucceeded)
		evt.Chapter, evt.Image, evt.URL, evt.Attempts, evt.Bytes = chapter, pos, img.URL, img.Attempts, n
		r.w.emit(evt)
	}
	return r.save(ctx)
}

func finalFile(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return 0, false
	}
	return info.Size(), true
}

func (r *run) imageStatus(chapter, pos int) (download.ImageStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.snap.Chapter(chapter)
	if rec == nil || pos < 1 || pos > len(rec.Images) {
		return download.ImageStatus{}, false
	}
	return rec.Images[pos-1], true
}

func (r *run) putImage(chapter int, img download.ImageStatus, res imageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.snap.Chapter(chapter); rec != nil && img.Index >= 1 && img.Index <= len(rec.Images) {
		rec.Images[img.Index-1] = img
	}
	switch res {
	case resultSucceeded:
		r.totals.ImagesSucceeded++
	case resultFailed:
		r.totals.ImagesFailed++
	case resultSkipped:
		r.totals.ImagesSkipped++
	}
}

// complete grades the chapter, marks it done and raises the resume point.
func (r *run) complete(index int) download.ChapterQuality {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.snap.Chapter(index)
	if rec == nil {
		return download.QualityBroken
	}
	quality := download.QualityBroken
	switch n := len(rec.Images); {
	case n >= r.w.cfg.MinImagesOK:
		quality = download.QualityOK
	case n >= r.w.cfg.MinImagesPartial:
		quality = download.QualityPartial
	}
	now := r.w.clock.Now()
	rec.Complete, rec.Quality, rec.CompletedAt = true, quality, &now
	r.snap.MarkCompleted(index)
	r.totals.ChaptersCompleted++
	return quality
}

func (r *run) refreshAuth(ctx context.Context) error {
	auth, err := r.w.session.AuthContext(ctx)
	if err != nil {
		return err
	}
	r.authMu.Lock()
	r.auth = auth
	r.authMu.Unlock()
	return nil
}

func (r *run) authContext() (download.AuthContext, uint64) {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	return r.auth, r.authGen
}

// reauthenticate logs in again unless another image already did so since
// seen was read.
func (r *run) reauthenticate(ctx context.Context, seen uint64) error {
	r.authMu.Lock()
	defer r.authMu.Unlock()
	if r.authGen != seen {
		return nil
	}
	if err := r.w.session.Reauthenticate(ctx); err != nil {
		return err
	}
	auth, err := r.w.session.AuthContext(ctx)
	if err != nil {
		return err
	}
	r.auth = auth
	r.authGen++
	return nil
}
