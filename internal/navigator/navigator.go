// Package navigator drives one authenticated session through a work's
// chapters: log in, load a chapter, list its images, find the next one.
//
// The automation engine sits behind Driver. Session owns the state machine,
// session reuse and the retry rules around it.
package navigator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/retry"
)

// Driver is the capability surface of a browser or HTTP automation engine.
type Driver interface {
	// Authenticate logs in with the configured account.
	Authenticate(ctx context.Context) error
	// LoadChapter navigates to url and extracts its ordered image URLs.
	LoadChapter(ctx context.Context, url string) (download.ChapterPage, error)
	// NextChapterLink follows the next-chapter affordance of the last loaded
	// chapter. ok is false when the page has none.
	NextChapterLink(ctx context.Context) (next string, ok bool, err error)
	// AuthContext exports what plain HTTP requests need to share the session.
	AuthContext(ctx context.Context) (download.AuthContext, error)
	// Reset drops the current session so the next Authenticate starts fresh.
	Reset(ctx context.Context) error
	Close() error
}

// State is a navigator lifecycle state.
type State string

// Navigator states.
const (
	StateLoggedOut      State = "logged_out"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateLoadingChapter State = "loading_chapter"
	StateExtracted      State = "extracted"
	StateAdvancing      State = "advancing"
	StateFinished       State = "finished"
	StateFailed         State = "failed"
)

// Observer is told about every state transition.
type Observer func(from, to State, err error)

// Options tune a Session.
type Options struct {
	Policy        retry.Policy
	RequiresLogin bool
	Observer      Observer
	Logger        *zap.Logger
}

// Session implements the chapter navigation state machine over a Driver.
type Session struct {
	driver        Driver
	policy        retry.Policy
	requiresLogin bool
	observer      Observer
	logger        *zap.Logger

	mu      sync.RWMutex
	state   State
	authed  bool
	lastURL string
}

// NewSession wraps driver. One session serves one run at a time.
func NewSession(driver Driver, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		driver:        driver,
		policy:        opts.Policy,
		requiresLogin: opts.RequiresLogin,
		observer:      opts.Observer,
		logger:        logger,
		state:         StateLoggedOut,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetObserver replaces the transition observer; the worker points it at the
// job currently holding the session.
func (s *Session) SetObserver(fn Observer) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

func (s *Session) transition(to State, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	obs := s.observer
	s.mu.Unlock()
	if obs != nil && from != to {
		obs(from, to, err)
	}
}

// ensureAuthenticated logs in once per session. Transient failures are
// retried under the policy; rejected credentials get exactly one more try.
func (s *Session) ensureAuthenticated(ctx context.Context) error {
	s.mu.RLock()
	authed := s.authed
	s.mu.RUnlock()
	if authed {
		return nil
	}
	if !s.requiresLogin {
		s.markAuthenticated()
		s.transition(StateReady, nil)
		return nil
	}

	s.transition(StateAuthenticating, nil)
	var err error
	for round := 1; round <= 2; round++ {
		err = s.policy.Execute(ctx, func(ctx context.Context, _ int) error {
			return s.driver.Authenticate(ctx)
		})
		if err == nil {
			s.markAuthenticated()
			s.transition(StateReady, nil)
			return nil
		}
		if !errors.Is(err, download.ErrInvalidCredentials) || ctx.Err() != nil {
			break
		}
		s.logger.Warn("login rejected, retrying once", zap.Int("round", round))
		if resetErr := s.driver.Reset(ctx); resetErr != nil {
			s.logger.Warn("reset after rejected login failed", zap.Error(resetErr))
		}
	}
	if errors.Is(err, download.ErrInvalidCredentials) {
		s.transition(StateFailed, err)
		return fmt.Errorf("authenticate: %w", err)
	}
	if ctx.Err() != nil {
		s.transition(StateLoggedOut, err)
		return fmt.Errorf("authenticate: %w", err)
	}
	s.transition(StateFailed, err)
	return fmt.Errorf("authenticate: %w", err)
}

func (s *Session) markAuthenticated() {
	s.mu.Lock()
	s.authed = true
	s.mu.Unlock()
}

// Open authenticates if needed, then loads url and returns its images.
// An expired session is re-established once before giving up.
func (s *Session) Open(ctx context.Context, url string) (download.ChapterPage, error) {
	if err := s.ensureAuthenticated(ctx); err != nil {
		return download.ChapterPage{}, err
	}

	page, err := s.load(ctx, url)
	if errors.Is(err, download.ErrAuthExpired) {
		s.logger.Info("session expired while loading chapter", zap.String("url", url))
		if reErr := s.Reauthenticate(ctx); reErr != nil {
			return download.ChapterPage{}, reErr
		}
		page, err = s.load(ctx, url)
	}
	if err != nil {
		if ctx.Err() != nil {
			s.transition(StateReady, err)
		} else {
			s.transition(StateFailed, err)
		}
		return download.ChapterPage{}, fmt.Errorf("load chapter %s: %w", url, err)
	}

	s.mu.Lock()
	s.lastURL = page.URL
	s.mu.Unlock()
	s.transition(StateExtracted, nil)
	return page, nil
}

func (s *Session) load(ctx context.Context, url string) (download.ChapterPage, error) {
	s.transition(StateLoadingChapter, nil)
	return retry.Do(ctx, s.policy, func(ctx context.Context, _ int) (download.ChapterPage, error) {
		page, err := s.driver.LoadChapter(ctx, url)
		if err != nil {
			return download.ChapterPage{}, err
		}
		if page.URL == "" {
			page.URL = url
		}
		return page, nil
	})
}

// Advance locates the next chapter. ok=false is the normal end of a work.
func (s *Session) Advance(ctx context.Context) (string, bool, error) {
	if st := s.State(); st != StateExtracted {
		return "", false, fmt.Errorf("advance from state %s: %w", st, download.ErrNavigation)
	}
	s.transition(StateAdvancing, nil)

	type result struct {
		next string
		ok   bool
	}
	res, err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) (result, error) {
		next, ok, err := s.driver.NextChapterLink(ctx)
		return result{next: next, ok: ok}, err
	})
	switch {
	case err != nil:
		s.transition(StateFailed, err)
		return "", false, fmt.Errorf("find next chapter: %w", err)
	case !res.ok:
		s.transition(StateFinished, nil)
		return "", false, nil
	default:
		s.transition(StateReady, nil)
		return res.next, true, nil
	}
}

// CoverFinder is implemented by drivers that can read a work's cover image
// from its catalog page.
type CoverFinder interface {
	CoverImage(ctx context.Context, workURL string) (string, bool, error)
}

// Cover locates the cover image on workURL without moving the state machine.
// Drivers that are not a CoverFinder report none.
func (s *Session) Cover(ctx context.Context, workURL string) (string, bool, error) {
	finder, ok := s.driver.(CoverFinder)
	if !ok {
		return "", false, nil
	}
	if err := s.ensureAuthenticated(ctx); err != nil {
		return "", false, err
	}

	type result struct {
		cover string
		ok    bool
	}
	res, err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) (result, error) {
		cover, ok, err := finder.CoverImage(ctx, workURL)
		return result{cover: cover, ok: ok}, err
	})
	if err != nil {
		return "", false, fmt.Errorf("find cover on %s: %w", workURL, err)
	}
	return res.cover, res.ok, nil
}

// Reauthenticate tears down the session and logs in again.
func (s *Session) Reauthenticate(ctx context.Context) error {
	s.mu.Lock()
	s.authed = false
	s.mu.Unlock()
	s.transition(StateLoggedOut, download.ErrAuthExpired)
	if err := s.driver.Reset(ctx); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return s.ensureAuthenticated(ctx)
}

// AuthContext exposes the session to plain HTTP fetches.
func (s *Session) AuthContext(ctx context.Context) (download.AuthContext, error) {
	auth, err := s.driver.AuthContext(ctx)
	if err != nil {
		return download.AuthContext{}, fmt.Errorf("export session: %w", err)
	}
	s.mu.RLock()
	referer := s.lastURL
	s.mu.RUnlock()
	if referer != "" {
		if auth.Headers == nil {
			auth.Headers = make(map[string][]string)
		}
		if auth.Headers.Get("Referer") == "" {
			auth.Headers.Set("Referer", referer)
		}
	}
	return auth, nil
}

// Rewind returns a finished or failed session to Ready for the next run.
func (s *Session) Rewind() {
	s.mu.RLock()
	authed := s.authed
	s.mu.RUnlock()
	if authed {
		s.transition(StateReady, nil)
		return
	}
	s.transition(StateLoggedOut, nil)
}

// Close releases the driver.
func (s *Session) Close() error {
	if err := s.driver.Close(); err != nil {
		return fmt.Errorf("close driver: %w", err)
	}
	return nil
}
