// Package session implements the lifecycle state machine for scraping
// sessions. Every transition persists before it is reported, so a killed
// process resumes from the last stored state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/store"
)

// DefaultMaxCaptchaRejections bounds how many rejected solutions a
// suspended session tolerates before it fails.
const DefaultMaxCaptchaRejections = 3

var (
	// ErrNotWaiting is returned when a captcha solution arrives for a
	// session that is not suspended.
	ErrNotWaiting = errors.New("session is not waiting for a captcha solution")

	// ErrCaptchaRejected is returned when the site rejects the solution.
	ErrCaptchaRejected = errors.New("captcha solution rejected")

	// ErrNotActive is returned when an operator action targets a session
	// that already reached a terminal state.
	ErrNotActive = errors.New("session is not active")

	// ErrSuperseded is returned when a run reports progress for a session
	// that no longer holds the single-writer slot, for example after an
	// operator abandoned it. The run must stop; its in-flight work is
	// discarded.
	ErrSuperseded = errors.New("session no longer holds the active slot")
)

// Machine drives session transitions against the store. One mutex
// serializes transitions, so an operator action and the run loop can never
// interleave between a slot check and its persist.
type Machine struct {
	store         store.Store
	fetcher       scrape.PriceFetcher
	clock         scrape.Clock
	ids           scrape.IDGenerator
	log           *zap.Logger
	maxRejections int

	mu sync.Mutex
}

// New constructs a Machine. maxRejections <= 0 selects the default.
func New(st store.Store, fetcher scrape.PriceFetcher, clock scrape.Clock, ids scrape.IDGenerator, log *zap.Logger, maxRejections int) *Machine {
	if maxRejections <= 0 {
		maxRejections = DefaultMaxCaptchaRejections
	}
	return &Machine{
		store:         st,
		fetcher:       fetcher,
		clock:         clock,
		ids:           ids,
		log:           log,
		maxRejections: maxRejections,
	}
}

// Create claims the single-writer slot and persists a new running session.
// pinned carries the explicit cell scope for retry sessions and stays nil
// for full and targeted runs.
func (m *Machine) Create(ctx context.Context, kind scrape.SessionKind, scopeID string, cellsTotal int, pinned []scrape.Cell) (scrape.Session, error) {
	id, err := m.ids.NewID()
	if err != nil {
		return scrape.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	if err := m.store.SetActiveSession(ctx, id); err != nil {
		return scrape.Session{}, err
	}
	sess := scrape.Session{
		ID:         id,
		Status:     scrape.StatusRunning,
		Kind:       kind,
		ScopeID:    scopeID,
		StartedAt:  m.clock.Now(),
		CellsTotal: cellsTotal,
		Succeeded:  make(map[string]struct{}),
		Cells:      pinned,
	}
	if err := m.store.PutSession(ctx, sess); err != nil {
		if clearErr := m.store.ClearActiveSession(ctx, id); clearErr != nil {
			m.log.Warn("release active slot after failed create", zap.String("session_id", id), zap.Error(clearErr))
		}
		return scrape.Session{}, fmt.Errorf("persist session: %w", err)
	}
	if err := m.store.Flush(ctx); err != nil {
		if clearErr := m.store.ClearActiveSession(ctx, id); clearErr != nil {
			m.log.Warn("release active slot after failed flush", zap.String("session_id", id), zap.Error(clearErr))
		}
		return scrape.Session{}, fmt.Errorf("flush session: %w", err)
	}
	m.log.Info("session created",
		zap.String("session_id", id),
		zap.String("kind", string(kind)),
		zap.String("scope", scopeID),
		zap.Int("cells_total", cellsTotal),
	)
	return sess, nil
}

// Resume returns the persisted active session, or store.ErrNotFound when no
// run was interrupted.
func (m *Machine) Resume(ctx context.Context) (scrape.Session, error) {
	id, err := m.store.ActiveSession(ctx)
	if err != nil {
		return scrape.Session{}, err
	}
	if id == "" {
		return scrape.Session{}, store.ErrNotFound
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return scrape.Session{}, err
	}
	if !sess.Status.Active() {
		// Stale pointer from a crash between terminal write and release.
		if err := m.store.ClearActiveSession(ctx, id); err != nil {
			return scrape.Session{}, err
		}
		return scrape.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// OnOutcome applies one fetch outcome to the session and persists the
// result. The caller inspects sess.Status afterwards: waiting_captcha means
// the run is suspended, failed means it aborted. ErrSuperseded means the
// session lost the single-writer slot and the run must stop without
// persisting anything.
func (m *Machine) OnOutcome(ctx context.Context, sess *scrape.Session, cell scrape.Cell, url string, out scrape.FetchOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.store.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("check active session: %w", err)
	}
	if active != sess.ID {
		return ErrSuperseded
	}

	switch out.Kind {
	case scrape.OutcomePrice:
		value := scrape.Value{
			Cell:        cell,
			PricePerSqm: out.Price,
			SourceURL:   url,
			ScrapedAt:   m.clock.Now(),
			SessionID:   sess.ID,
		}
		if err := m.store.PutValue(ctx, value); err != nil {
			return fmt.Errorf("store value: %w", err)
		}
		sess.Succeeded[cell.Key()] = struct{}{}
		sess.CellsDone++

	case scrape.OutcomeCaptcha:
		// Fetchers only see URLs; the machine pins the blocked cell.
		out.Challenge.Cell = cell
		sess.Status = scrape.StatusWaitingCaptcha
		sess.Captcha = out.Challenge
		if err := m.store.PutSession(ctx, *sess); err != nil {
			return fmt.Errorf("persist suspension: %w", err)
		}
		if err := m.store.Flush(ctx); err != nil {
			return fmt.Errorf("flush suspension: %w", err)
		}
		m.log.Warn("session suspended on captcha",
			zap.String("session_id", sess.ID),
			zap.String("cell", cell.Key()),
			zap.Int("cells_done", sess.CellsDone),
		)
		return nil

	case scrape.OutcomeTransient:
		sess.Failed = append(sess.Failed, scrape.CellFailure{Cell: cell, Error: out.Err})
		sess.CellsDone++
		m.log.Warn("cell failed",
			zap.String("session_id", sess.ID),
			zap.String("cell", cell.Key()),
			zap.String("error", out.Err),
		)

	case scrape.OutcomeFatal:
		return m.fail(ctx, sess, out.Err)

	default:
		return fmt.Errorf("unknown outcome kind %q", out.Kind)
	}

	if err := m.store.PutSession(ctx, *sess); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}

// ResolveCaptcha submits an operator solution for a suspended session. On
// acceptance the session returns to running; after too many rejections it
// fails.
func (m *Machine) ResolveCaptcha(ctx context.Context, id string, solution string) (scrape.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return scrape.Session{}, err
	}
	if sess.Status != scrape.StatusWaitingCaptcha || sess.Captcha == nil {
		return sess, ErrNotWaiting
	}

	accepted, err := m.fetcher.SubmitCaptchaSolution(ctx, sess.Captcha.Token, solution)
	if err != nil {
		return sess, fmt.Errorf("submit captcha solution: %w", err)
	}
	if !accepted {
		sess.CaptchaRejections++
		if sess.CaptchaRejections >= m.maxRejections {
			if failErr := m.fail(ctx, &sess, fmt.Sprintf("captcha solution rejected %d times", sess.CaptchaRejections)); failErr != nil {
				return sess, failErr
			}
			return sess, ErrCaptchaRejected
		}
		if err := m.store.PutSession(ctx, sess); err != nil {
			return sess, fmt.Errorf("persist rejection: %w", err)
		}
		if err := m.store.Flush(ctx); err != nil {
			return sess, fmt.Errorf("flush rejection: %w", err)
		}
		m.log.Warn("captcha solution rejected",
			zap.String("session_id", id),
			zap.Int("rejections", sess.CaptchaRejections),
		)
		return sess, ErrCaptchaRejected
	}

	sess.Status = scrape.StatusRunning
	sess.Captcha = nil
	if err := m.store.PutSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("persist resume: %w", err)
	}
	if err := m.store.Flush(ctx); err != nil {
		return sess, fmt.Errorf("flush resume: %w", err)
	}
	m.log.Info("captcha solved, session resuming", zap.String("session_id", id))
	return sess, nil
}

// Complete marks the session finished and releases the single-writer slot.
func (m *Machine) Complete(ctx context.Context, sess *scrape.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	sess.Status = scrape.StatusCompleted
	sess.CompletedAt = &now
	sess.Captcha = nil
	return m.finish(ctx, sess)
}

// Fail marks the session failed with a reason and releases the slot.
func (m *Machine) Fail(ctx context.Context, sess *scrape.Session, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail(ctx, sess, reason)
}

func (m *Machine) fail(ctx context.Context, sess *scrape.Session, reason string) error {
	now := m.clock.Now()
	sess.Status = scrape.StatusFailed
	sess.CompletedAt = &now
	sess.Captcha = nil
	sess.ErrorMessage = reason
	m.log.Error("session failed", zap.String("session_id", sess.ID), zap.String("reason", reason))
	return m.finish(ctx, sess)
}

// Abandon fails an active session on operator request.
func (m *Machine) Abandon(ctx context.Context, id string) (scrape.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return scrape.Session{}, err
	}
	if !sess.Status.Active() {
		return sess, ErrNotActive
	}
	if err := m.fail(ctx, &sess, "abandoned by operator"); err != nil {
		return sess, err
	}
	return sess, nil
}

func (m *Machine) finish(ctx context.Context, sess *scrape.Session) error {
	if err := m.store.PutSession(ctx, *sess); err != nil {
		return fmt.Errorf("persist terminal state: %w", err)
	}
	if err := m.store.ClearActiveSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("release active slot: %w", err)
	}
	if err := m.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush terminal state: %w", err)
	}
	return nil
}
