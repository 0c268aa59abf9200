// Package scheduler derives municipality-sized batches from the location
// hierarchy and drives sessions through them, surviving CAPTCHA pauses and
// process restarts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/grid"
	"github.com/TagusLX/scrapTV/internal/metrics"
	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/session"
	"github.com/TagusLX/scrapTV/internal/store"
)

// ErrNoFailedCells is returned when a retry targets a session without
// recorded transient failures.
var ErrNoFailedCells = errors.New("session has no failed cells to retry")

// Config controls batching and pacing.
type Config struct {
	// Levels restricts which hierarchy levels contribute cells. Empty
	// means all three.
	Levels []geo.Level

	Intensity Intensity

	// RequestsPerSecond overrides the intensity-derived pace when > 0.
	RequestsPerSecond float64

	// BatchPause is the rest between two municipality batches.
	BatchPause time.Duration

	// CaptchaPoll is how often a suspended run re-checks its session.
	CaptchaPoll time.Duration
}

func (c *Config) defaults() {
	if len(c.Levels) == 0 {
		c.Levels = geo.Levels()
	}
	if c.Intensity == "" {
		c.Intensity = IntensityModerate
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 30 * time.Second
	}
	if c.CaptchaPoll <= 0 {
		c.CaptchaPoll = 2 * time.Second
	}
}

// CompletionHook runs after a session completes; coverage refresh, export
// and event publishing register here.
type CompletionHook func(ctx context.Context, sess scrape.Session)

// Scheduler owns the batch loop for the single active session.
type Scheduler struct {
	cfg      Config
	graph    *geo.Graph
	store    store.Store
	machine  *session.Machine
	fetcher  scrape.PriceFetcher
	throttle *Throttle
	log      *zap.Logger
	hooks    []CompletionHook

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New builds a Scheduler. Runs launched before Start use a background
// context.
func New(cfg Config, graph *geo.Graph, st store.Store, machine *session.Machine, fetcher scrape.PriceFetcher, log *zap.Logger, hooks ...CompletionHook) *Scheduler {
	metrics.Init()
	cfg.defaults()
	return &Scheduler{
		cfg:      cfg,
		graph:    graph,
		store:    st,
		machine:  machine,
		fetcher:  fetcher,
		throttle: newThrottle(cfg.Intensity, cfg.RequestsPerSecond),
		log:      log,
		hooks:    hooks,
		baseCtx:  context.Background(),
	}
}

// Start binds the lifecycle context and resumes a persisted active session
// if one survived a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	sess, err := s.machine.Resume(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	s.log.Info("resuming interrupted session",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Int("cells_done", sess.CellsDone),
	)
	s.launch(sess)
	return nil
}

// Wait blocks until every launched run returns.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// StartFull creates and launches a full national session.
func (s *Scheduler) StartFull(ctx context.Context) (scrape.Session, error) {
	return s.startDerived(ctx, scrape.KindFull, "")
}

// StartTargeted creates and launches a session scoped to one location
// subtree.
func (s *Scheduler) StartTargeted(ctx context.Context, locationID string) (scrape.Session, error) {
	if _, ok := s.graph.Node(locationID); !ok {
		return scrape.Session{}, fmt.Errorf("unknown location %q", locationID)
	}
	return s.startDerived(ctx, scrape.KindTargeted, locationID)
}

// StartRetry creates and launches a session pinned to the transient
// failures of an earlier session.
func (s *Scheduler) StartRetry(ctx context.Context, sessionID string) (scrape.Session, error) {
	failures, err := s.store.ListFailedCells(ctx, sessionID)
	if err != nil {
		return scrape.Session{}, err
	}
	if len(failures) == 0 {
		return scrape.Session{}, ErrNoFailedCells
	}
	cells := make([]scrape.Cell, 0, len(failures))
	for _, f := range failures {
		cells = append(cells, f.Cell)
	}
	sess, err := s.machine.Create(ctx, scrape.KindRetry, sessionID, len(cells), cells)
	if err != nil {
		return scrape.Session{}, err
	}
	metrics.ObserveSessionStarted(string(scrape.KindRetry))
	s.launch(sess)
	return sess, nil
}

func (s *Scheduler) startDerived(ctx context.Context, kind scrape.SessionKind, scopeID string) (scrape.Session, error) {
	batches, err := s.deriveBatches(scopeID, nil)
	if err != nil {
		return scrape.Session{}, err
	}
	total := 0
	for _, b := range batches {
		total += len(b.cells)
	}
	sess, err := s.machine.Create(ctx, kind, scopeID, total, nil)
	if err != nil {
		return scrape.Session{}, err
	}
	metrics.ObserveSessionStarted(string(kind))
	s.launch(sess)
	return sess, nil
}

func (s *Scheduler) launch(sess scrape.Session) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Run(ctx, sess); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("session run aborted", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}()
}

// batch is one municipality subtree worth of cells.
type batch struct {
	scope string
	cells []scrape.Cell
}

// deriveBatches builds the batch sequence for a scope. District cells ride
// with the district's first municipality batch so every batch stays
// municipality-sized.
func (s *Scheduler) deriveBatches(scopeID string, pinned []scrape.Cell) ([]batch, error) {
	if len(pinned) > 0 {
		return groupPinned(pinned), nil
	}

	include := make(map[geo.Level]bool, len(s.cfg.Levels))
	for _, l := range s.cfg.Levels {
		include[l] = true
	}

	var (
		batches []batch
		current *batch
		carried []scrape.Cell
	)
	flush := func() {
		if current != nil && len(current.cells) > 0 {
			batches = append(batches, *current)
		}
		current = nil
	}
	err := s.graph.Walk(scopeID, func(n geo.Node) {
		var cells []scrape.Cell
		if include[n.Level] {
			cells = grid.CellsFor(n)
		}
		switch n.Level {
		case geo.LevelDistrict:
			flush()
			if len(carried) > 0 {
				// District without municipalities: its cells become
				// their own batch.
				batches = append(batches, batch{scope: geo.AncestorIDs(carried[0].LocationID)[0], cells: carried})
			}
			carried = cells
		case geo.LevelMunicipality:
			flush()
			current = &batch{scope: n.ID}
			current.cells = append(current.cells, carried...)
			carried = nil
			current.cells = append(current.cells, cells...)
		default:
			if current == nil {
				current = &batch{scope: n.ID}
			}
			current.cells = append(current.cells, cells...)
		}
	})
	if err != nil {
		return nil, err
	}
	flush()
	if len(carried) > 0 {
		batches = append(batches, batch{scope: geo.AncestorIDs(carried[0].LocationID)[0], cells: carried})
	}
	return batches, nil
}

// groupPinned splits an explicit cell list into batches by municipality
// prefix, preserving first-seen order.
func groupPinned(cells []scrape.Cell) []batch {
	index := make(map[string]int)
	var batches []batch
	for _, c := range cells {
		scope := municipalityPrefix(c.LocationID)
		i, ok := index[scope]
		if !ok {
			i = len(batches)
			index[scope] = i
			batches = append(batches, batch{scope: scope})
		}
		batches[i].cells = append(batches[i].cells, c)
	}
	return batches
}

func municipalityPrefix(locationID string) string {
	parts := strings.SplitN(locationID, "/", 3)
	if len(parts) >= 2 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}

// runResult reports how one batch pass ended.
type runResult struct {
	suspended  bool
	failed     bool
	superseded bool
}

// RunBatch fetches every unprocessed cell of one batch. It stops early on
// suspension or session failure; already processed cells are skipped so
// resumed runs never re-fetch.
func (s *Scheduler) RunBatch(ctx context.Context, sess *scrape.Session, b batch) (runResult, error) {
	start := time.Now()
	for _, cell := range b.cells {
		if sess.Processed(cell) {
			continue
		}
		if err := s.throttle.Wait(ctx); err != nil {
			return runResult{}, err
		}
		url := grid.URLFor(cell)
		out := s.fetcher.FetchPrice(ctx, url)
		metrics.ObserveCell(string(out.Kind))
		if err := s.machine.OnOutcome(ctx, sess, cell, url, out); err != nil {
			if errors.Is(err, session.ErrSuperseded) {
				return runResult{superseded: true}, nil
			}
			return runResult{}, err
		}
		switch sess.Status {
		case scrape.StatusWaitingCaptcha:
			metrics.ObserveCaptchaPause()
			return runResult{suspended: true}, nil
		case scrape.StatusFailed:
			metrics.ObserveSessionEnded(string(sess.Status))
			return runResult{failed: true}, nil
		}
	}
	if err := s.store.Flush(ctx); err != nil {
		return runResult{}, fmt.Errorf("flush batch: %w", err)
	}
	metrics.ObserveBatch(time.Since(start))
	return runResult{}, nil
}

// Run drives one session from its current state to a terminal status. A
// context cancellation leaves the persisted state intact so the next
// process resumes it.
func (s *Scheduler) Run(ctx context.Context, sess scrape.Session) error {
	// A session resumed while suspended stays parked until the operator
	// resolves the challenge; no batch work proceeds in waiting_captcha.
	if sess.Status == scrape.StatusWaitingCaptcha {
		resumed, err := s.awaitCaptcha(ctx, sess.ID)
		if err != nil {
			return err
		}
		if !resumed.Status.Active() {
			metrics.ObserveSessionEnded(string(resumed.Status))
			return nil
		}
		sess = resumed
	}

	batches, err := s.deriveBatches(sess.ScopeID, sess.Cells)
	if err != nil {
		return s.machine.Fail(ctx, &sess, err.Error())
	}

	for i, b := range batches {
		for {
			res, err := s.RunBatch(ctx, &sess, b)
			if err != nil {
				return err
			}
			if res.failed {
				return nil
			}
			if res.superseded {
				s.log.Info("session lost the active slot, run stopped",
					zap.String("session_id", sess.ID),
				)
				return nil
			}
			if !res.suspended {
				break
			}
			resumed, err := s.awaitCaptcha(ctx, sess.ID)
			if err != nil {
				return err
			}
			if !resumed.Status.Active() {
				metrics.ObserveSessionEnded(string(resumed.Status))
				return nil
			}
			sess = resumed
		}
		if i < len(batches)-1 {
			select {
			case <-time.After(s.cfg.BatchPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := s.machine.Complete(ctx, &sess); err != nil {
		return err
	}
	metrics.ObserveSessionEnded(string(sess.Status))
	s.log.Info("session completed",
		zap.String("session_id", sess.ID),
		zap.Int("cells_done", sess.CellsDone),
		zap.Int("cells_failed", len(sess.Failed)),
	)
	for _, hook := range s.hooks {
		hook(ctx, sess)
	}
	return nil
}

// awaitCaptcha polls the stored session until an operator action moves it
// out of waiting_captcha.
func (s *Scheduler) awaitCaptcha(ctx context.Context, id string) (scrape.Session, error) {
	ticker := time.NewTicker(s.cfg.CaptchaPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return scrape.Session{}, ctx.Err()
		case <-ticker.C:
			sess, err := s.store.GetSession(ctx, id)
			if err != nil {
				return scrape.Session{}, err
			}
			if sess.Status != scrape.StatusWaitingCaptcha {
				return sess, nil
			}
		}
	}
}
