package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/grid"
	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/session"
	"github.com/TagusLX/scrapTV/internal/store/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC) }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sess-%d", g.n), nil
}

// scriptedFetcher routes FetchPrice through a test closure and records
// every URL it was asked for.
type scriptedFetcher struct {
	mu      sync.Mutex
	fetched []string
	outcome func(url string, call int) scrape.FetchOutcome
	accept  bool
}

func (f *scriptedFetcher) FetchPrice(_ context.Context, url string) scrape.FetchOutcome {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	call := len(f.fetched)
	f.mu.Unlock()
	if f.outcome == nil {
		price := 1000.0
		return scrape.PriceOutcome(&price)
	}
	return f.outcome(url, call)
}

func (f *scriptedFetcher) SubmitCaptchaSolution(context.Context, string, string) (bool, error) {
	return f.accept, nil
}

func (f *scriptedFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.fetched {
		if u == url {
			n++
		}
	}
	return n
}

func (f *scriptedFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func testGraph(t *testing.T) *geo.Graph {
	t.Helper()
	g, err := geo.Build([]geo.Row{
		{District: "Faro", Municipality: "Tavira", Parish: "Santa Luzia"},
		{District: "Faro", Municipality: "Olhão"},
		{District: "Lisboa", Municipality: "Lisboa"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func testScheduler(t *testing.T, cfg Config, fetcher scrape.PriceFetcher, hooks ...CompletionHook) (*Scheduler, *session.Machine, *memory.Store) {
	t.Helper()
	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 500
	}
	if cfg.BatchPause == 0 {
		cfg.BatchPause = time.Millisecond
	}
	if cfg.CaptchaPoll == 0 {
		cfg.CaptchaPoll = 5 * time.Millisecond
	}
	st := memory.New()
	machine := session.New(st, fetcher, fixedClock{}, &seqIDs{}, zap.NewNop(), 0)
	return New(cfg, testGraph(t), st, machine, fetcher, zap.NewNop(), hooks...), machine, st
}

func TestDeriveBatchesGroupsByMunicipality(t *testing.T) {
	t.Parallel()

	s, _, _ := testScheduler(t, Config{}, &scriptedFetcher{})
	batches, err := s.deriveBatches("", nil)
	if err != nil {
		t.Fatalf("deriveBatches() error = %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if batches[0].scope != "faro/tavira" || batches[1].scope != "faro/olhao" || batches[2].scope != "lisboa/lisboa" {
		t.Fatalf("batch scopes = %q %q %q", batches[0].scope, batches[1].scope, batches[2].scope)
	}

	// District cells ride with the district's first municipality batch.
	per := grid.CellsPerNode()
	if len(batches[0].cells) != 3*per {
		t.Fatalf("first batch = %d cells, want %d", len(batches[0].cells), 3*per)
	}
	if batches[0].cells[0].LocationID != "faro" {
		t.Fatalf("district cells must lead the batch, got %q", batches[0].cells[0].LocationID)
	}
	if len(batches[1].cells) != per {
		t.Fatalf("second batch = %d cells, want %d", len(batches[1].cells), per)
	}
	if len(batches[2].cells) != 2*per {
		t.Fatalf("third batch = %d cells, want %d", len(batches[2].cells), 2*per)
	}
}

func TestDeriveBatchesLevelFilter(t *testing.T) {
	t.Parallel()

	s, _, _ := testScheduler(t, Config{Levels: []geo.Level{geo.LevelMunicipality}}, &scriptedFetcher{})
	batches, err := s.deriveBatches("", nil)
	if err != nil {
		t.Fatalf("deriveBatches() error = %v", err)
	}
	for _, b := range batches {
		for _, c := range b.cells {
			if geo.LevelOf(c.LocationID) != geo.LevelMunicipality {
				t.Fatalf("cell %q leaked through the level filter", c.LocationID)
			}
		}
	}
}

func TestDeriveBatchesTargetedScope(t *testing.T) {
	t.Parallel()

	s, _, _ := testScheduler(t, Config{}, &scriptedFetcher{})
	batches, err := s.deriveBatches("faro/tavira", nil)
	if err != nil {
		t.Fatalf("deriveBatches() error = %v", err)
	}
	if len(batches) != 1 || batches[0].scope != "faro/tavira" {
		t.Fatalf("targeted batches = %+v", batches)
	}
	if len(batches[0].cells) != 2*grid.CellsPerNode() {
		t.Fatalf("targeted batch = %d cells", len(batches[0].cells))
	}
}

func TestRunCompletesAndFiresHooks(t *testing.T) {
	t.Parallel()

	var hooked scrape.Session
	done := make(chan struct{})
	hook := func(_ context.Context, sess scrape.Session) {
		hooked = sess
		close(done)
	}
	fetcher := &scriptedFetcher{}
	s, machine, st := testScheduler(t, Config{Levels: []geo.Level{geo.LevelMunicipality}}, fetcher, hook)
	ctx := context.Background()

	sess, err := machine.Create(ctx, scrape.KindFull, "", 3*grid.CellsPerNode(), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Run(ctx, sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("completion hook never fired")
	}
	if hooked.Status != scrape.StatusCompleted || hooked.CellsDone != 3*grid.CellsPerNode() {
		t.Fatalf("hooked session = %+v", hooked)
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatal("completed session must release the slot")
	}
}

func TestRunSuspendsOnCaptchaAndResumes(t *testing.T) {
	t.Parallel()

	var capOnce sync.Once
	fetcher := &scriptedFetcher{accept: true}
	fetcher.outcome = func(_ string, call int) scrape.FetchOutcome {
		if call == 4 {
			var out scrape.FetchOutcome
			served := false
			capOnce.Do(func() {
				out = scrape.CaptchaOutcome(&scrape.CaptchaChallenge{Token: "tok-1", URL: "u"})
				served = true
			})
			if served {
				return out
			}
		}
		price := 1500.0
		return scrape.PriceOutcome(&price)
	}

	s, machine, st := testScheduler(t, Config{Levels: []geo.Level{geo.LevelDistrict}}, fetcher)
	ctx := context.Background()
	sess, err := machine.Create(ctx, scrape.KindFull, "", 2*grid.CellsPerNode(), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- s.Run(ctx, sess) }()

	// The run must park in waiting_captcha with three cells done.
	waitFor(t, func() bool {
		got, err := st.GetSession(ctx, sess.ID)
		return err == nil && got.Status == scrape.StatusWaitingCaptcha
	})
	suspended, _ := st.GetSession(ctx, sess.ID)
	if suspended.CellsDone != 3 {
		t.Fatalf("cells_done at suspension = %d, want 3", suspended.CellsDone)
	}

	if _, err := machine.ResolveCaptcha(ctx, sess.ID, "solution"); err != nil {
		t.Fatalf("ResolveCaptcha() error = %v", err)
	}
	if err := <-runDone; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	final, _ := st.GetSession(ctx, sess.ID)
	if final.Status != scrape.StatusCompleted || final.CellsDone != 2*grid.CellsPerNode() {
		t.Fatalf("final session = %+v", final)
	}
	// The blocked cell is re-fetched after the solve.
	if got := fetcher.count(fetcher.fetched[3]); got != 2 {
		t.Fatalf("blocked url fetched %d times, want 2", got)
	}
}

func TestRetrySessionScrapesOnlyFailedCells(t *testing.T) {
	t.Parallel()

	failing := map[string]bool{}
	var failMu sync.Mutex
	fetcher := &scriptedFetcher{}
	fetcher.outcome = func(url string, call int) scrape.FetchOutcome {
		failMu.Lock()
		defer failMu.Unlock()
		if len(failing) < 2 && call%7 == 3 {
			failing[url] = true
			return scrape.TransientOutcome(errors.New("status 502"))
		}
		if failing[url] {
			// The retry pass succeeds where the first run failed.
			delete(failing, url)
		}
		price := 2000.0
		return scrape.PriceOutcome(&price)
	}

	s, machine, st := testScheduler(t, Config{Levels: []geo.Level{geo.LevelDistrict}}, fetcher)
	ctx := context.Background()
	sess, err := machine.Create(ctx, scrape.KindFull, "", 2*grid.CellsPerNode(), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Run(ctx, sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	first, _ := st.GetSession(ctx, sess.ID)
	if first.Status != scrape.StatusCompleted || len(first.Failed) != 2 {
		t.Fatalf("first run = %+v", first)
	}

	before := fetcher.total()
	retry, err := s.StartRetry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("StartRetry() error = %v", err)
	}
	s.Wait()

	if got := fetcher.total() - before; got != 2 {
		t.Fatalf("retry fetched %d cells, want exactly the 2 failures", got)
	}
	final, _ := st.GetSession(ctx, retry.ID)
	if final.Status != scrape.StatusCompleted || final.CellsDone != 2 || len(final.Failed) != 0 {
		t.Fatalf("retry session = %+v", final)
	}
}

func TestStartRetryWithoutFailures(t *testing.T) {
	t.Parallel()

	s, machine, _ := testScheduler(t, Config{}, &scriptedFetcher{})
	ctx := context.Background()
	sess, err := machine.Create(ctx, scrape.KindTargeted, "faro", 1, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := machine.Complete(ctx, &sess); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := s.StartRetry(ctx, sess.ID); !errors.Is(err, ErrNoFailedCells) {
		t.Fatalf("StartRetry() = %v, want ErrNoFailedCells", err)
	}
}

func TestRunSkipsAlreadyProcessedCells(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	s, machine, st := testScheduler(t, Config{Levels: []geo.Level{geo.LevelDistrict}}, fetcher)
	ctx := context.Background()
	sess, err := machine.Create(ctx, scrape.KindFull, "", 2*grid.CellsPerNode(), nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Simulate a run killed after persisting five cells.
	batches, err := s.deriveBatches("", nil)
	if err != nil {
		t.Fatalf("deriveBatches() error = %v", err)
	}
	var all []scrape.Cell
	for _, b := range batches {
		all = append(all, b.cells...)
	}
	for _, cell := range all[:5] {
		sess.Succeeded[cell.Key()] = struct{}{}
		sess.CellsDone++
	}
	if err := st.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}

	if err := s.Run(ctx, sess); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := 2*grid.CellsPerNode() - 5
	if fetcher.total() != want {
		t.Fatalf("resumed run fetched %d cells, want %d", fetcher.total(), want)
	}
}

func TestAbandonStopsRunningSession(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{}
	s, machine, st := testScheduler(t, Config{Levels: []geo.Level{geo.LevelDistrict}, RequestsPerSecond: 200}, fetcher)
	ctx := context.Background()

	sess, err := s.StartFull(ctx)
	if err != nil {
		t.Fatalf("StartFull() error = %v", err)
	}
	waitFor(t, func() bool { return fetcher.total() >= 3 })

	if _, err := machine.Abandon(ctx, sess.ID); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	s.Wait()

	// The loop is gone; in-flight work is discarded, not reported.
	settled := fetcher.total()
	time.Sleep(50 * time.Millisecond)
	if fetcher.total() != settled {
		t.Fatalf("abandoned run still fetching: %d -> %d", settled, fetcher.total())
	}
	got, _ := st.GetSession(ctx, sess.ID)
	if got.Status != scrape.StatusFailed || got.ErrorMessage != "abandoned by operator" {
		t.Fatalf("abandoned session = %+v", got)
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatal("abandoned session must release the slot")
	}

	// A fresh session owns the slot alone and runs to completion.
	next, err := s.StartFull(ctx)
	if err != nil {
		t.Fatalf("StartFull() after abandon error = %v", err)
	}
	s.Wait()
	final, _ := st.GetSession(ctx, next.ID)
	if final.Status != scrape.StatusCompleted || final.CellsDone != 2*grid.CellsPerNode() {
		t.Fatalf("second session = %+v", final)
	}
	if first, _ := st.GetSession(ctx, sess.ID); first.Status != scrape.StatusFailed {
		t.Fatalf("abandoned session revived by later run: %+v", first)
	}
}

func TestResumedSessionStaysParkedUntilCaptchaSolved(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{accept: true}
	s, machine, st := testScheduler(t, Config{Levels: []geo.Level{geo.LevelDistrict}}, fetcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batches, err := s.deriveBatches("", nil)
	if err != nil {
		t.Fatalf("deriveBatches() error = %v", err)
	}
	cells := batches[0].cells

	// State a killed process left behind: suspended mid-batch with a
	// stored challenge.
	sess := scrape.Session{
		ID:         "sess-crashed",
		Status:     scrape.StatusWaitingCaptcha,
		Kind:       scrape.KindFull,
		StartedAt:  fixedClock{}.Now(),
		CellsTotal: 2 * grid.CellsPerNode(),
		CellsDone:  3,
		Succeeded:  map[string]struct{}{},
		Captcha:    &scrape.CaptchaChallenge{Token: "tok-9", Cell: cells[3], URL: "u"},
	}
	for _, cell := range cells[:3] {
		sess.Succeeded[cell.Key()] = struct{}{}
	}
	if err := st.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}
	if err := st.SetActiveSession(ctx, sess.ID); err != nil {
		t.Fatalf("SetActiveSession() error = %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// No batch work proceeds while suspended; the challenge stays put.
	time.Sleep(60 * time.Millisecond)
	if got := fetcher.total(); got != 0 {
		t.Fatalf("suspended session fetched %d cells before resolution", got)
	}
	parked, _ := st.GetSession(ctx, sess.ID)
	if parked.Status != scrape.StatusWaitingCaptcha || parked.Captcha == nil || parked.Captcha.Token != "tok-9" {
		t.Fatalf("parked session = %+v", parked)
	}

	if _, err := machine.ResolveCaptcha(ctx, sess.ID, "solution"); err != nil {
		t.Fatalf("ResolveCaptcha() error = %v", err)
	}
	s.Wait()

	final, _ := st.GetSession(ctx, sess.ID)
	if final.Status != scrape.StatusCompleted || final.CellsDone != 2*grid.CellsPerNode() {
		t.Fatalf("final session = %+v", final)
	}
}

func TestGroupPinnedKeepsMunicipalityGrouping(t *testing.T) {
	t.Parallel()

	cells := []scrape.Cell{
		{LocationID: "faro/tavira/santa-luzia", Operation: scrape.OperationSale, Property: scrape.PropertyApartment},
		{LocationID: "lisboa/lisboa", Operation: scrape.OperationRent, Property: scrape.PropertyHouse},
		{LocationID: "faro/tavira", Operation: scrape.OperationSale, Property: scrape.PropertyHouse},
		{LocationID: "faro", Operation: scrape.OperationSale, Property: scrape.PropertyApartment},
	}
	batches := groupPinned(cells)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if batches[0].scope != "faro/tavira" || len(batches[0].cells) != 2 {
		t.Fatalf("first batch = %+v", batches[0])
	}
	if batches[2].scope != "faro" {
		t.Fatalf("district-level cell grouped as %q", batches[2].scope)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}
