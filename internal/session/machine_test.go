package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/store"
	"github.com/TagusLX/scrapTV/internal/store/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n int }

func (g *seqIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("sess-%d", g.n), nil
}

type fakeFetcher struct {
	accept    bool
	submitErr error
	submitted []string
}

func (f *fakeFetcher) FetchPrice(context.Context, string) scrape.FetchOutcome {
	return scrape.PriceOutcome(nil)
}

func (f *fakeFetcher) SubmitCaptchaSolution(_ context.Context, _ string, solution string) (bool, error) {
	f.submitted = append(f.submitted, solution)
	return f.accept, f.submitErr
}

func newMachine(t *testing.T, fetcher scrape.PriceFetcher) (*Machine, *memory.Store) {
	t.Helper()
	st := memory.New()
	clock := fixedClock{t: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	return New(st, fetcher, clock, &seqIDs{}, zap.NewNop(), 0), st
}

func TestCreateClaimsSlot(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()

	sess, err := m.Create(ctx, scrape.KindFull, "", 240, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Status != scrape.StatusRunning || sess.CellsTotal != 240 {
		t.Fatalf("Create() = %+v", sess)
	}
	if active, _ := st.ActiveSession(ctx); active != sess.ID {
		t.Fatalf("slot not claimed: %q", active)
	}

	if _, err := m.Create(ctx, scrape.KindTargeted, "faro", 10, nil); !errors.Is(err, store.ErrSessionConflict) {
		t.Fatalf("concurrent Create = %v, want ErrSessionConflict", err)
	}
}

func TestOnOutcomePriceAdvances(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 2, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cell := scrape.Cell{LocationID: "faro/tavira", Operation: scrape.OperationSale, Property: scrape.PropertyApartment, Bedrooms: scrape.BedroomsT2}
	price := 2450.0
	if err := m.OnOutcome(ctx, &sess, cell, "https://example.test/url", scrape.PriceOutcome(&price)); err != nil {
		t.Fatalf("OnOutcome() error = %v", err)
	}
	if sess.CellsDone != 1 || !sess.Processed(cell) {
		t.Fatalf("progress not advanced: %+v", sess)
	}
	value, err := st.GetValue(ctx, cell)
	if err != nil || *value.PricePerSqm != 2450 || value.SessionID != sess.ID {
		t.Fatalf("value not stored: %+v, %v", value, err)
	}
	persisted, _ := st.GetSession(ctx, sess.ID)
	if persisted.CellsDone != 1 {
		t.Fatalf("progress not persisted: %+v", persisted)
	}
}

func TestOnOutcomeCaptchaSuspendsWithoutAdvancing(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	sess.CellsDone = 3

	cell := scrape.Cell{LocationID: "faro/olhao", Operation: scrape.OperationRent, Property: scrape.PropertyApartment, Bedrooms: scrape.BedroomsAll}
	challenge := &scrape.CaptchaChallenge{Token: "tok-1", Cell: cell, URL: "https://example.test"}
	if err := m.OnOutcome(ctx, &sess, cell, challenge.URL, scrape.CaptchaOutcome(challenge)); err != nil {
		t.Fatalf("OnOutcome() error = %v", err)
	}

	// The blocked cell stays undone so a resume re-fetches it.
	if sess.Status != scrape.StatusWaitingCaptcha || sess.CellsDone != 3 {
		t.Fatalf("suspension state = %+v", sess)
	}
	persisted, _ := st.GetSession(ctx, sess.ID)
	if persisted.Status != scrape.StatusWaitingCaptcha || persisted.Captcha == nil || persisted.Captcha.Token != "tok-1" {
		t.Fatalf("suspension not persisted: %+v", persisted)
	}
	if active, _ := st.ActiveSession(ctx); active != sess.ID {
		t.Fatal("suspended session must keep the slot")
	}
}

func TestOnOutcomeTransientRecordsFailure(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cell := scrape.Cell{LocationID: "faro", Operation: scrape.OperationSale, Property: scrape.PropertyHouse, Bedrooms: scrape.BedroomsT3}
	if err := m.OnOutcome(ctx, &sess, cell, "https://example.test", scrape.TransientOutcome(errors.New("status 500"))); err != nil {
		t.Fatalf("OnOutcome() error = %v", err)
	}
	if sess.CellsDone != 1 || len(sess.Failed) != 1 || sess.Failed[0].Error != "status 500" {
		t.Fatalf("failure not recorded: %+v", sess)
	}
	failed, err := st.ListFailedCells(ctx, sess.ID)
	if err != nil || len(failed) != 1 || failed[0].Cell != cell {
		t.Fatalf("ListFailedCells() = %v, %v", failed, err)
	}
}

func TestOnOutcomeFatalFailsSession(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	cell := scrape.Cell{LocationID: "faro", Operation: scrape.OperationSale, Property: scrape.PropertyApartment}
	if err := m.OnOutcome(ctx, &sess, cell, "https://example.test", scrape.FatalOutcome(errors.New("context canceled"))); err != nil {
		t.Fatalf("OnOutcome() error = %v", err)
	}
	if sess.Status != scrape.StatusFailed || sess.ErrorMessage == "" {
		t.Fatalf("fatal outcome did not fail session: %+v", sess)
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatal("failed session must release the slot")
	}
}

func TestResolveCaptchaAccepted(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{accept: true}
	m, st := newMachine(t, fetcher)
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cell := scrape.Cell{LocationID: "faro"}
	if err := m.OnOutcome(ctx, &sess, cell, "u", scrape.CaptchaOutcome(&scrape.CaptchaChallenge{Token: "tok-1", Cell: cell})); err != nil {
		t.Fatalf("OnOutcome() error = %v", err)
	}

	resumed, err := m.ResolveCaptcha(ctx, sess.ID, "4fz9k")
	if err != nil {
		t.Fatalf("ResolveCaptcha() error = %v", err)
	}
	if resumed.Status != scrape.StatusRunning || resumed.Captcha != nil {
		t.Fatalf("resume state = %+v", resumed)
	}
	if fetcher.submitted[0] != "4fz9k" {
		t.Fatalf("solution not forwarded: %v", fetcher.submitted)
	}
	persisted, _ := st.GetSession(ctx, sess.ID)
	if persisted.Status != scrape.StatusRunning {
		t.Fatalf("resume not persisted: %+v", persisted)
	}
}

func TestResolveCaptchaRejectionLimit(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{accept: false}
	m, st := newMachine(t, fetcher)
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	cell := scrape.Cell{LocationID: "faro"}
	if err := m.OnOutcome(ctx, &sess, cell, "u", scrape.CaptchaOutcome(&scrape.CaptchaChallenge{Token: "tok-1", Cell: cell})); err != nil {
		t.Fatalf("OnOutcome() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := m.ResolveCaptcha(ctx, sess.ID, "wrong")
		if !errors.Is(err, ErrCaptchaRejected) {
			t.Fatalf("rejection %d = %v, want ErrCaptchaRejected", i+1, err)
		}
		if got.Status != scrape.StatusWaitingCaptcha {
			t.Fatalf("rejection %d flipped status: %+v", i+1, got)
		}
	}

	got, err := m.ResolveCaptcha(ctx, sess.ID, "wrong")
	if !errors.Is(err, ErrCaptchaRejected) {
		t.Fatalf("final rejection = %v", err)
	}
	if got.Status != scrape.StatusFailed {
		t.Fatalf("session survived %d rejections: %+v", got.CaptchaRejections, got)
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatal("failed session must release the slot")
	}
}

func TestResolveCaptchaNotWaiting(t *testing.T) {
	t.Parallel()

	m, _ := newMachine(t, &fakeFetcher{accept: true})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.ResolveCaptcha(ctx, sess.ID, "x"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("ResolveCaptcha on running session = %v, want ErrNotWaiting", err)
	}
}

func TestAbandon(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := m.Abandon(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if got.Status != scrape.StatusFailed || got.ErrorMessage != "abandoned by operator" {
		t.Fatalf("Abandon() = %+v", got)
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatal("abandoned session must release the slot")
	}
	if _, err := m.Abandon(ctx, sess.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second Abandon = %v, want ErrNotActive", err)
	}
}

func TestOnOutcomeAfterAbandonIsSuperseded(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	sess, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := m.Abandon(ctx, sess.ID); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}

	// The run loop still holds its pre-abandon copy; its next report must
	// be rejected instead of resurrecting the session.
	cell := scrape.Cell{LocationID: "faro", Operation: scrape.OperationSale, Property: scrape.PropertyApartment, Bedrooms: scrape.BedroomsAll}
	price := 1234.5
	if err := m.OnOutcome(ctx, &sess, cell, "https://example.test", scrape.PriceOutcome(&price)); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("OnOutcome() after abandon = %v, want ErrSuperseded", err)
	}
	persisted, _ := st.GetSession(ctx, sess.ID)
	if persisted.Status != scrape.StatusFailed {
		t.Fatalf("abandoned session revived: %+v", persisted)
	}
	if _, err := st.GetValue(ctx, cell); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("discarded in-flight work must not be persisted")
	}

	// A new session owning the slot is unaffected.
	next, err := m.Create(ctx, scrape.KindFull, "", 10, nil)
	if err != nil {
		t.Fatalf("Create() after abandon error = %v", err)
	}
	if err := m.OnOutcome(ctx, &next, cell, "https://example.test", scrape.PriceOutcome(&price)); err != nil {
		t.Fatalf("OnOutcome() for new session error = %v", err)
	}
}

type flushFailStore struct {
	*memory.Store
	fail bool
}

func (s *flushFailStore) Flush(ctx context.Context) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Flush(ctx)
}

func TestCreateReleasesSlotWhenFlushFails(t *testing.T) {
	t.Parallel()

	st := &flushFailStore{Store: memory.New(), fail: true}
	clock := fixedClock{t: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)}
	m := New(st, &fakeFetcher{}, clock, &seqIDs{}, zap.NewNop(), 0)
	ctx := context.Background()

	if _, err := m.Create(ctx, scrape.KindFull, "", 10, nil); err == nil {
		t.Fatal("expected Create to fail when flush fails")
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatalf("slot still claimed by unreturned session: %q", active)
	}

	st.fail = false
	if _, err := m.Create(ctx, scrape.KindFull, "", 10, nil); err != nil {
		t.Fatalf("Create() after flush recovery error = %v", err)
	}
}

func TestResumeClearsStalePointer(t *testing.T) {
	t.Parallel()

	m, st := newMachine(t, &fakeFetcher{})
	ctx := context.Background()
	if err := st.PutSession(ctx, scrape.Session{ID: "old", Status: scrape.StatusCompleted}); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}
	if err := st.SetActiveSession(ctx, "old"); err != nil {
		t.Fatalf("SetActiveSession() error = %v", err)
	}

	if _, err := m.Resume(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Resume() = %v, want ErrNotFound", err)
	}
	if active, _ := st.ActiveSession(ctx); active != "" {
		t.Fatal("stale pointer not cleared")
	}
}
