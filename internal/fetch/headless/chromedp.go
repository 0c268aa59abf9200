// Package headless implements the price fetcher with a real browser, for
// pages that render the average block via JavaScript or sit behind
// bot-detection that plain HTTP trips.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/TagusLX/scrapTV/internal/fetch"
	"github.com/TagusLX/scrapTV/internal/scrape"
)

// Config controls the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements scrape.PriceFetcher using chromedp.
type Fetcher struct {
	cfg         Config
	challenges  *fetch.Challenges
	client      *http.Client
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher backed by chromedp.
func New(cfg Config, challenges *fetch.Challenges) *Fetcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		challenges:  challenges,
		client:      &http.Client{Timeout: cfg.NavigationTimeout},
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// FetchPrice navigates with a headless browser and classifies the rendered
// document.
func (f *Fetcher) FetchPrice(ctx context.Context, url string) scrape.FetchOutcome {
	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	status := newStatusCapture()
	chromedp.ListenTarget(taskCtx, status.captureEvent)

	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return scrape.FatalOutcome(fmt.Errorf("fetch canceled: %w", ctx.Err()))
		}
		return scrape.TransientOutcome(fmt.Errorf("render %s: %w", url, err))
	}
	return f.challenges.Classify(url, status.value(), []byte(html))
}

// SubmitCaptchaSolution forwards an operator solution for a pending wall.
func (f *Fetcher) SubmitCaptchaSolution(ctx context.Context, token string, solution string) (bool, error) {
	return f.challenges.Submit(ctx, f.client, token, solution)
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

type statusCapture struct {
	mu     sync.RWMutex
	status int
}

func newStatusCapture() *statusCapture {
	return &statusCapture{}
}

func (s *statusCapture) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	s.mu.Lock()
	s.status = int(resp.Response.Status)
	s.mu.Unlock()
}

func (s *statusCapture) value() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
