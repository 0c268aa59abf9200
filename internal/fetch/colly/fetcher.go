// Package collyfetcher implements the price fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/TagusLX/scrapTV/internal/fetch"
	"github.com/TagusLX/scrapTV/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements scrape.PriceFetcher with a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	challenges    *fetch.Challenges
	client        *http.Client
}

// New builds a Fetcher around a shared challenge registry.
func New(cfg Config, challenges *fetch.Challenges) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		challenges:    challenges,
		client:        &http.Client{Transport: transport, Timeout: timeout},
	}
}

// FetchPrice executes a single GET and classifies the page.
func (f *Fetcher) FetchPrice(ctx context.Context, url string) scrape.FetchOutcome {
	var (
		status   int
		body     []byte
		fetchErr error
	)

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
			body = append([]byte(nil), r.Body...)
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return scrape.FatalOutcome(fmt.Errorf("fetch canceled: %w", ctx.Err()))
	case err := <-done:
		// HTTP-level failures still carry a status worth classifying;
		// a CAPTCHA wall usually arrives as a 403 "error".
		if status != 0 {
			return f.challenges.Classify(url, status, body)
		}
		if fetchErr != nil {
			return scrape.TransientOutcome(fetchErr)
		}
		if err != nil {
			return scrape.TransientOutcome(fmt.Errorf("visit %s: %w", url, err))
		}
		return scrape.TransientOutcome(fmt.Errorf("no response from %s", url))
	}
}

// SubmitCaptchaSolution forwards an operator solution for a pending wall.
func (f *Fetcher) SubmitCaptchaSolution(ctx context.Context, token string, solution string) (bool, error) {
	return f.challenges.Submit(ctx, f.client, token, solution)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
