// Package fetch holds the page interpretation shared by all fetcher
// implementations: price extraction, CAPTCHA wall detection and the
// registry of pending challenges.
package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/TagusLX/scrapTV/internal/scrape"
)

// priceRe grabs the numeric part of strings like "2.345 eur/m²".
var priceRe = regexp.MustCompile(`([0-9][0-9.,]*)`)

// blockMarkers are lowercase substrings that identify a CAPTCHA wall.
var blockMarkers = []string{
	"captcha",
	"geetest",
	"px-captcha",
	"are you a human",
	"unusual activity",
}

// ParsePrice extracts the average price per square meter from a results
// page. A nil price with a nil error means the page carries no average,
// which is a valid result for sparse markets.
func ParsePrice(body []byte) (*float64, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	text := strings.TrimSpace(doc.Find("p.items-average-price").First().Text())
	if text == "" {
		doc.Find("p, span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			t := s.Text()
			if strings.Contains(strings.ToLower(t), "eur/m") {
				text = strings.TrimSpace(t)
				return false
			}
			return true
		})
	}
	if text == "" {
		return nil, nil
	}

	match := priceRe.FindStringSubmatch(text)
	if match == nil {
		return nil, nil
	}
	// "2.345,50" uses dots for thousands and a comma decimal.
	normalized := strings.ReplaceAll(match[1], ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	price, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", match[1], err)
	}
	return &price, nil
}

// Blocked reports whether the response is a CAPTCHA wall rather than a
// results page.
func Blocked(status int, body []byte) bool {
	if status == http.StatusForbidden || status == http.StatusTooManyRequests {
		return true
	}
	lower := strings.ToLower(string(body))
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// challengeImage pulls an inline base64 challenge image when the wall
// embeds one. Best effort; an empty slice is fine.
func challengeImage(body []byte) []byte {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	src, ok := doc.Find(`img[src^="data:image"]`).First().Attr("src")
	if !ok {
		return nil
	}
	_, encoded, found := strings.Cut(src, "base64,")
	if !found {
		return nil
	}
	img, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return img
}

// Challenges tracks CAPTCHA walls awaiting an operator solution, keyed by
// an opaque token handed to the operator API.
type Challenges struct {
	mu      sync.Mutex
	pending map[string]scrape.CaptchaChallenge
}

// NewChallenges constructs an empty registry.
func NewChallenges() *Challenges {
	return &Challenges{pending: make(map[string]scrape.CaptchaChallenge)}
}

// Classify turns a raw page response into a typed outcome, registering a
// challenge when the page is a CAPTCHA wall.
func (c *Challenges) Classify(pageURL string, status int, body []byte) scrape.FetchOutcome {
	if Blocked(status, body) {
		ch := scrape.CaptchaChallenge{
			Token: uuid.NewString(),
			Image: challengeImage(body),
			URL:   pageURL,
		}
		c.mu.Lock()
		c.pending[ch.Token] = ch
		c.mu.Unlock()
		return scrape.CaptchaOutcome(&ch)
	}

	switch {
	case status == http.StatusNotFound:
		// No listings at all for this combination.
		return scrape.PriceOutcome(nil)
	case status >= 400:
		return scrape.TransientOutcome(fmt.Errorf("unexpected status %d", status))
	}

	price, err := ParsePrice(body)
	if err != nil {
		return scrape.TransientOutcome(err)
	}
	return scrape.PriceOutcome(price)
}

// Get returns a pending challenge by token.
func (c *Challenges) Get(token string) (scrape.CaptchaChallenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[token]
	return ch, ok
}

// Restore re-registers a challenge loaded from a persisted session, so a
// restarted process can still accept its solution.
func (c *Challenges) Restore(ch scrape.CaptchaChallenge) {
	if ch.Token == "" {
		return
	}
	c.mu.Lock()
	c.pending[ch.Token] = ch
	c.mu.Unlock()
}

// Submit posts the operator solution back to the blocked URL and checks
// whether the wall cleared. The token stays registered on rejection so the
// operator can try again.
func (c *Challenges) Submit(ctx context.Context, client *http.Client, token string, solution string) (bool, error) {
	ch, ok := c.Get(token)
	if !ok {
		return false, fmt.Errorf("unknown challenge token %q", token)
	}

	form := url.Values{"response": {solution}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build solution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("submit solution: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read solution response: %w", err)
	}

	if Blocked(resp.StatusCode, body) {
		return false, nil
	}
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
	return true, nil
}
