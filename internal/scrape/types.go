// Package scrape defines core types shared across subsystems.
package scrape

import (
	"fmt"
	"time"
)

// Operation is the listing operation axis of a target cell.
type Operation string

// Operations scraped for every location.
const (
	OperationSale Operation = "sale"
	OperationRent Operation = "rent"
)

// PropertyType is the property axis of a target cell.
type PropertyType string

// Property types scraped for every location.
const (
	PropertyApartment PropertyType = "apartment"
	PropertyHouse     PropertyType = "house"
	PropertyUrbanPlot PropertyType = "urban_plot"
	PropertyRuralPlot PropertyType = "rural_plot"
)

// Bedrooms is the bedroom-count axis of a target cell. BedroomsNone marks
// cells whose property type carries no bedroom axis (plots).
type Bedrooms string

// Bedroom variants. BedroomsT4 covers four or more bedrooms.
const (
	BedroomsNone Bedrooms = ""
	BedroomsAll  Bedrooms = "all"
	BedroomsT0   Bedrooms = "t0"
	BedroomsT1   Bedrooms = "t1"
	BedroomsT2   Bedrooms = "t2"
	BedroomsT3   Bedrooms = "t3"
	BedroomsT4   Bedrooms = "t4"
)

// Cell identifies one (location, operation, property type, bedrooms)
// combination to be priced. Identity is the full tuple.
type Cell struct {
	LocationID string       `json:"location_id"`
	Operation  Operation    `json:"operation"`
	Property   PropertyType `json:"property_type"`
	Bedrooms   Bedrooms     `json:"bedrooms,omitempty"`
}

// Key returns the stable identifier used to index a cell in the store.
func (c Cell) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", c.LocationID, c.Operation, c.Property, c.Bedrooms)
}

// Value is the current scraped price for one cell. A nil PricePerSqm means
// the page was fetched but published no average for the cell.
type Value struct {
	Cell        Cell      `json:"cell"`
	PricePerSqm *float64  `json:"price_per_sqm"`
	SourceURL   string    `json:"source_url"`
	ScrapedAt   time.Time `json:"scraped_at"`
	SessionID   string    `json:"session_id"`
}

// SessionStatus represents the lifecycle state of a scraping session.
type SessionStatus string

// Session status values persisted in the store.
const (
	StatusRunning        SessionStatus = "running"
	StatusWaitingCaptcha SessionStatus = "waiting_captcha"
	StatusCompleted      SessionStatus = "completed"
	StatusFailed         SessionStatus = "failed"
)

// Active reports whether the status holds the single-writer slot.
func (s SessionStatus) Active() bool {
	return s == StatusRunning || s == StatusWaitingCaptcha
}

// SessionKind distinguishes how a session's cell scope is derived.
type SessionKind string

// Session kinds.
const (
	KindFull     SessionKind = "full"
	KindTargeted SessionKind = "targeted"
	KindRetry    SessionKind = "retry"
)

// CellFailure records one cell that failed with a transient error.
type CellFailure struct {
	Cell  Cell   `json:"cell"`
	Error string `json:"error"`
}

// CaptchaChallenge holds the challenge blocking a suspended session.
type CaptchaChallenge struct {
	Token string `json:"token"`
	Image []byte `json:"image,omitempty"`
	Cell  Cell   `json:"cell"`
	URL   string `json:"url"`
}

// Session is one bounded scraping run with its own lifecycle and coverage
// bookkeeping. Succeeded is keyed by Cell.Key.
type Session struct {
	ID                string              `json:"id"`
	Status            SessionStatus       `json:"status"`
	Kind              SessionKind         `json:"kind"`
	ScopeID           string              `json:"scope_id,omitempty"`
	StartedAt         time.Time           `json:"started_at"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	CellsTotal        int                 `json:"cells_total"`
	CellsDone         int                 `json:"cells_done"`
	Succeeded         map[string]struct{} `json:"succeeded"`
	Failed            []CellFailure       `json:"failed"`
	Captcha           *CaptchaChallenge   `json:"captcha,omitempty"`
	CaptchaRejections int                 `json:"captcha_rejections"`
	ErrorMessage      string              `json:"error_message,omitempty"`

	// Cells pins an explicit scope for retry sessions. Empty for full and
	// targeted sessions, whose scope is re-derived from the location graph.
	Cells []Cell `json:"cells,omitempty"`
}

// Processed reports whether the session already handled the cell, either
// successfully or as a recorded transient failure.
func (s *Session) Processed(cell Cell) bool {
	if _, ok := s.Succeeded[cell.Key()]; ok {
		return true
	}
	for _, f := range s.Failed {
		if f.Cell == cell {
			return true
		}
	}
	return false
}

// OutcomeKind classifies the result of one price fetch.
type OutcomeKind string

// Fetch outcome kinds.
const (
	OutcomePrice     OutcomeKind = "price"
	OutcomeCaptcha   OutcomeKind = "captcha"
	OutcomeTransient OutcomeKind = "transient"
	OutcomeFatal     OutcomeKind = "fatal"
)

// FetchOutcome is the typed result returned by a PriceFetcher. Exactly one
// of Price, Challenge or Err is meaningful depending on Kind.
type FetchOutcome struct {
	Kind      OutcomeKind
	Price     *float64
	Challenge *CaptchaChallenge
	Err       string
}

// PriceOutcome builds a successful outcome. A nil price is still a success:
// the page exists but lists no average.
func PriceOutcome(price *float64) FetchOutcome {
	return FetchOutcome{Kind: OutcomePrice, Price: price}
}

// CaptchaOutcome builds a suspension outcome.
func CaptchaOutcome(challenge *CaptchaChallenge) FetchOutcome {
	return FetchOutcome{Kind: OutcomeCaptcha, Challenge: challenge}
}

// TransientOutcome builds a per-cell recoverable failure.
func TransientOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTransient, Err: err.Error()}
}

// FatalOutcome builds a session-aborting failure.
func FatalOutcome(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFatal, Err: err.Error()}
}
