// Package store declares the durable persistence contract for scraped
// values, sessions and the single active-run pointer.
package store

import (
	"context"
	"errors"

	"github.com/TagusLX/scrapTV/internal/scrape"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrSessionConflict signals that another session holds the active slot.
var ErrSessionConflict = errors.New("another session is already active")

// Filter narrows value listings and aggregates. Empty fields match
// everything; LocationPrefix matches a location and its whole subtree.
type Filter struct {
	LocationPrefix string
	Operation      scrape.Operation
	Property       scrape.PropertyType
}

// Stats summarizes prices over a filtered value set. Cells with a nil price
// count toward Cells but not toward the price aggregates.
type Stats struct {
	Cells    int      `json:"cells"`
	Priced   int      `json:"priced"`
	MinPrice *float64 `json:"min_price,omitempty"`
	MaxPrice *float64 `json:"max_price,omitempty"`
	AvgPrice *float64 `json:"avg_price,omitempty"`
}

// Store persists scraped cells, sessions and coverage inputs. Lookups must
// be O(1)/indexed: the scheduler consults the store once per grid cell.
// Implementations serialize writes internally; the engine guarantees a
// single writing session at a time but readers are concurrent.
type Store interface {
	// GetValue returns the current value for a cell or ErrNotFound.
	GetValue(ctx context.Context, cell scrape.Cell) (scrape.Value, error)
	// PutValue overwrites the current value for the cell.
	PutValue(ctx context.Context, value scrape.Value) error
	// ListValues returns values matching the filter, in stable cell-key order.
	ListValues(ctx context.Context, filter Filter) ([]scrape.Value, error)
	// AggregateStats summarizes prices over the filtered set.
	AggregateStats(ctx context.Context, filter Filter) (Stats, error)
	// CoveredLocations returns the distinct location IDs holding at least
	// one value.
	CoveredLocations(ctx context.Context) (map[string]struct{}, error)
	// ClearValues drops every scraped value. Sessions are kept as history.
	ClearValues(ctx context.Context) error

	// GetSession returns a session or ErrNotFound.
	GetSession(ctx context.Context, id string) (scrape.Session, error)
	// PutSession inserts or replaces a session record.
	PutSession(ctx context.Context, session scrape.Session) error
	// ListSessions returns up to limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]scrape.Session, error)
	// ListFailedCells returns the transient failures recorded for a session.
	ListFailedCells(ctx context.Context, sessionID string) ([]scrape.CellFailure, error)

	// ActiveSession returns the current-run pointer, or "" when idle.
	ActiveSession(ctx context.Context) (string, error)
	// SetActiveSession claims the single-writer slot for a session. It
	// returns ErrSessionConflict when a different session holds it.
	SetActiveSession(ctx context.Context, id string) error
	// ClearActiveSession releases the slot if the session holds it.
	ClearActiveSession(ctx context.Context, id string) error

	// Flush commits buffered writes atomically. Implementations with
	// immediate durability may no-op.
	Flush(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
