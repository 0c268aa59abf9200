// Package export renders the scraped grid into a market-data JSON
// snapshot, ships it to a blob store and announces session completion.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/store"
)

// Document is the exported market-data snapshot.
type Document struct {
	GeneratedAt time.Time  `json:"generated_at"`
	SessionID   string     `json:"session_id"`
	Districts   []Location `json:"districts"`
}

// Location is one hierarchy node with its prices and children.
type Location struct {
	ID       string     `json:"id"`
	Name     string     `json:"display_name"`
	Level    geo.Level  `json:"level"`
	Prices   Prices     `json:"prices,omitempty"`
	Children []Location `json:"children,omitempty"`
}

// Prices maps operation, then property type, then bedroom variant, to the
// average price. Cells fetched without a published average are omitted.
type Prices map[scrape.Operation]map[scrape.PropertyType]map[scrape.Bedrooms]float64

// Event is the payload published when a session completes.
type Event struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"`
	ScopeID     string    `json:"scope_id,omitempty"`
	CellsTotal  int       `json:"cells_total"`
	CellsDone   int       `json:"cells_done"`
	CellsFailed int       `json:"cells_failed"`
	ExportURI   string    `json:"export_uri,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// EventTypeCompleted is the event type for finished sessions.
const EventTypeCompleted = "scrape.session.completed"

// Exporter builds and ships snapshots.
type Exporter struct {
	graph     *geo.Graph
	store     store.Store
	blob      scrape.BlobStore
	publisher scrape.Publisher
	topic     string
	clock     scrape.Clock
	log       *zap.Logger
}

// New builds an Exporter. blob and publisher may be nil; the matching step
// is skipped.
func New(graph *geo.Graph, st store.Store, blob scrape.BlobStore, publisher scrape.Publisher, topic string, clock scrape.Clock, log *zap.Logger) *Exporter {
	return &Exporter{
		graph:     graph,
		store:     st,
		blob:      blob,
		publisher: publisher,
		topic:     topic,
		clock:     clock,
		log:       log,
	}
}

// Build assembles the snapshot document from the current store contents.
func (e *Exporter) Build(ctx context.Context, sessionID string) (Document, error) {
	values, err := e.store.ListValues(ctx, store.Filter{})
	if err != nil {
		return Document{}, fmt.Errorf("list values: %w", err)
	}
	byLocation := make(map[string][]scrape.Value)
	for _, v := range values {
		byLocation[v.Cell.LocationID] = append(byLocation[v.Cell.LocationID], v)
	}

	doc := Document{GeneratedAt: e.clock.Now(), SessionID: sessionID}
	for _, d := range e.graph.Districts() {
		doc.Districts = append(doc.Districts, e.describe(d, byLocation))
	}
	return doc, nil
}

func (e *Exporter) describe(n geo.Node, byLocation map[string][]scrape.Value) Location {
	loc := Location{ID: n.ID, Name: n.Name, Level: n.Level}
	if values := byLocation[n.ID]; len(values) > 0 {
		loc.Prices = make(Prices)
		for _, v := range values {
			if v.PricePerSqm == nil {
				continue
			}
			c := v.Cell
			if loc.Prices[c.Operation] == nil {
				loc.Prices[c.Operation] = make(map[scrape.PropertyType]map[scrape.Bedrooms]float64)
			}
			if loc.Prices[c.Operation][c.Property] == nil {
				loc.Prices[c.Operation][c.Property] = make(map[scrape.Bedrooms]float64)
			}
			loc.Prices[c.Operation][c.Property][c.Bedrooms] = *v.PricePerSqm
		}
	}
	for _, child := range e.graph.Children(n.ID) {
		loc.Children = append(loc.Children, e.describe(child, byLocation))
	}
	return loc
}

// Export builds the snapshot, writes it to the blob store and returns the
// object URI. With no blob store configured it returns an empty URI.
func (e *Exporter) Export(ctx context.Context, sessionID string) (string, error) {
	if e.blob == nil {
		return "", nil
	}
	doc, err := e.Build(ctx, sessionID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := fmt.Sprintf("market-data/%s.json", sessionID)
	uri, err := e.blob.PutObject(ctx, path, "application/json", data)
	if err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	// The latest pointer is best effort; the dated object is the record.
	if _, err := e.blob.PutObject(ctx, "market-data/latest.json", "application/json", data); err != nil {
		e.log.Warn("update latest snapshot", zap.Error(err))
	}
	return uri, nil
}

// OnComplete is the scheduler completion hook: export, then publish.
func (e *Exporter) OnComplete(ctx context.Context, sess scrape.Session) {
	uri, err := e.Export(ctx, sess.ID)
	if err != nil {
		e.log.Error("export snapshot", zap.String("session_id", sess.ID), zap.Error(err))
	}
	if e.publisher == nil {
		return
	}
	completedAt := e.clock.Now()
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	event := Event{
		Type:        EventTypeCompleted,
		SessionID:   sess.ID,
		Kind:        string(sess.Kind),
		ScopeID:     sess.ScopeID,
		CellsTotal:  sess.CellsTotal,
		CellsDone:   sess.CellsDone,
		CellsFailed: len(sess.Failed),
		ExportURI:   uri,
		CompletedAt: completedAt,
	}
	if _, err := e.publisher.Publish(ctx, e.topic, event); err != nil {
		e.log.Error("publish completion event", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
