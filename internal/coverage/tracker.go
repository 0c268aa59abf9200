// Package coverage reports how much of the location hierarchy holds
// scraped values.
package coverage

import (
	"context"

	"github.com/TagusLX/scrapTV/internal/geo"
	"github.com/TagusLX/scrapTV/internal/metrics"
	"github.com/TagusLX/scrapTV/internal/store"
)

// LevelCoverage summarizes one hierarchy level.
type LevelCoverage struct {
	Level      geo.Level `json:"level"`
	Covered    int       `json:"covered"`
	Total      int       `json:"total"`
	Percentage float64   `json:"percentage"`
}

// LocationCoverage is one node of the detailed breakdown.
type LocationCoverage struct {
	ID         string             `json:"id"`
	Name       string             `json:"display_name"`
	Level      geo.Level          `json:"level"`
	Covered    bool               `json:"covered"`
	Percentage float64            `json:"percentage"`
	Children   []LocationCoverage `json:"children,omitempty"`
}

// Tracker computes coverage from the store and the location graph.
type Tracker struct {
	graph *geo.Graph
	store store.Store
}

// New builds a Tracker.
func New(graph *geo.Graph, st store.Store) *Tracker {
	metrics.Init()
	return &Tracker{graph: graph, store: st}
}

// credited expands stored locations with ancestor credit: a priced parish
// proves its municipality and district reachable too.
func (t *Tracker) credited(ctx context.Context) (map[string]struct{}, error) {
	covered, err := t.store.CoveredLocations(ctx)
	if err != nil {
		return nil, err
	}
	credited := make(map[string]struct{}, len(covered))
	for loc := range covered {
		for _, id := range geo.AncestorIDs(loc) {
			credited[id] = struct{}{}
		}
	}
	return credited, nil
}

// Summary returns per-level coverage and refreshes the coverage gauges.
func (t *Tracker) Summary(ctx context.Context) ([]LevelCoverage, error) {
	credited, err := t.credited(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]LevelCoverage, 0, len(geo.Levels()))
	for _, level := range geo.Levels() {
		nodes := t.graph.All(level)
		lc := LevelCoverage{Level: level, Total: len(nodes)}
		for _, n := range nodes {
			if _, ok := credited[n.ID]; ok {
				lc.Covered++
			}
		}
		if lc.Total > 0 {
			lc.Percentage = 100 * float64(lc.Covered) / float64(lc.Total)
			metrics.SetCoverage(string(level), float64(lc.Covered)/float64(lc.Total))
		}
		out = append(out, lc)
	}
	return out, nil
}

// Detailed returns the full district to parish breakdown.
func (t *Tracker) Detailed(ctx context.Context) ([]LocationCoverage, error) {
	credited, err := t.credited(ctx)
	if err != nil {
		return nil, err
	}
	districts := t.graph.Districts()
	out := make([]LocationCoverage, 0, len(districts))
	for _, d := range districts {
		out = append(out, t.describe(d, credited))
	}
	return out, nil
}

func (t *Tracker) describe(n geo.Node, credited map[string]struct{}) LocationCoverage {
	_, covered := credited[n.ID]
	lc := LocationCoverage{
		ID:      n.ID,
		Name:    n.Name,
		Level:   n.Level,
		Covered: covered,
	}
	children := t.graph.Children(n.ID)
	if len(children) == 0 {
		if covered {
			lc.Percentage = 100
		}
		return lc
	}
	coveredChildren := 0
	for _, c := range children {
		child := t.describe(c, credited)
		if child.Covered {
			coveredChildren++
		}
		lc.Children = append(lc.Children, child)
	}
	lc.Percentage = 100 * float64(coveredChildren) / float64(len(children))
	return lc
}
