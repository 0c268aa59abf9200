// Package geo builds the immutable district/municipality/parish hierarchy
// scraped runs walk. Node IDs are slash-joined slug paths and stay stable
// across re-imports of the tabular location dataset.
package geo

import (
	"fmt"
	"sort"
	"strings"
)

// Level is one of the three administrative levels, top to bottom.
type Level string

// Administrative levels.
const (
	LevelDistrict     Level = "district"
	LevelMunicipality Level = "municipality"
	LevelParish       Level = "parish"
)

// Levels lists all levels in hierarchy order.
func Levels() []Level {
	return []Level{LevelDistrict, LevelMunicipality, LevelParish}
}

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelDistrict, LevelMunicipality, LevelParish:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown level %q", s)
	}
}

// Node is one location in the hierarchy.
type Node struct {
	ID       string `json:"id"`
	Level    Level  `json:"level"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"display_name"`
	Slug     string `json:"slug"`
}

// Row is one line of the tabular location source.
type Row struct {
	District     string
	Municipality string
	Parish       string
}

// Graph is the immutable location hierarchy. All accessors return nodes in
// the deterministic insertion order of the source rows, which the scheduler
// relies on for stable resumption.
type Graph struct {
	nodes    map[string]*Node
	children map[string][]string
	roots    []string
	byLevel  map[Level][]string
}

// Build constructs a Graph from source rows. Duplicate rows collapse onto
// existing nodes; a slug collision between two differently named siblings is
// an error because slugs are persisted identifiers.
func Build(rows []Row) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
		byLevel:  make(map[Level][]string),
	}
	for i, row := range rows {
		district := strings.TrimSpace(row.District)
		municipality := strings.TrimSpace(row.Municipality)
		parish := strings.TrimSpace(row.Parish)
		if district == "" || municipality == "" {
			return nil, fmt.Errorf("row %d: district and municipality are required", i+1)
		}

		dID, err := g.upsert(LevelDistrict, "", district)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		mID, err := g.upsert(LevelMunicipality, dID, municipality)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if parish != "" {
			if _, err := g.upsert(LevelParish, mID, parish); err != nil {
				return nil, fmt.Errorf("row %d: %w", i+1, err)
			}
		}
	}
	if len(g.roots) == 0 {
		return nil, fmt.Errorf("location source produced no districts")
	}
	return g, nil
}

func (g *Graph) upsert(level Level, parentID, name string) (string, error) {
	slug := Slugify(name)
	id := slug
	if parentID != "" {
		id = parentID + "/" + slug
	}
	if existing, ok := g.nodes[id]; ok {
		if existing.Name != name {
			return "", fmt.Errorf("slug collision under %q: %q vs %q", parentID, existing.Name, name)
		}
		return id, nil
	}
	g.nodes[id] = &Node{ID: id, Level: level, ParentID: parentID, Name: name, Slug: slug}
	g.byLevel[level] = append(g.byLevel[level], id)
	if parentID == "" {
		g.roots = append(g.roots, id)
	} else {
		g.children[parentID] = append(g.children[parentID], id)
	}
	return id, nil
}

// Node returns the node for an ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Children returns the ordered child nodes of a location.
func (g *Graph) Children(id string) []Node {
	ids := g.children[id]
	out := make([]Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, *g.nodes[cid])
	}
	return out
}

// Ancestors returns the path from district down to the node itself.
func (g *Graph) Ancestors(id string) []Node {
	var path []Node
	for id != "" {
		n, ok := g.nodes[id]
		if !ok {
			return nil
		}
		path = append([]Node{*n}, path...)
		id = n.ParentID
	}
	return path
}

// All returns every node at a level, in source order.
func (g *Graph) All(level Level) []Node {
	ids := g.byLevel[level]
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Districts returns the root nodes in source order.
func (g *Graph) Districts() []Node {
	out := make([]Node, 0, len(g.roots))
	for _, id := range g.roots {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Walk visits the subtree rooted at rootID depth-first: each node before its
// children, children in source order. An empty rootID walks the full graph.
func (g *Graph) Walk(rootID string, fn func(Node)) error {
	if rootID == "" {
		for _, id := range g.roots {
			g.walk(id, fn)
		}
		return nil
	}
	if _, ok := g.nodes[rootID]; !ok {
		return fmt.Errorf("unknown location %q", rootID)
	}
	g.walk(rootID, fn)
	return nil
}

func (g *Graph) walk(id string, fn func(Node)) {
	fn(*g.nodes[id])
	for _, cid := range g.children[id] {
		g.walk(cid, fn)
	}
}

// AncestorIDs expands a node ID into the IDs of every level on its path,
// shortest first. IDs are slug paths, so this needs no graph lookup.
func AncestorIDs(id string) []string {
	parts := strings.Split(id, "/")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[:i+1], "/"))
	}
	return out
}

// LevelOf derives the level encoded in a slug-path ID.
func LevelOf(id string) Level {
	switch strings.Count(id, "/") {
	case 0:
		return LevelDistrict
	case 1:
		return LevelMunicipality
	default:
		return LevelParish
	}
}

// SortedIDs returns the IDs of a node set sorted lexically; handy for tests.
func SortedIDs(nodes []Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return ids
}
