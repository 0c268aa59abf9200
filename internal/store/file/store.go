// Package file implements the durable snapshot-backed store. All reads and
// writes hit an embedded in-memory index; Flush serializes the full state
// to JSON and commits it with a temp-file rename, so a crash mid-write
// leaves the previous snapshot intact.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TagusLX/scrapTV/internal/scrape"
	"github.com/TagusLX/scrapTV/internal/store/memory"
)

// Config captures the parameters for the snapshot store.
type Config struct {
	// Path is the snapshot file location, created on first Flush.
	Path string `mapstructure:"path"`
}

// Store is the snapshot-backed store.
type Store struct {
	*memory.Store
	path string
}

type snapshot struct {
	Values   map[string]scrape.Value `json:"values"`
	Sessions []scrape.Session        `json:"sessions"`
	Active   string                  `json:"active_session,omitempty"`
}

// Open loads the snapshot at cfg.Path if it exists and returns the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	s := &Store{Store: memory.New(), path: cfg.Path}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", cfg.Path, err)
	}
	s.Restore(snap.Values, snap.Sessions, snap.Active)
	return s, nil
}

// Flush commits the full state atomically: write to a temp file in the same
// directory, fsync, then rename over the snapshot.
func (s *Store) Flush(_ context.Context) error {
	values, sessions, active := s.Snapshot()
	data, err := json.MarshalIndent(snapshot{Values: values, Sessions: sessions, Active: active}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Close flushes one last time.
func (s *Store) Close() error {
	return s.Flush(context.Background())
}
