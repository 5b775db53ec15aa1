// Package snapshot tracks the remote ETag/Last-Modified fingerprints of the
// configured sources and decides whether they changed since the last run.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"ipranges/internal/atomicfile"
	"ipranges/internal/config"
	"ipranges/internal/fetch"
)

// SourceMetadata is the persisted fingerprint of one source. Empty strings
// mean the header was absent. Failed marks a lookup that got no answer, so a
// header-less source still differs from a failed check.
type SourceMetadata struct {
	URL          string `json:"url"`
	ETag         string `json:"etag"`
	LastModified string `json:"last_modified"`
	Failed       bool   `json:"failed,omitempty"`
}

// Snapshot maps a source name to its fingerprint.
type Snapshot map[string]SourceMetadata

// Changed reports whether cur differs from prev in any source or field.
// A nil prev (no baseline) always counts as a change.
func Changed(prev, cur Snapshot) bool {
	if prev == nil {
		return true
	}
	if len(prev) != len(cur) {
		return true
	}
	for name, meta := range cur {
		old, ok := prev[name]
		if !ok || old != meta {
			return true
		}
	}
	return false
}

// Load reads the snapshot at path. A missing file returns (nil, nil).
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap == nil {
		// a literal null is not a usable baseline
		return nil, fmt.Errorf("decode snapshot %s: empty document", path)
	}
	return snap, nil
}

// Save writes snap atomically as indented JSON.
func Save(path string, snap Snapshot) error {
	return atomicfile.WriteJSON(path, snap)
}

// Restore puts prev back as the baseline at path. A nil prev removes the
// file so the next check is a first run again.
func Restore(path string, prev Snapshot) error {
	if prev != nil {
		return Save(path, prev)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &atomicfile.PersistenceError{Path: path, Op: "remove snapshot", Err: err}
	}
	return nil
}

// MetadataFetcher is the HEAD side of fetch.Client.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, url string) (fetch.Metadata, error)
}

// Result is the outcome of one check run.
type Result struct {
	Changed   bool
	FirstRun  bool
	Previous  Snapshot
	Current   Snapshot
	Failed    []string
	CheckedAt time.Time
}

// Detector compares live metadata of the sources with the snapshot on disk.
type Detector struct {
	fetcher MetadataFetcher
	sources []config.Source
	path    string
	now     func() time.Time
}

func NewDetector(fetcher MetadataFetcher, sources []config.Source, path string) *Detector {
	return &Detector{
		fetcher: fetcher,
		sources: sources,
		path:    path,
		now:     time.Now,
	}
}

// Check queries every source, compares the result with the persisted
// snapshot, and always persists the new snapshot. A source whose HEAD request
// fails is recorded without fingerprints and forces Changed. Only a failure to
// persist is returned as an error.
func (d *Detector) Check(ctx context.Context) (Result, error) {
	result := Result{
		Current:   make(Snapshot, len(d.sources)),
		CheckedAt: d.now().UTC(),
	}

	for _, src := range d.sources {
		meta, err := d.fetcher.FetchMetadata(ctx, src.URL)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			log.Warn("Remote metadata check failed, assuming changed", "source", src.Name, "url", src.URL, "error", err)
			result.Failed = append(result.Failed, src.Name)
			result.Current[src.Name] = SourceMetadata{URL: src.URL, Failed: true}
			continue
		}

		log.Debug("Remote metadata", "source", src.Name, "etag", meta.ETag, "last_modified", meta.LastModified)
		result.Current[src.Name] = SourceMetadata{
			URL:          src.URL,
			ETag:         meta.ETag,
			LastModified: meta.LastModified,
		}
	}

	prev, err := Load(d.path)
	switch {
	case err != nil:
		log.Warn("Previous snapshot unreadable, treating as first run", "path", d.path, "error", err)
		result.FirstRun = true
	case prev == nil:
		result.FirstRun = true
	default:
		result.Previous = prev
	}

	result.Changed = result.FirstRun || len(result.Failed) > 0 || Changed(result.Previous, result.Current)

	if err := Save(d.path, result.Current); err != nil {
		return result, err
	}

	return result, nil
}
