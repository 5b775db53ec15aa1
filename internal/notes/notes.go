// Package notes renders the release notes published with each CIDR list update.
package notes

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/sergi/go-diff/diffmatchpatch"

	"ipranges/internal/config"
	"ipranges/internal/ranges"
	"ipranges/internal/snapshot"
)

// SourceStats is everything the notes say about one source.
type SourceStats struct {
	Name         string
	Description  string
	URL          string
	CIDRPath     string
	Count        int
	IPv4         int
	IPv6         int
	LastModified string
	SyncToken    string
	CreationTime string

	HasPrevious bool
	Added       []string
	Removed     []string
}

// Input is the data rendered by Generate.
type Input struct {
	GeneratedAt time.Time
	Sources     []SourceStats
	HasMetadata bool
}

// Options controls Collect.
type Options struct {
	Sources      []config.Source
	SnapshotPath string
	// PreviousDir holds the CIDR files of the last release, matched by file name.
	PreviousDir string
	Now         time.Time
}

// Collect reads the CIDR files and the metadata snapshot. Missing or
// unreadable files degrade to zero counts and an omitted metadata section.
func Collect(opts Options) (Input, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	in := Input{GeneratedAt: now.UTC()}

	var snap snapshot.Snapshot
	if opts.SnapshotPath != "" {
		loaded, err := snapshot.Load(opts.SnapshotPath)
		if err != nil {
			log.Warn("Ignoring unreadable metadata snapshot", "path", opts.SnapshotPath, "error", err)
		}
		snap = loaded
	}
	in.HasMetadata = len(snap) > 0

	for _, src := range opts.Sources {
		stats := SourceStats{
			Name:        src.Name,
			Description: src.Description,
			URL:         src.URL,
			CIDRPath:    src.CIDRPath,
		}

		current, err := ReadCIDRFile(src.CIDRPath)
		if err != nil {
			log.Warn("Counting CIDR file failed", "path", src.CIDRPath, "error", err)
		}
		stats.Count = len(current)
		stats.IPv4, stats.IPv6 = ranges.CountFamilies(current)

		if meta, ok := snap[src.Name]; ok {
			stats.LastModified = meta.LastModified
		}
		if header, ok := readDocumentHeader(src.DocumentPath); ok {
			stats.SyncToken = header.SyncToken
			stats.CreationTime = header.CreationTime
		}

		if opts.PreviousDir != "" {
			prevPath := filepath.Join(opts.PreviousDir, filepath.Base(src.CIDRPath))
			previous, err := ReadCIDRFile(prevPath)
			switch {
			case err != nil:
				log.Warn("Reading previous CIDR file failed", "path", prevPath, "error", err)
			case previous != nil:
				stats.HasPrevious = true
				stats.Added, stats.Removed = DiffCIDRs(previous, current)
			}
		}

		in.Sources = append(in.Sources, stats)
	}

	return in, nil
}

// ReadCIDRFile returns the non-blank, trimmed lines of path. A missing file
// yields nil without an error.
func ReadCIDRFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	lines := []string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// DiffCIDRs returns the entries only present in current (added) and only
// present in previous (removed), each sorted. Entries that merely moved are
// reported in neither list.
func DiffCIDRs(previous, current []string) (added, removed []string) {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(joinLines(previous), joinLines(current))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	addedSet := map[string]struct{}{}
	removedSet := map[string]struct{}{}
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			if line == "" {
				continue
			}
			if d.Type == diffmatchpatch.DiffInsert {
				addedSet[line] = struct{}{}
			} else {
				removedSet[line] = struct{}{}
			}
		}
	}

	for line := range addedSet {
		if _, moved := removedSet[line]; moved {
			delete(addedSet, line)
			delete(removedSet, line)
		}
	}

	return ranges.SortCIDRs(setKeys(addedSet)), ranges.SortCIDRs(setKeys(removedSet))
}

// Generate renders in as markdown.
func Generate(in Input) string {
	var b strings.Builder

	b.WriteString("## Google IP CIDR list update\n\n")
	fmt.Fprintf(&b, "**Updated**: %s UTC\n\n", in.GeneratedAt.UTC().Format("2006-01-02 15:04:05"))

	b.WriteString("### CIDR statistics\n\n")
	for _, s := range in.Sources {
		fmt.Fprintf(&b, "- `%s`: **%s** CIDRs", path.Base(filepath.ToSlash(s.CIDRPath)), humanize.Comma(int64(s.Count)))
		if s.Description != "" {
			fmt.Fprintf(&b, " (%s)", s.Description)
		}
		if s.Count > 0 {
			fmt.Fprintf(&b, ", %s IPv4 / %s IPv6", humanize.Comma(int64(s.IPv4)), humanize.Comma(int64(s.IPv6)))
		}
		b.WriteString("\n")
	}

	if hasPrevious(in.Sources) {
		b.WriteString("\n### Changes since previous release\n\n")
		for _, s := range in.Sources {
			if !s.HasPrevious {
				continue
			}
			fmt.Fprintf(&b, "- `%s`: +%d / -%d\n", path.Base(filepath.ToSlash(s.CIDRPath)), len(s.Added), len(s.Removed))
			for _, c := range s.Added {
				fmt.Fprintf(&b, "  - added `%s`\n", c)
			}
			for _, c := range s.Removed {
				fmt.Fprintf(&b, "  - removed `%s`\n", c)
			}
		}
	}

	var lines []string
	for _, s := range in.Sources {
		if in.HasMetadata && s.LastModified != "" {
			lines = append(lines, fmt.Sprintf("- %s last modified: `%s`\n", documentName(s), s.LastModified))
		}
		if s.CreationTime != "" {
			lines = append(lines, fmt.Sprintf("- %s creation time: `%s`\n", documentName(s), s.CreationTime))
		}
		if s.SyncToken != "" {
			lines = append(lines, fmt.Sprintf("- %s sync token: `%s`\n", documentName(s), s.SyncToken))
		}
	}
	if len(lines) > 0 {
		b.WriteString("\n### Source metadata\n\n")
		for _, l := range lines {
			b.WriteString(l)
		}
	}

	b.WriteString("\n### Files\n\n")
	for _, s := range in.Sources {
		desc := s.Description
		if desc == "" {
			desc = s.Name
		}
		fmt.Fprintf(&b, "- `%s` - %s IP ranges (plain CIDR list)\n", filepath.ToSlash(s.CIDRPath), desc)
	}

	b.WriteString("\n### Sources\n\n")
	for _, s := range in.Sources {
		fmt.Fprintf(&b, "- %s: %s\n", documentName(s), s.URL)
	}

	return b.String()
}

func readDocumentHeader(path string) (ranges.Header, bool) {
	if path == "" {
		return ranges.Header{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ranges.Header{}, false
	}
	doc, err := ranges.Decode(data)
	if err != nil {
		log.Debug("Skipping unparsable document header", "path", path, "error", err)
		return ranges.Header{}, false
	}
	return ranges.ReadHeader(doc), true
}

func documentName(s SourceStats) string {
	if base := path.Base(s.URL); base != "" && base != "." && base != "/" {
		return base
	}
	return s.Name
}

func hasPrevious(sources []SourceStats) bool {
	for _, s := range sources {
		if s.HasPrevious {
			return true
		}
	}
	return false
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
