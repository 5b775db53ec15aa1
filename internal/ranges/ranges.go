// Package ranges decodes published IP-range documents and extracts their CIDR blocks.
package ranges

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
)

// ErrTrailingData is returned when a document holds more than one JSON value.
var ErrTrailingData = errors.New("unexpected data after top-level JSON value")

// Header carries the informational fields published next to the prefixes.
type Header struct {
	SyncToken    string `json:"syncToken,omitempty"`
	CreationTime string `json:"creationTime,omitempty"`
}

// Decode parses raw as a single JSON value. Numbers are kept as json.Number
// so re-encoding does not alter them.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	return doc, nil
}

// ExtractCIDRs returns the CIDR of every prefix entry in encounter order,
// without duplicates. Each entry contributes its ipv4Prefix when that is a
// non-empty string and its ipv6Prefix otherwise. Shapes that do not match
// are skipped, as are strings that do not parse as a CIDR.
func ExtractCIDRs(doc any) []string {
	root, ok := doc.(map[string]any)
	if !ok {
		return []string{}
	}
	prefixes, ok := root["prefixes"].([]any)
	if !ok {
		return []string{}
	}

	out := make([]string, 0, len(prefixes))
	seen := make(map[string]struct{}, len(prefixes))
	for _, item := range prefixes {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		cidr := firstString(entry, "ipv4Prefix", "ipv6Prefix")
		if cidr == "" || !ValidCIDR(cidr) {
			continue
		}
		if _, dup := seen[cidr]; dup {
			continue
		}
		seen[cidr] = struct{}{}
		out = append(out, cidr)
	}
	return out
}

// ReadHeader pulls syncToken and creationTime when they are strings.
func ReadHeader(doc any) Header {
	root, ok := doc.(map[string]any)
	if !ok {
		return Header{}
	}
	return Header{
		SyncToken:    firstString(root, "syncToken"),
		CreationTime: firstString(root, "creationTime"),
	}
}

// ValidCIDR reports whether s is an IPv4 or IPv6 address with a prefix length.
func ValidCIDR(s string) bool {
	_, err := netip.ParsePrefix(s)
	return err == nil
}

// CountFamilies splits cidrs into IPv4 and IPv6 counts.
func CountFamilies(cidrs []string) (v4, v6 int) {
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			continue
		}
		if p.Addr().Is4() {
			v4++
		} else {
			v6++
		}
	}
	return v4, v6
}

// SortCIDRs returns a sorted copy: IPv4 before IPv6, then by address, then
// by prefix length. Unparsable strings go last in lexical order.
func SortCIDRs(cidrs []string) []string {
	type keyed struct {
		raw    string
		prefix netip.Prefix
		ok     bool
	}
	items := make([]keyed, len(cidrs))
	for i, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		items[i] = keyed{raw: c, prefix: p, ok: err == nil}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ok != b.ok {
			return a.ok
		}
		if !a.ok {
			return a.raw < b.raw
		}
		if a.prefix.Addr().Is4() != b.prefix.Addr().Is4() {
			return a.prefix.Addr().Is4()
		}
		if cmp := a.prefix.Addr().Compare(b.prefix.Addr()); cmp != 0 {
			return cmp < 0
		}
		if a.prefix.Bits() != b.prefix.Bits() {
			return a.prefix.Bits() < b.prefix.Bits()
		}
		return a.raw < b.raw
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.raw
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
