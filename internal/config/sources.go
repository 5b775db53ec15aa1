package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var sourceNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Source is one published ranges document and where its outputs go.
type Source struct {
	Name         string `json:"name" yaml:"name"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	URL          string `json:"url" yaml:"url"`
	DocumentPath string `json:"document_path" yaml:"document_path"`
	CIDRPath     string `json:"cidr_path" yaml:"cidr_path"`
}

// FindSource returns the configured source with the given name.
func (c Config) FindSource(name string) (Source, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, src := range c.Sources {
		if src.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// SourceNames lists the configured source names in order.
func (c Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		names = append(names, src.Name)
	}
	return names
}

// NormalizeSourceURL trims raw, checks it is an absolute http(s) URL and
// rewrites the host to its lowercase ASCII form.
func NormalizeSourceURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("url is empty")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	host := strings.Trim(parsed.Hostname(), ".")
	if host == "" {
		return "", errors.New("missing host")
	}

	var asciiHost string
	if addr, err := netip.ParseAddr(host); err == nil {
		asciiHost = addr.String()
		if addr.Is6() {
			asciiHost = "[" + asciiHost + "]"
		}
	} else {
		asciiHost, err = idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("invalid host %q: %w", host, err)
		}
		asciiHost = strings.ToLower(asciiHost)
	}
	if port := parsed.Port(); port != "" {
		asciiHost += ":" + port
	}

	parsed.Scheme = scheme
	parsed.Host = asciiHost
	return parsed.String(), nil
}

func normalizeSources(sources []Source) ([]Source, error) {
	if len(sources) == 0 {
		return nil, errors.New("no sources configured")
	}

	seen := make(map[string]struct{}, len(sources))
	out := make([]Source, 0, len(sources))
	var errs []error

	for i, src := range sources {
		src.Name = strings.ToLower(strings.TrimSpace(src.Name))
		if !sourceNameRegex.MatchString(src.Name) {
			errs = append(errs, fmt.Errorf("source %d: invalid name %q", i, src.Name))
			continue
		}
		if _, dup := seen[src.Name]; dup {
			errs = append(errs, fmt.Errorf("source %q: duplicate name", src.Name))
			continue
		}
		seen[src.Name] = struct{}{}

		normalized, err := NormalizeSourceURL(src.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", src.Name, err))
			continue
		}
		src.URL = normalized

		if strings.TrimSpace(src.DocumentPath) == "" {
			src.DocumentPath = "data/" + src.Name + ".json"
		}
		if strings.TrimSpace(src.CIDRPath) == "" {
			src.CIDRPath = "data/" + src.Name + ".cidr.txt"
		}

		out = append(out, src)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
