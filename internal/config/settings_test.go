package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg, err := Load(writeFile(t, "empty.json", "{}"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if got := cfg.SourceNames(); len(got) != 2 || got[0] != "goog" || got[1] != "cloud" {
		t.Fatalf("SourceNames = %v, want [goog cloud]", got)
	}
	goog, ok := cfg.FindSource("GOOG")
	if !ok {
		t.Fatal("FindSource(GOOG) not found")
	}
	if goog.URL != "https://www.gstatic.com/ipranges/goog.json" {
		t.Fatalf("goog url = %s", goog.URL)
	}
	if goog.CIDRPath != "data/goog.cidr.txt" {
		t.Fatalf("goog cidr path = %s", goog.CIDRPath)
	}
	if cfg.FetchTimeout() != 30*time.Second || cfg.Fetch.Retries != 3 || cfg.Fetch.Backoff.Std() != time.Second {
		t.Fatalf("unexpected fetch defaults: %+v", cfg.Fetch)
	}
	if cfg.CheckTimeout() != 30*time.Second {
		t.Fatalf("check timeout = %s, want 30s", cfg.CheckTimeout())
	}
	if cfg.Check.SnapshotPath != "data/ipranges.remote.json" {
		t.Fatalf("snapshot path = %s", cfg.Check.SnapshotPath)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "ipranges.yaml", `
sources:
  - name: goog
    url: https://WWW.GSTATIC.com/ipranges/goog.json
  - name: aws
    url: https://ip-ranges.amazonaws.com/ip-ranges.json
    cidr_path: out/aws.txt
fetch:
  timeout: 2.5
  retries: 5
  backoff: 250ms
redis:
  url: redis://localhost:6379/0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(cfg.Sources) != 2 {
		t.Fatalf("sources = %+v, want 2 entries", cfg.Sources)
	}
	if cfg.Sources[0].URL != "https://www.gstatic.com/ipranges/goog.json" {
		t.Fatalf("host not normalized: %s", cfg.Sources[0].URL)
	}
	aws, _ := cfg.FindSource("aws")
	if aws.DocumentPath != "data/aws.json" || aws.CIDRPath != "out/aws.txt" {
		t.Fatalf("aws paths = %q %q", aws.DocumentPath, aws.CIDRPath)
	}
	if cfg.FetchTimeout() != 2500*time.Millisecond {
		t.Fatalf("timeout = %s, want 2.5s", cfg.FetchTimeout())
	}
	if cfg.Fetch.Retries != 5 || cfg.Fetch.Backoff.Std() != 250*time.Millisecond {
		t.Fatalf("fetch = %+v", cfg.Fetch)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" || cfg.Redis.Channel != "ipranges:updates" {
		t.Fatalf("redis = %+v", cfg.Redis)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	if _, err := Load(writeFile(t, "bad.json", `{"fetch":{"timeout":"1s","retrys":2}}`)); err == nil {
		t.Fatal("Load accepted an unknown JSON field")
	}
	if _, err := Load(writeFile(t, "bad.yaml", "fetch:\n  retrys: 2\n")); err == nil {
		t.Fatal("Load accepted an unknown YAML field")
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	_, err := Load(writeFile(t, "settings.toml", "x = 1"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Load returned %v, want ErrUnsupportedFormat", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IPRANGES_TIMEOUT", "5s")
	t.Setenv("IPRANGES_RETRIES", "1")
	t.Setenv("IPRANGES_BACKOFF", "0")
	t.Setenv("IPRANGES_SNAPSHOT_PATH", "state/remote.json")
	t.Setenv("IPRANGES_CLOUD_URL", "http://127.0.0.1:8080/cloud.json")

	cfg, err := Load(writeFile(t, "empty.json", "{}"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.FetchTimeout() != 5*time.Second || cfg.Fetch.Retries != 1 || cfg.Fetch.Backoff != 0 {
		t.Fatalf("fetch = %+v", cfg.Fetch)
	}
	if cfg.CheckTimeout() != 30*time.Second {
		t.Fatalf("check timeout changed by fetch override: %s", cfg.CheckTimeout())
	}
	if cfg.Check.SnapshotPath != "state/remote.json" {
		t.Fatalf("snapshot path = %s", cfg.Check.SnapshotPath)
	}
	cloud, _ := cfg.FindSource("cloud")
	if cloud.URL != "http://127.0.0.1:8080/cloud.json" {
		t.Fatalf("cloud url = %s", cloud.URL)
	}
}

func TestEnvOverrideInvalidDuration(t *testing.T) {
	t.Setenv("IPRANGES_TIMEOUT", "soon")
	_, err := Load(writeFile(t, "empty.json", "{}"))
	if err == nil || !strings.Contains(err.Error(), "IPRANGES_TIMEOUT") {
		t.Fatalf("Load returned %v, want IPRANGES_TIMEOUT error", err)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no sources", `{"sources":[]}`, "no sources configured"},
		{"duplicate names", `{"sources":[{"name":"a","url":"https://a.example/x.json"},{"name":"A","url":"https://b.example/y.json"}]}`, "duplicate name"},
		{"bad scheme", `{"sources":[{"name":"a","url":"ftp://a.example/x.json"}]}`, "unsupported scheme"},
		{"bad name", `{"sources":[{"name":"a b","url":"https://a.example/x.json"}]}`, "invalid name"},
		{"zero timeout", `{"fetch":{"timeout":"0s"}}`, "fetch.timeout must be positive"},
		{"negative retries", `{"fetch":{"retries":-1}}`, "fetch.retries must not be negative"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "settings.json", tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load returned %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestNormalizeSourceURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{" https://Www.Gstatic.COM/ipranges/goog.json ", "https://www.gstatic.com/ipranges/goog.json", false},
		{"HTTP://127.0.0.1:8080/goog.json", "http://127.0.0.1:8080/goog.json", false},
		{"http://[::1]:9000/a.json", "http://[::1]:9000/a.json", false},
		{"https://bücher.example/ranges.json", "https://xn--bcher-kva.example/ranges.json", false},
		{"www.gstatic.com/ipranges/goog.json", "", true},
		{"", "", true},
		{"https:///nohost.json", "", true},
	}

	for _, tc := range cases {
		got, err := NormalizeSourceURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeSourceURL(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeSourceURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
