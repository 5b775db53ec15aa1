// Package metrics exposes run statistics in the Prometheus text format so a
// node_exporter textfile collector can pick them up after each run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	registry *prometheus.Registry

	cidrCount     *prometheus.GaugeVec
	remoteChanged prometheus.Gauge
	checkFailures *prometheus.GaugeVec
	fetchAttempts *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		cidrCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ipranges_cidr_count", Help: "CIDRs extracted from the last fetched document"},
			[]string{"source"}),

		remoteChanged: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "ipranges_remote_changed", Help: "1 when the last check saw changed remote metadata"}),

		checkFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ipranges_check_failures", Help: "1 when the metadata request for a source failed in the last check"},
			[]string{"source"}),

		fetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ipranges_fetch_attempts_total", Help: "HTTP attempts made while downloading documents"},
			[]string{"source"}),

		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "ipranges_last_run_timestamp_seconds", Help: "Unix time of the last completed command"},
			[]string{"command"}),
	}

	r.registry.MustRegister(r.cidrCount, r.remoteChanged, r.checkFailures, r.fetchAttempts, r.lastRun)

	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveCIDRs(source string, count int) {
	r.cidrCount.WithLabelValues(source).Set(float64(count))
}

func (r *Recorder) ObserveFetchAttempt(source string) {
	r.fetchAttempts.WithLabelValues(source).Inc()
}

// ObserveCheck records a check outcome. Every name in sources gets a failure
// gauge, 0 unless it appears in failed.
func (r *Recorder) ObserveCheck(changed bool, sources, failed []string) {
	r.remoteChanged.Set(boolToFloat(changed))

	failedSet := make(map[string]struct{}, len(failed))
	for _, name := range failed {
		failedSet[name] = struct{}{}
	}
	for _, name := range sources {
		_, ok := failedSet[name]
		r.checkFailures.WithLabelValues(name).Set(boolToFloat(ok))
	}
}

func (r *Recorder) ObserveRun(command string, unixSeconds float64) {
	r.lastRun.WithLabelValues(command).Set(unixSeconds)
}

// WriteTextfile writes all metrics to path. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("metrics textfile: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics textfile: %w", err)
	}
	return nil
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
