package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCheck(t *testing.T) {
	r := New()
	r.ObserveCheck(true, []string{"goog", "cloud"}, []string{"cloud"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.remoteChanged))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.checkFailures.WithLabelValues("goog")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.checkFailures.WithLabelValues("cloud")))

	r.ObserveCheck(false, []string{"goog", "cloud"}, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.remoteChanged))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.checkFailures.WithLabelValues("cloud")))
}

func TestObserveFetch(t *testing.T) {
	r := New()
	r.ObserveFetchAttempt("goog")
	r.ObserveFetchAttempt("goog")
	r.ObserveCIDRs("goog", 42)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.fetchAttempts.WithLabelValues("goog")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.cidrCount.WithLabelValues("goog")))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveCIDRs("cloud", 7)
	r.ObserveRun("fetch", 1718006400)

	path := filepath.Join(t.TempDir(), "textfile", "ipranges.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `ipranges_cidr_count{source="cloud"} 7`)
	assert.Contains(t, out, "# TYPE ipranges_remote_changed gauge")
	assert.True(t, strings.Contains(out, `ipranges_last_run_timestamp_seconds{command="fetch"} 1.7180064e+09`))
}
