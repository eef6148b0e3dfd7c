package cdnlog

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cloudFrontLog = `#Version: 1.0
#Fields: date time x-edge-location sc-bytes c-ip cs-method cs(Host) cs-uri-stem sc-status cs(Referer)
2024-01-16	16:01:12	FRA2-C1	12345	203.0.113.10	GET	static.pkgdex.dev	/packages/serde/serde-1.0.195.tgz	200	-
2024-01-16	16:02:44	FRA2-C1	12345	203.0.113.11	GET	static.pkgdex.dev	/packages/serde/serde-1.0.195.tgz	200	-
2024-01-16	16:03:01	IAD12-P2	6789	198.51.100.3	GET	static.pkgdex.dev	/packages/tokio/tokio-1.35.1.tgz	200	-
2024-01-16	16:04:09	IAD12-P2	404	198.51.100.4	GET	static.pkgdex.dev	/packages/missing/missing-0.1.0.tgz	404	-
2024-01-16	16:05:33	FRA2-C1	555	203.0.113.12	HEAD	static.pkgdex.dev	/packages/serde/serde-1.0.195.tgz	200	-
2024-01-16	16:06:00	FRA2-C1	777	203.0.113.13	GET	static.pkgdex.dev	/api/v1/summary	200	-
this line is complete garbage
2024-01-17	02:10:00	SYD4-C1	12345	192.0.2.77	GET	static.pkgdex.dev	/packages/serde/serde-1.0.195.tgz?via=mirror	200	-
`

func TestCountDownloadsCloudFront(t *testing.T) {
	counts, err := CountDownloads(strings.NewReader(cloudFrontLog))
	require.NoError(t, err)

	// serde on the 16th (2), tokio on the 16th (1), serde on the 17th (1).
	assert.Equal(t, 3, counts.Len())
	assert.Equal(t, int64(4), counts.SumDownloads())
	assert.Equal(t, 2, counts.UniquePackages())

	entries := counts.Entries()
	assert.Equal(t, "serde", entries[0].Name)
	assert.Equal(t, "1.0.195", entries[0].Version)
	assert.Equal(t, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), entries[0].Date)
	assert.Equal(t, int64(2), entries[0].Downloads)
}

func TestCountDownloadsFastly(t *testing.T) {
	log := `{"timestamp":"2024-01-16T16:01:12Z","method":"GET","url":"/packages/serde/serde-1.0.195.tgz","status":200}
{"timestamp":"2024-01-16T23:59:59Z","method":"GET","url":"/packages/serde/serde-1.0.195.tgz","status":200}
{"timestamp":"2024-01-16T12:00:00Z","method":"GET","url":"/packages/axum/axum-0.7.4.tgz","status":200}
{"timestamp":"2024-01-16T12:00:01Z","method":"GET","url":"/packages/axum/axum-0.7.4.tgz","status":503}
{"timestamp":"2024-01-16T12:00:02Z","method":"PUT","url":"/packages/axum/axum-0.7.4.tgz","status":200}
{"timestamp":"not a timestamp","method":"GET","url":"/packages/axum/axum-0.7.4.tgz","status":200}
{"broken json
`

	counts, err := CountDownloads(strings.NewReader(log))
	require.NoError(t, err)

	assert.Equal(t, 2, counts.Len())
	assert.Equal(t, int64(3), counts.SumDownloads())
}

func TestCountDownloadsEdgeCases(t *testing.T) {
	t.Run("empty stream yields empty map", func(t *testing.T) {
		counts, err := CountDownloads(strings.NewReader(""))
		require.NoError(t, err)
		assert.True(t, counts.IsEmpty())
	})

	t.Run("fully malformed stream yields empty map", func(t *testing.T) {
		counts, err := CountDownloads(strings.NewReader("junk\nmore junk\n"))
		require.NoError(t, err)
		assert.True(t, counts.IsEmpty())
	})

	t.Run("data lines before a fields header are skipped", func(t *testing.T) {
		log := "2024-01-16\t16:01:12\tGET\t/packages/serde/serde-1.0.195.tgz\t200\n"
		counts, err := CountDownloads(strings.NewReader(log))
		require.NoError(t, err)
		assert.True(t, counts.IsEmpty())
	})

	t.Run("stream failure surfaces as an error", func(t *testing.T) {
		r := io.MultiReader(strings.NewReader("#Version: 1.0\n"), &failingReader{})
		_, err := CountDownloads(r)
		assert.Error(t, err)
	})

	t.Run("deterministic across runs", func(t *testing.T) {
		first, err := CountDownloads(strings.NewReader(cloudFrontLog))
		require.NoError(t, err)
		second, err := CountDownloads(strings.NewReader(cloudFrontLog))
		require.NoError(t, err)
		assert.Equal(t, first.Entries(), second.Entries())
	})
}

func TestCountDownloadsOversizedLine(t *testing.T) {
	row := func(cols ...string) string { return strings.Join(cols, "\t") + "\n" }

	var log strings.Builder
	log.WriteString("#Fields: date time x-edge-location sc-bytes c-ip cs-method cs(Host) cs-uri-stem sc-status cs(Referer)\n")
	log.WriteString(row("2024-01-16", "16:01:12", "FRA2-C1", "12345", "203.0.113.10",
		"GET", "static.pkgdex.dev", "/packages/serde/serde-1.0.195.tgz", "200", "-"))
	// A single record blown past the line cap must not take down the run
	// or leak into the counts.
	log.WriteString(row("2024-01-16", "16:02:00", "FRA2-C1", "12345", "203.0.113.11",
		"GET", "static.pkgdex.dev",
		"/packages/huge/huge-1.0.0.tgz?pad="+strings.Repeat("A", 2*1024*1024), "200", "-"))
	log.WriteString(row("2024-01-17", "02:10:00", "SYD4-C1", "12345", "192.0.2.77",
		"GET", "static.pkgdex.dev", "/packages/serde/serde-1.0.195.tgz", "200", "-"))

	counts, err := CountDownloads(strings.NewReader(log.String()))
	require.NoError(t, err)

	assert.Equal(t, int64(2), counts.SumDownloads())
	assert.Equal(t, 1, counts.UniquePackages())
	for _, e := range counts.Entries() {
		assert.Equal(t, "serde", e.Name)
	}
}

type failingReader struct{}

func (*failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestParseArchivePath(t *testing.T) {
	tests := []struct {
		path    string
		name    string
		version string
		ok      bool
	}{
		{"/packages/serde/serde-1.0.195.tgz", "serde", "1.0.195", true},
		{"/packages/serde/serde-1.0.195.tgz?token=abc", "serde", "1.0.195", true},
		{"/packages/quick-error/quick-error-1.2.3.tgz", "quick-error", "1.2.3", true},
		{"/packages/serde/other-1.0.0.tgz", "", "", false},
		{"/packages/serde/serde-1.0.195.zip", "", "", false},
		{"/packages/serde/extra/serde-1.0.195.tgz", "", "", false},
		{"/packages/serde/serde-.tgz", "", "", false},
		{"/api/v1/packages/serde", "", "", false},
		{"/packages/", "", "", false},
	}

	for _, tt := range tests {
		name, version, ok := parseArchivePath(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.name, name, tt.path)
		assert.Equal(t, tt.version, version, tt.path)
	}
}
