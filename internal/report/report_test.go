package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

var start = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleReport() (JobReport, []crawler.CatalogEntry, []crawler.CrawlURL) {
	dead := []crawler.CrawlURL{
		{URL: "https://b.example/x", Domain: "b.example", RetryCount: 4, LastError: "status 503"},
		{URL: "https://a.example/y", RetryCount: 4},
	}
	entries := []crawler.CatalogEntry{
		{JobID: "job", URL: "https://a.example/", Digest: "d1", StatusCode: 200, DiscoveryOrder: 1, Domain: "a.example", ByteLength: 10, FetchedAt: start},
		{JobID: "job", URL: "https://a.example/y", StatusCode: 503, DiscoveryOrder: 2, Domain: "a.example", FetchedAt: start, Error: "status 503"},
	}
	stats := crawler.CatalogStats{
		PagesFetched:   1,
		BytesStored:    10,
		DomainsSeen:    2,
		Errors:         2,
		ErrorsByDomain: map[string]int{"a.example": 1, "b.example": 1},
	}
	queue := crawler.QueueStats{Completed: 1, Dead: 2, Total: 3}
	return Build("job", start, start.Add(90*time.Second), ReasonExhausted, stats, queue, dead), entries, dead
}

func TestBuild(t *testing.T) {
	t.Parallel()

	r, _, _ := sampleReport()
	assert.Equal(t, []string{"https://a.example/y", "https://b.example/x"}, r.DeadURLs)
	assert.Equal(t, map[string]int{"a.example": 1, "b.example": 1}, r.DeadByDomain)
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.Equal(t, []string{"a.example", "b.example"}, r.Domains())
	assert.True(t, r.Blocked())
}

func TestBlocked(t *testing.T) {
	t.Parallel()

	assert.False(t, JobReport{}.Blocked(), "an empty job found few links, it was not blocked")
	assert.False(t, JobReport{PagesFetched: 10, Errors: 3}.Blocked())
	assert.True(t, JobReport{PagesFetched: 1, Errors: 5}.Blocked())
	assert.True(t, JobReport{DeadURLs: []string{"u"}}.Blocked())
}

func TestWriteXLSX(t *testing.T) {
	t.Parallel()

	r, entries, dead := sampleReport()
	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteXLSX(path, r, entries, dead))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	assert.Equal(t, []string{SheetSummary, SheetDomains, SheetCatalog, SheetDeadLetters}, f.GetSheetList())

	reason, err := f.GetCellValue(SheetSummary, "B6")
	require.NoError(t, err)
	assert.Equal(t, "exhausted", reason)

	rows, err := f.GetRows(SheetCatalog)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "https://a.example/", rows[1][1])

	rows, err = f.GetRows(SheetDomains)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"b.example", "1", "1"}, rows[2])

	rows, err = f.GetRows(SheetDeadLetters)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestWriteXLSXBadPath(t *testing.T) {
	t.Parallel()

	r, _, _ := sampleReport()
	err := WriteXLSX(filepath.Join(t.TempDir(), "missing", "report.xlsx"), r, nil, nil)
	require.Error(t, err)
}
