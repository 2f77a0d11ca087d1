package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// Sheet names written by WriteXLSX.
const (
	SheetSummary     = "Summary"
	SheetDomains     = "Domains"
	SheetCatalog     = "Catalog"
	SheetDeadLetters = "DeadLetters"
)

// WriteXLSX exports the report, the catalog entries and the dead letters
// as a workbook at path.
func WriteXLSX(path string, r JobReport, entries []crawler.CatalogEntry, dead []crawler.CrawlURL) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	for _, name := range []string{SheetDomains, SheetCatalog, SheetDeadLetters} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}

	if err := writeRows(f, SheetSummary, summaryRows(r)); err != nil {
		return err
	}
	if err := writeRows(f, SheetDomains, domainRows(r)); err != nil {
		return err
	}
	if err := writeRows(f, SheetCatalog, catalogRows(entries)); err != nil {
		return err
	}
	if err := writeRows(f, SheetDeadLetters, deadRows(dead)); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save report %s: %w", path, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func summaryRows(r JobReport) [][]any {
	return [][]any{
		{"Field", "Value"},
		{"Job ID", r.JobID},
		{"Started", r.StartedAt.UTC().Format(time.RFC3339)},
		{"Finished", r.FinishedAt.UTC().Format(time.RFC3339)},
		{"Duration (s)", r.Duration().Seconds()},
		{"Reason", string(r.Reason)},
		{"Pages fetched", r.PagesFetched},
		{"Bytes stored", r.BytesStored},
		{"Domains seen", r.DomainsSeen},
		{"Errors", r.Errors},
		{"Dead URLs", len(r.DeadURLs)},
		{"Blocked", r.Blocked()},
		{"Queued", r.Queue.Queued},
		{"In flight", r.Queue.InFlight},
		{"Retry delayed", r.Queue.RetryDelayed},
		{"Completed", r.Queue.Completed},
		{"Dead", r.Queue.Dead},
	}
}

func domainRows(r JobReport) [][]any {
	rows := [][]any{{"Domain", "Errors", "Dead"}}
	for _, d := range r.Domains() {
		rows = append(rows, []any{d, r.ErrorsByDomain[d], r.DeadByDomain[d]})
	}
	return rows
}

func catalogRows(entries []crawler.CatalogEntry) [][]any {
	rows := [][]any{{"Order", "URL", "Domain", "Depth", "Status", "Digest", "Bytes", "Fetched", "Error"}}
	for _, e := range entries {
		rows = append(rows, []any{
			e.DiscoveryOrder,
			e.URL,
			e.Domain,
			e.Depth,
			e.StatusCode,
			e.Digest,
			e.ByteLength,
			e.FetchedAt.UTC().Format(time.RFC3339),
			e.Error,
		})
	}
	return rows
}

func deadRows(dead []crawler.CrawlURL) [][]any {
	rows := [][]any{{"URL", "Domain", "Depth", "Retries", "Discovered via", "Last error"}}
	for _, item := range dead {
		rows = append(rows, []any{item.URL, item.Domain, item.Depth, item.RetryCount, item.DiscoveredVia, item.LastError})
	}
	return rows
}
