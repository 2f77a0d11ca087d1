package crawler

import "fmt"

// EntryFromOutcome builds the catalog entry fields implied by outcome. The
// discovery order and fetch time are left for the catalog to assign.
func EntryFromOutcome(jobID, url string, outcome FetchOutcome) (CatalogEntry, error) {
	entry := CatalogEntry{JobID: jobID, URL: url}
	switch {
	case outcome.Success != nil && outcome.Failure == nil:
		s := outcome.Success
		if s.Digest == "" {
			return CatalogEntry{}, fmt.Errorf("success outcome for %s has no digest", url)
		}
		entry.Digest = s.Digest
		entry.StatusCode = s.StatusCode
		entry.ByteLength = s.ByteLength
		entry.Depth = s.Depth
		entry.Domain = s.Domain
	case outcome.Failure != nil && outcome.Success == nil:
		f := outcome.Failure
		entry.Error = f.Err
		if entry.Error == "" {
			entry.Error = "unknown error"
		}
		entry.StatusCode = f.StatusCode
		entry.Depth = f.Depth
		entry.Domain = f.Domain
	default:
		return CatalogEntry{}, fmt.Errorf("outcome for %s must be exactly one of success or failure", url)
	}
	if entry.Domain == "" {
		entry.Domain = Domain(url)
	}
	return entry, nil
}
