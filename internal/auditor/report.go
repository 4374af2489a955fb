package auditor

import (
	"encoding/json"
	"io"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/types"
	"github.com/pkg/errors"
)

// ScanStatus tells whether a scan happened at all.
type ScanStatus string

const (
	// StatusComplete means every pair was visited. The orphan count is a
	// lower bound if any pairs were skipped.
	StatusComplete ScanStatus = "complete"

	// StatusBusy means that migrations never drained, so nothing was
	// scanned. Such a Result’s count means nothing.
	StatusBusy ScanStatus = "busy"
)

// Result summarizes a scan.
type Result struct {
	Status ScanStatus
	ScanID string

	OrphanDocumentCount types.DocumentCount

	PairsTotal       types.PairCount
	PairsScanned     types.PairCount
	SkippedPairs     types.PairCount
	UnsupportedPairs types.PairCount
	RecordFailures   int

	Duration time.Duration

	findings map[findingKey]types.DocumentCount
}

// Finding is how many orphans of one namespace were found on one shard.
type Finding struct {
	Namespace string
	Shard     string
	Count     types.DocumentCount
}

// Report is the JSON object that a completed scan prints.
type Report struct {
	OrphanDocumentCount  types.DocumentCount `json:"orphan_document_count"`
	SkippedPairCount     types.PairCount     `json:"skipped_pair_count,omitempty"`
	UnsupportedPairCount types.PairCount     `json:"unsupported_pair_count,omitempty"`
	RecordFailureCount   int                 `json:"record_failure_count,omitempty"`
}

// Report returns the result’s printable form.
func (r Result) Report() Report {
	return Report{
		OrphanDocumentCount:  r.OrphanDocumentCount,
		SkippedPairCount:     r.SkippedPairs,
		UnsupportedPairCount: r.UnsupportedPairs,
		RecordFailureCount:   r.RecordFailures,
	}
}

// WriteReport writes the result’s report as indented JSON. It refuses to
// report on a scan that did not happen.
func (r Result) WriteReport(w io.Writer) error {
	if r.Status != StatusComplete {
		return errors.Errorf("cannot report a %#q scan", r.Status)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")

	return errors.Wrap(encoder.Encode(r.Report()), "writing report")
}
