package auditor

import (
	"time"

	"github.com/mongodb-labs/orphan-auditor/history"
	"github.com/mongodb-labs/orphan-auditor/internal/reportutils"
	"github.com/mongodb-labs/orphan-auditor/internal/types"
)

// progressRateWindow is how far back the pairs-per-second rate looks.
const progressRateWindow = time.Minute

// Progress describes a scan in flight (or the last one).
type Progress struct {
	State  ScanState `json:"state"`
	ScanID string    `json:"scanId,omitempty"`

	TimeElapsed string `json:"timeElapsed,omitempty"`

	PairsDone        types.PairCount     `json:"pairsDone"`
	PairsTotal       types.PairCount     `json:"pairsTotal"`
	OrphansFound     types.DocumentCount `json:"orphansFound"`
	SkippedPairs     types.PairCount     `json:"skippedPairs"`
	UnsupportedPairs types.PairCount     `json:"unsupportedPairs"`
	RecordFailures   int                 `json:"recordFailures"`

	PairsPerSecond float64 `json:"pairsPerSecond"`

	ActiveWorkers int             `json:"activeWorkers"`
	Workers       WorkerStatusMap `json:"workers,omitempty"`
}

// GetProgress reports on the current (or last) scan.
func (a *Auditor) GetProgress() Progress {
	snapshot := a.tally.Load().snapshot()

	progress := Progress{
		State:            a.state.Load(),
		ScanID:           a.scanID.Load(),
		PairsDone:        snapshot.PairsScanned + snapshot.SkippedPairs + snapshot.UnsupportedPairs,
		PairsTotal:       snapshot.PairsTotal,
		OrphansFound:     snapshot.OrphanDocumentCount,
		SkippedPairs:     snapshot.SkippedPairs,
		UnsupportedPairs: snapshot.UnsupportedPairs,
		RecordFailures:   snapshot.RecordFailures,
		ActiveWorkers:    a.workerTracker.ActiveCount(),
		Workers:          a.workerTracker.Load(),
	}

	if startTime := a.startTime.Load(); !startTime.IsZero() {
		elapsed := time.Since(startTime)
		progress.TimeElapsed = reportutils.DurationToHMS(elapsed)
		progress.PairsPerSecond = pairsRate(a.pairsHistory.Get(), elapsed)
	}

	return progress
}

// pairsRate computes pairs per second over the rate window, or over the
// elapsed time if the scan is younger than that.
func pairsRate(logs []history.Log[int], elapsed time.Duration) float64 {
	window := min(elapsed, progressRateWindow)
	if window <= 0 {
		return 0
	}

	return float64(history.SumLogs(logs)) / window.Seconds()
}
