package auditor

import (
	"cmp"
	"slices"
	"strings"

	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/mongodb-labs/orphan-auditor/internal/reportutils"
	"github.com/olekukonko/tablewriter"
)

// Findings returns per-namespace, per-shard orphan counts, sorted by
// namespace then shard.
func (r Result) Findings() []Finding {
	findings := make([]Finding, 0, len(r.findings))
	for key, count := range r.findings {
		findings = append(findings, Finding{
			Namespace: key.Namespace,
			Shard:     key.Shard,
			Count:     count,
		})
	}

	slices.SortFunc(findings, func(a, b Finding) int {
		return cmp.Or(
			cmp.Compare(a.Namespace, b.Namespace),
			cmp.Compare(a.Shard, b.Shard),
		)
	})

	return findings
}

// Summary renders the result as human-readable tables.
func (r Result) Summary() string {
	strBuilder := &strings.Builder{}

	pairsTable := tablewriter.NewWriter(strBuilder)
	pairsTable.SetHeader([]string{"Pairs", "Count", "% of Total"})
	pairsTable.Append([]string{"Total", reportutils.FmtCount(r.PairsTotal), "100"})
	pairsTable.Append([]string{
		"Scanned",
		reportutils.FmtCount(r.PairsScanned),
		reportutils.FmtPercent(r.PairsScanned, r.PairsTotal),
	})
	pairsTable.Append([]string{
		"Skipped (shard unreachable)",
		reportutils.FmtCount(r.SkippedPairs),
		reportutils.FmtPercent(r.SkippedPairs, r.PairsTotal),
	})
	pairsTable.Append([]string{
		"Skipped (unsupported)",
		reportutils.FmtCount(r.UnsupportedPairs),
		reportutils.FmtPercent(r.UnsupportedPairs, r.PairsTotal),
	})

	strBuilder.WriteString("\nChunk/shard pairs:\n")
	pairsTable.Render()

	findings := r.Findings()
	if len(findings) == 0 {
		strBuilder.WriteString("\nNo orphan documents found.\n")
		return strBuilder.String()
	}

	findingsTable := tablewriter.NewWriter(strBuilder)
	findingsTable.SetHeader([]string{"Namespace", "Shard", "Orphans"})

	for _, f := range findings {
		findingsTable.Append([]string{f.Namespace, f.Shard, reportutils.FmtCount(f.Count)})
	}

	findingsTable.SetFooter([]string{"", "Total", reportutils.FmtCount(r.OrphanDocumentCount)})

	strBuilder.WriteString("\nOrphan documents:\n")
	findingsTable.Render()

	return strBuilder.String()
}

func (a *Auditor) logSummary(result Result, logger *logger.Logger) {
	event := logger.Info()
	if result.SkippedPairs > 0 || result.RecordFailures > 0 {
		event = logger.Warn()
	}

	event.
		Str("duration", reportutils.DurationToHMS(result.Duration)).
		Int("recordFailures", result.RecordFailures).
		Msg("Scan summary:\n" + result.Summary())
}
