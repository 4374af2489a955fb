// Package reportutils formats numbers & durations for log lines and the
// end-of-scan summary.
package reportutils

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mongodb-labs/orphan-auditor/internal/types"
	"golang.org/x/exp/constraints"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const decimalPrecision = 2

var realNumFmtPattern = fmt.Sprintf("%%.%df", decimalPrecision)

var printer = message.NewPrinter(language.AmericanEnglish)

// DurationToHMS renders a duration as, e.g., "1h 22m 3.23s". Seconds are
// always shown; larger units only when nonzero (or, for minutes, when
// hours are shown).
func DurationToHMS(duration time.Duration) string {
	hours := duration / time.Hour
	minutes := (duration % time.Hour) / time.Minute
	secs := FmtReal((duration % time.Minute).Seconds()) + "s"

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %s", hours, minutes, secs)
	case minutes > 0:
		return fmt.Sprintf("%dm %s", minutes, secs)
	default:
		return secs
	}
}

// FmtReal renders a number with thousands separators and at most two
// decimal places, without trailing zeros.
func FmtReal[T types.RealNumber](num T) string {
	str := printer.Sprintf(realNumFmtPattern, float64(num))

	if strings.Contains(str, ".") {
		str = strings.TrimSuffix(strings.TrimRight(str, "0"), ".")
	}

	return str
}

// FmtCount renders an integer count with thousands separators.
func FmtCount[T constraints.Integer](count T) string {
	return humanize.Comma(int64(count))
}

// FmtPercent renders numerator/denominator as a percentage, without the
// `%`. A fraction short of 1 never rounds up to "100".
func FmtPercent[T, U types.RealNumber](numerator T, denominator U) string {
	if denominator == 0 {
		return "0"
	}

	str := FmtReal(100 * float64(numerator) / float64(denominator))

	if str == "100" && float64(numerator) < float64(denominator) {
		return "99." + strings.Repeat("9", decimalPrecision)
	}

	return str
}
