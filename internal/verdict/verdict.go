// Package verdict classifies the readiness probe's textual output into
// the small closed verdict set. The assistant ends its output with a
// verdict token; the last recognizable token wins.
package verdict

import (
	"strings"

	"github.com/lltools/ll/pkg/models"
)

// Classify scans output for a verdict token. It walks lines from the end
// so a final summary line overrides earlier mentions. Output with no
// recognizable token classifies as unknown.
func Classify(output string) models.Verdict {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if v, ok := classifyLine(lines[i]); ok {
			return v
		}
	}
	return models.VerdictUnknown
}

func classifyLine(line string) (models.Verdict, bool) {
	upper := strings.ToUpper(line)

	// NOT READY must be checked before READY, which it contains.
	switch {
	case strings.Contains(upper, "NOT READY") || strings.Contains(upper, "NOT_READY"):
		return models.VerdictNotReady, true
	case strings.Contains(upper, "CORRECTED"):
		return models.VerdictCorrected, true
	case strings.Contains(upper, "READY"):
		return models.VerdictReady, true
	case strings.Contains(upper, "CLOSE"):
		return models.VerdictClose, true
	}
	return models.VerdictUnknown, false
}
