package proc

import (
	"fmt"
	"strings"
)

// startupErrorIndicators are substrings that mark startup output as a
// failure regardless of what else the server printed. Matching is
// case-insensitive. Kept as a table so classification is testable on
// its own.
var startupErrorIndicators = []string{
	"error:",
	"failed to",
	"permission denied",
	"module not found",
	"enoent",
	"connection refused",
	"access denied",
	"timeout",
}

type startupVerdict int

const (
	// verdictPending means no indicator matched yet and the child is
	// still alive: keep collecting output.
	verdictPending startupVerdict = iota
	verdictSuccess
	verdictStdioMode
	verdictFailure
)

// startupClassification is the outcome of matching collected startup
// output against the server's indicators.
type startupClassification struct {
	Verdict startupVerdict
	Matched string
	Reason  string
}

// matchAny returns the first indicator found in any line, case-insensitive.
func matchAny(lines []string, indicators []string) (string, bool) {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, ind := range indicators {
			if strings.Contains(lower, strings.ToLower(ind)) {
				return ind, true
			}
		}
	}
	return "", false
}

// classifyStartup decides what collected startup output means, in
// priority order:
//
//  1. A configured success indicator anywhere → success.
//  2. An error indicator anywhere → failure.
//  3. Child already exited with code 0 → stdio mode. Such servers are
//     designed to exit and be re-spawned per session.
//  4. Child exited non-zero → failure.
//  5. Child alive → pending; the caller treats pending after the final
//     window as success (no news is good news).
func classifyStartup(lines []string, successIndicators []string, exited bool, exitCode int) startupClassification {
	if ind, ok := matchAny(lines, successIndicators); ok {
		return startupClassification{
			Verdict: verdictSuccess,
			Matched: ind,
			Reason:  fmt.Sprintf("matched success indicator %q", ind),
		}
	}
	if ind, ok := matchAny(lines, startupErrorIndicators); ok {
		return startupClassification{
			Verdict: verdictFailure,
			Matched: ind,
			Reason:  fmt.Sprintf("startup output matched error indicator %q", ind),
		}
	}
	if exited {
		if exitCode == 0 {
			return startupClassification{
				Verdict: verdictStdioMode,
				Reason:  "exited cleanly, treating as stdio-mode server",
			}
		}
		return startupClassification{
			Verdict: verdictFailure,
			Reason:  fmt.Sprintf("exited with code %d during startup", exitCode),
		}
	}
	return startupClassification{Verdict: verdictPending}
}
