package versus

import (
	"math"
	"strings"
)

// Times closer than this fraction of the larger magnitude count as equal.
const timeTolerance = 1e-6

// approxEqual mirrors the engine's float comparison: relative tolerance with a
// tiny absolute floor so that 0 == 0.
func approxEqual(a, b float64) bool {
	diff := math.Abs(b - a)
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff < math.Max(timeTolerance*scale, 1e-12)
}

// Resolve decides the match. Strictly lower total time wins; when the times are
// approximately equal, strictly fewer errors wins; equal on both is a draw.
func Resolve(matchID string, local, remote PlayerResult) MatchOutcome {
	out := MatchOutcome{MatchID: strings.TrimSpace(matchID), Local: local, Remote: remote}
	switch {
	case approxEqual(local.TotalTime, remote.TotalTime):
		switch {
		case local.Errors < remote.Errors:
			out.Winner, out.Reason = SideLocal, ReasonErrors
		case remote.Errors < local.Errors:
			out.Winner, out.Reason = SideRemote, ReasonErrors
		default:
			out.Winner, out.Reason = SideNone, ReasonDraw
		}
	case local.TotalTime < remote.TotalTime:
		out.Winner, out.Reason = SideLocal, ReasonTime
	default:
		out.Winner, out.Reason = SideRemote, ReasonTime
	}
	return out
}

// Forfeit is the outcome when the opponent never reported a result in time.
func Forfeit(matchID string, local PlayerResult) MatchOutcome {
	return MatchOutcome{
		MatchID: strings.TrimSpace(matchID),
		Winner:  SideLocal,
		Reason:  ReasonForfeit,
		Local:   local,
	}
}
