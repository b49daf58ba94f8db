package versuspresenter

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/park285/digitpark-versus/internal/msgcat"
	"github.com/park285/digitpark-versus/internal/versus"
)

// Formatter renders lifecycle events into player-facing text.
// Every text has a built-in English fallback when the catalog lacks it.
type Formatter struct {
	cat *msgcat.Catalog
}

func NewFormatter(cat *msgcat.Catalog) *Formatter {
	return &Formatter{cat: cat}
}

func (f *Formatter) render(key string, data map[string]any, fallback string) string {
	if f == nil {
		return fallback
	}
	return f.cat.RenderOr(key, data, fallback)
}

// SearchStatus shows the elapsed search time, and the limit when one is set.
func (f *Formatter) SearchStatus(elapsed, limit time.Duration) string {
	e := clock(elapsed)
	if limit <= 0 {
		return f.render("search.status", map[string]any{"Elapsed": e}, "Searching... "+e)
	}
	l := clock(limit)
	return f.render("search.status_limit", map[string]any{"Elapsed": e, "Limit": l}, "Searching... "+e+" / "+l)
}

func (f *Formatter) Found(opponent string, games int) string {
	if games > 1 {
		return f.render("match.found_sprint", map[string]any{"Opponent": opponent, "Games": games},
			fmt.Sprintf("Opponent: %s (%d games)", opponent, games))
	}
	return f.render("match.found", map[string]any{"Opponent": opponent}, "Opponent: "+opponent)
}

// Countdown renders n > 0 as the number and 0 as the go signal.
func (f *Formatter) Countdown(n int) string {
	if n <= 0 {
		return f.render("match.go", nil, "GO!")
	}
	return f.render("match.countdown", map[string]any{"N": n}, fmt.Sprint(n))
}

func (f *Formatter) Start(s versus.MatchStart) string {
	return f.render("match.start", map[string]any{"MatchID": s.MatchID}, "Match started.")
}

func (f *Formatter) Failure(fl versus.Failure) string {
	switch fl.Kind {
	case versus.FailureCancelled:
		return f.render("search.cancelled", nil, "Search cancelled.")
	case versus.FailureTimedOut:
		return f.render("search.timed_out", nil, "No opponent found.")
	default:
		reason := strings.TrimSpace(fl.Reason)
		return f.render("search.failed", map[string]any{"Reason": reason}, "Matchmaking failed: "+reason)
	}
}

func (f *Formatter) Waiting() string {
	return f.render("result.waiting", nil, "Waiting for opponent...")
}

func (f *Formatter) Result(label string, r versus.PlayerResult) string {
	data := map[string]any{
		"Label":  label,
		"Time":   seconds(r.TotalTime),
		"Errors": r.Errors,
		"Final":  seconds(r.FinalScore()),
	}
	return f.render("result.line", data, fmt.Sprintf("%s: %s", label, r.String()))
}

// Outcome renders the headline followed by both result lines. A forfeit has no
// opponent line.
func (f *Formatter) Outcome(o versus.MatchOutcome) string {
	var sb strings.Builder
	sb.WriteString(f.headline(o))
	sb.WriteString("\n")
	sb.WriteString(f.Result("You", o.Local))
	if o.Reason != versus.ReasonForfeit {
		sb.WriteString("\n")
		sb.WriteString(f.Result("Opponent", o.Remote))
	}
	return sb.String()
}

func (f *Formatter) headline(o versus.MatchOutcome) string {
	if o.Draw() {
		return f.render("outcome.draw", nil, "Draw!")
	}
	side := "loss"
	if o.LocalWon() {
		side = "win"
	}
	data := map[string]any{
		"Margin":       seconds(math.Abs(o.Local.TotalTime - o.Remote.TotalTime)),
		"LocalErrors":  o.Local.Errors,
		"RemoteErrors": o.Remote.Errors,
	}
	fallback := "You lose."
	if o.LocalWon() {
		fallback = "You win!"
	}
	return f.render("outcome."+side+"."+string(o.Reason), data, fallback)
}

func clock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func seconds(v float64) string {
	return fmt.Sprintf("%.2f", v)
}
