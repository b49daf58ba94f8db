package history

import (
	"context"
	"errors"
	"time"

	"github.com/park285/digitpark-versus/internal/versus"
)

var ErrInvalidEntry = errors.New("history entry needs match and player ids")

// Verdict is the match result from the recording player's side.
type Verdict string

const (
	VerdictWin  Verdict = "win"
	VerdictLoss Verdict = "loss"
	VerdictDraw Verdict = "draw"
)

// Entry is one resolved match as seen by one player.
type Entry struct {
	MatchID    string
	PlayerID   string
	OpponentID string
	Modes      []string
	Cash       bool

	Verdict Verdict
	Reason  string

	LocalTime    float64
	LocalErrors  int
	LocalScore   float64
	RemoteTime   float64
	RemoteErrors int
	RemoteScore  float64
	// Forfeit entries carry no opponent result.
	RemoteMissing bool

	ResolvedAt time.Time
}

// Summary counts a player's verdicts.
type Summary struct {
	Wins   int
	Losses int
	Draws  int
}

func (s Summary) Played() int { return s.Wins + s.Losses + s.Draws }

type Repository interface {
	// SaveOutcome is idempotent per (match, player).
	SaveOutcome(ctx context.Context, e Entry) error
	// RecentByPlayer returns the newest entries first.
	RecentByPlayer(ctx context.Context, playerID string, limit int) ([]Entry, error)
	Summary(ctx context.Context, playerID string) (Summary, error)
	Close() error
}

// EntryFrom builds the history row for a resolved outcome.
func EntryFrom(playerID string, start versus.MatchStart, o versus.MatchOutcome) Entry {
	e := Entry{
		MatchID:      o.MatchID,
		PlayerID:     playerID,
		OpponentID:   start.OpponentID,
		Cash:         start.Cash,
		Reason:       string(o.Reason),
		LocalTime:    o.Local.TotalTime,
		LocalErrors:  o.Local.Errors,
		LocalScore:   o.Local.FinalScore(),
		RemoteTime:   o.Remote.TotalTime,
		RemoteErrors: o.Remote.Errors,
		RemoteScore:  o.Remote.FinalScore(),
		ResolvedAt:   o.ResolvedAt,
	}
	for _, m := range start.Modes {
		e.Modes = append(e.Modes, string(m))
	}
	switch o.Winner {
	case versus.SideLocal:
		e.Verdict = VerdictWin
	case versus.SideRemote:
		e.Verdict = VerdictLoss
	default:
		e.Verdict = VerdictDraw
	}
	if o.Reason == versus.ReasonForfeit {
		e.RemoteMissing = true
		e.RemoteTime, e.RemoteErrors, e.RemoteScore = 0, 0, 0
	}
	return e
}
