package matchstore

import (
	"time"

	"github.com/park285/digitpark-versus/internal/versus"
)

// Status represents the lifecycle of a stored match.
type Status string

const (
	StatusReady    Status = "ready"
	StatusFinished Status = "finished"
)

// QueueEntry is stored as JSON under mm:entry:<id> while a player waits.
type QueueEntry struct {
	ID         string            `json:"id"`
	Key        string            `json:"key"`
	PlayerID   string            `json:"player_id"`
	PlayerName string            `json:"player_name"`
	Modes      []versus.GameMode `json:"modes"`
	Cash       bool              `json:"cash"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// PlayerSlot is one side of a match record.
type PlayerSlot struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Time     float64 `json:"time"`
	Errors   int     `json:"errors"`
	Finished bool    `json:"finished"`
}

// Result converts a finished slot back into the domain value.
func (p PlayerSlot) Result() versus.PlayerResult {
	return versus.ResultFromScore(p.Score, p.Time, p.Errors)
}

// MatchRecord is the persisted pairing under mm:match:<id>.
// Player1 is the player who waited in the queue, Player2 the one who claimed.
type MatchRecord struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Modes     []versus.GameMode `json:"modes"`
	Cash      bool              `json:"cash"`
	Status    Status            `json:"status"`
	Player1   PlayerSlot        `json:"player1"`
	Player2   PlayerSlot        `json:"player2"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Slot returns the slot of playerID, or nil if the player is not in the match.
func (m *MatchRecord) Slot(playerID string) *PlayerSlot {
	switch playerID {
	case m.Player1.ID:
		return &m.Player1
	case m.Player2.ID:
		return &m.Player2
	}
	return nil
}

// Opponent returns the other slot, or nil if playerID is not in the match.
func (m *MatchRecord) Opponent(playerID string) *PlayerSlot {
	switch playerID {
	case m.Player1.ID:
		return &m.Player2
	case m.Player2.ID:
		return &m.Player1
	}
	return nil
}

// ResultEvent is published on mm:match:<id>:events when a player reports.
type ResultEvent struct {
	MatchID  string  `json:"match_id"`
	PlayerID string  `json:"player_id"`
	Score    float64 `json:"score"`
	Time     float64 `json:"time"`
	Errors   int     `json:"errors"`
}

// Errors
var (
	ErrInvalidArgs     = errf("invalid arguments")
	ErrMatchGone       = errf("match not found or expired")
	ErrNotParticipant  = errf("player is not part of this match")
	ErrAlreadyReported = errf("player already reported a result")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }
