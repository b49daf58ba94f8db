package versus

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// GameMode identifies a minigame that can be played online.
type GameMode string

const (
	DigitRush   GameMode = "DigitRush"
	MemoryPairs GameMode = "MemoryPairs"
	QuickMath   GameMode = "QuickMath"
	FlashTap    GameMode = "FlashTap"
	OddOneOut   GameMode = "OddOneOut"
)

var allModes = []GameMode{DigitRush, MemoryPairs, QuickMath, FlashTap, OddOneOut}

// Modes returns every known game mode in menu order.
func Modes() []GameMode { return append([]GameMode(nil), allModes...) }

// ParseGameMode accepts the canonical name case-insensitively ("digitrush", "DigitRush").
func ParseGameMode(s string) (GameMode, error) {
	v := strings.TrimSpace(s)
	for _, m := range allModes {
		if strings.EqualFold(string(m), v) {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown game mode %q", ErrInvalidRequest, s)
}

func (g GameMode) Valid() bool {
	for _, m := range allModes {
		if m == g {
			return true
		}
	}
	return false
}

func (g GameMode) String() string { return string(g) }

// ModeKey names the matchmaking queue for a single-game request.
func ModeKey(mode GameMode, cash bool) string {
	if cash {
		return string(mode) + ":cash"
	}
	return string(mode)
}

// SprintKey names the queue for an ordered multi-game request.
// Order matters: [A B] and [B A] are different sprints.
func SprintKey(modes []GameMode) string {
	parts := make([]string, 0, len(modes))
	for _, m := range modes {
		parts = append(parts, string(m))
	}
	return "sprint:" + strings.Join(parts, "_")
}

// MatchRequest describes the match being sought. Treat it as a value: the
// constructors copy the mode list.
type MatchRequest struct {
	Mode   GameMode
	Sprint bool
	Modes  []GameMode
	Cash   bool
}

func NewMatchRequest(mode GameMode, cash bool) MatchRequest {
	return MatchRequest{Mode: mode, Cash: cash}
}

func NewSprintRequest(modes ...GameMode) MatchRequest {
	req := MatchRequest{Sprint: true, Modes: append([]GameMode(nil), modes...)}
	if len(modes) > 0 {
		req.Mode = modes[0]
	}
	return req
}

func (r MatchRequest) Validate() error {
	if !r.Sprint {
		if !r.Mode.Valid() {
			return fmt.Errorf("%w: game mode %q", ErrInvalidRequest, r.Mode)
		}
		return nil
	}
	if len(r.Modes) == 0 {
		return fmt.Errorf("%w: sprint needs at least one game", ErrInvalidRequest)
	}
	if r.Cash {
		return fmt.Errorf("%w: sprint matches cannot carry stakes", ErrInvalidRequest)
	}
	for _, m := range r.Modes {
		if !m.Valid() {
			return fmt.Errorf("%w: sprint game mode %q", ErrInvalidRequest, m)
		}
	}
	return nil
}

// GameModes returns the ordered games of the match (a single entry outside sprint mode).
func (r MatchRequest) GameModes() []GameMode {
	if r.Sprint {
		return append([]GameMode(nil), r.Modes...)
	}
	return []GameMode{r.Mode}
}

// Key is the queue key the request is matched under.
func (r MatchRequest) Key() string {
	if r.Sprint {
		return SprintKey(r.Modes)
	}
	return ModeKey(r.Mode, r.Cash)
}

// SessionState is the lifecycle of one search attempt.
type SessionState int

const (
	StateIdle SessionState = iota
	StateSearching
	StateMatchFound
	StateCountdown
	StateInProgress
	StateCompleted
	StateCancelled
	StateTimedOut
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSearching:
		return "SEARCHING"
	case StateMatchFound:
		return "MATCH_FOUND"
	case StateCountdown:
		return "COUNTDOWN"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateCompleted:
		return "COMPLETED"
	case StateCancelled:
		return "CANCELLED"
	case StateTimedOut:
		return "TIMED_OUT"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateTimedOut
}

// Pending reports whether the session still waits on matchmaking or the countdown.
func (s SessionState) Pending() bool {
	return s == StateSearching || s == StateMatchFound || s == StateCountdown
}

// rank orders states for the forward-only rule; terminal states share the top rank.
func (s SessionState) rank() int {
	if s.Terminal() {
		return int(StateCompleted)
	}
	return int(s)
}

// Session is a snapshot of the coordinator's current search attempt.
type Session struct {
	Generation uint64
	State      SessionState
	Request    MatchRequest
	StartedAt  time.Time
	Elapsed    time.Duration
	MatchID    string
	OpponentID string
}

func (s Session) clone() Session {
	s.Request.Modes = append([]GameMode(nil), s.Request.Modes...)
	return s
}

// FailureKind classifies why a search ended without a match.
type FailureKind string

const (
	FailureTimedOut  FailureKind = "timed_out"
	FailureCancelled FailureKind = "cancelled"
	FailureBackend   FailureKind = "backend"
)

// Failure is delivered when a session ends in Cancelled or TimedOut.
// Reason is passed through verbatim for backend failures.
type Failure struct {
	Kind       FailureKind
	Reason     string
	Generation uint64
	Elapsed    time.Duration
}

// MatchStart tells the game session to begin playing.
type MatchStart struct {
	MatchID    string
	OpponentID string
	Modes      []GameMode
	Cash       bool
	Generation uint64
}

// PlayerResult is one side's outcome. Lower is better for every field.
type PlayerResult struct {
	TotalTime float64 // seconds
	Errors    int
	Penalty   float64 // seconds added for errors
}

// ResultFromScore rebuilds a result from the backend's (score, time) pair.
// The penalty is whatever the score adds on top of the raw time.
func ResultFromScore(score, totalTime float64, errors int) PlayerResult {
	penalty := score - totalTime
	if penalty < 0 || math.IsNaN(penalty) {
		penalty = 0
	}
	return PlayerResult{TotalTime: totalTime, Errors: errors, Penalty: penalty}
}

func (p PlayerResult) FinalScore() float64 { return p.TotalTime + p.Penalty }

func (p PlayerResult) Validate() error {
	switch {
	case math.IsNaN(p.TotalTime) || math.IsInf(p.TotalTime, 0) || p.TotalTime < 0:
		return fmt.Errorf("%w: total time %v", ErrInvalidResult, p.TotalTime)
	case p.Errors < 0:
		return fmt.Errorf("%w: errors %d", ErrInvalidResult, p.Errors)
	case math.IsNaN(p.Penalty) || math.IsInf(p.Penalty, 0) || p.Penalty < 0:
		return fmt.Errorf("%w: penalty %v", ErrInvalidResult, p.Penalty)
	}
	return nil
}

func (p PlayerResult) String() string {
	return fmt.Sprintf("time=%.2fs errors=%d final=%.2fs", p.TotalTime, p.Errors, p.FinalScore())
}

// Side names a participant from the local player's point of view.
type Side int

const (
	SideNone Side = iota
	SideLocal
	SideRemote
)

func (s Side) String() string {
	switch s {
	case SideLocal:
		return "local"
	case SideRemote:
		return "remote"
	default:
		return "none"
	}
}

// OutcomeReason records which rule decided the match.
type OutcomeReason string

const (
	ReasonTime    OutcomeReason = "time"
	ReasonErrors  OutcomeReason = "errors"
	ReasonDraw    OutcomeReason = "draw"
	ReasonForfeit OutcomeReason = "opponent_forfeit"
)

// MatchOutcome is the resolved comparison of both results.
type MatchOutcome struct {
	MatchID    string
	Winner     Side
	Reason     OutcomeReason
	Local      PlayerResult
	Remote     PlayerResult
	ResolvedAt time.Time
}

func (o MatchOutcome) LocalWon() bool { return o.Winner == SideLocal }
func (o MatchOutcome) Draw() bool     { return o.Winner == SideNone }
