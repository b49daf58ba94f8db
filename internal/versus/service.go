package versus

import (
	"context"
	"time"
)

// FoundFunc receives the pairing made by the backend.
type FoundFunc func(matchID, opponentID string)

// FailedFunc receives a hard matchmaking failure. The reason is user-presentable.
type FailedFunc func(reason string)

// ResultFunc receives the opponent's submitted result.
type ResultFunc func(result PlayerResult)

// Service is the backend collaborator that pairs players and relays results.
//
// Implementations call FoundFunc, FailedFunc and ResultFunc from their own
// goroutines, never synchronously from inside the method that registered them.
// Each search calls at most one of onFound/onFailed.
type Service interface {
	FindMatch(ctx context.Context, mode GameMode, cash bool, onFound FoundFunc, onFailed FailedFunc) error
	FindSprintMatch(ctx context.Context, modes []GameMode, onFound FoundFunc, onFailed FailedFunc) error
	// CancelMatchmaking withdraws the outstanding search. Best effort: a match
	// may still be reported afterwards.
	CancelMatchmaking(ctx context.Context) error
	SubmitMatchResult(ctx context.Context, matchID string, result PlayerResult) error
	// ListenForOpponentResult registers a listener that outlives ctx; ctx only
	// bounds the registration. The returned stop func releases the listener.
	ListenForOpponentResult(ctx context.Context, matchID string, onResult ResultFunc) (stop func(), err error)
}

// Metrics receives lifecycle measurements. The zero-cost default discards them.
type Metrics interface {
	ObserveSearch(result string, elapsed time.Duration)
	ObserveOutcome(reason OutcomeReason, winner Side)
	IncStaleCallback(kind string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveSearch(string, time.Duration) {}
func (nopMetrics) ObserveOutcome(OutcomeReason, Side)  {}
func (nopMetrics) IncStaleCallback(string)             {}

// OutcomeObserver is notified once per resolved match, before the caller's callback.
type OutcomeObserver interface {
	OutcomeResolved(outcome MatchOutcome)
}
