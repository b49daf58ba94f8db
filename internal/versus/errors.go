package versus

import "errors"

var (
	ErrInvalidRequest   = errors.New("invalid match request")
	ErrInvalidResult    = errors.New("invalid player result")
	ErrInvalidMatch     = errors.New("invalid match id")
	ErrSearchActive     = errors.New("a search is already in progress")
	ErrNoSession        = errors.New("no matchmaking session")
	ErrNotCancellable   = errors.New("session already finished")
	ErrNotInProgress    = errors.New("match is not in progress")
	ErrAlreadySubmitted = errors.New("result already submitted for match")
	ErrClosed           = errors.New("closed")
)
