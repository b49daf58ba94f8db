package versusdto

type EventType string

const (
	EventMatchFound     EventType = "match_found"
	EventMatchFailed    EventType = "match_failed"
	EventOpponentResult EventType = "opponent_result"
)

// Event is a frame pushed by the backend over the WebSocket.
type Event struct {
	Type       EventType `json:"type"`
	TicketID   string    `json:"ticket_id,omitempty"`
	MatchID    string    `json:"match_id,omitempty"`
	OpponentID string    `json:"opponent_id,omitempty"`
	PlayerID   string    `json:"player_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Score      float64   `json:"score,omitempty"`
	Time       float64   `json:"time,omitempty"`
	Errors     int       `json:"errors,omitempty"`
}

type FrameType string

const (
	FrameWatchMatch   FrameType = "watch_match"
	FrameUnwatchMatch FrameType = "unwatch_match"
)

// Frame is sent by the client over the WebSocket.
type Frame struct {
	Type    FrameType `json:"type"`
	MatchID string    `json:"match_id"`
}
