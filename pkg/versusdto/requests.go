package versusdto

// TicketRequest opens a matchmaking ticket. The client picks TicketID so push
// events for it can be routed before the HTTP response arrives.
type TicketRequest struct {
	TicketID   string   `json:"ticket_id"`
	PlayerID   string   `json:"player_id"`
	PlayerName string   `json:"player_name"`
	Modes      []string `json:"modes"`
	Sprint     bool     `json:"sprint"`
	Cash       bool     `json:"cash"`
}

type TicketStatus string

const (
	TicketQueued  TicketStatus = "queued"
	TicketMatched TicketStatus = "matched"
)

type TicketResponse struct {
	TicketID   string       `json:"ticket_id"`
	Status     TicketStatus `json:"status"`
	MatchID    string       `json:"match_id,omitempty"`
	OpponentID string       `json:"opponent_id,omitempty"`
}

type CancelTicketRequest struct {
	TicketID string `json:"ticket_id"`
	PlayerID string `json:"player_id"`
}

// ResultRequest reports one player's result. Score is time plus penalty.
type ResultRequest struct {
	PlayerID string  `json:"player_id"`
	Score    float64 `json:"score"`
	Time     float64 `json:"time"`
	Errors   int     `json:"errors"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
