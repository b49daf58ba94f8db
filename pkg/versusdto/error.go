package versusdto

// DomainError is the error body returned by the matchmaking backend.
type DomainError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "matchmaking service error"
}

// Error codes used by the backend.
const (
	CodeTicketUnknown  = "ticket_unknown"
	CodeMatchUnknown   = "match_unknown"
	CodeNotParticipant = "not_participant"
	CodeAlreadyDone    = "already_reported"
	CodeInvalidRequest = "invalid_request"
)
