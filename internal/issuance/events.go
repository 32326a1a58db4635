package issuance

import (
	"time"

	"github.com/google/uuid"
)

type EventHeader struct {
	ID          string `json:"id"`
	PublishedAt string `json:"published_at"`
}

func NewEventHeader() EventHeader {
	return EventHeader{
		ID:          uuid.NewString(),
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// IssuanceRequested asks the registry to mint TicketID to Owner.
type IssuanceRequested struct {
	Header EventHeader `json:"header"`

	TicketID string `json:"ticket_id"`
	Owner    string `json:"owner"`
	GameID   string `json:"game_id"`
	TypeName string `json:"type_name"`
}

// IssuanceResolved carries the outcome of a mint back to the sale saga.
type IssuanceResolved struct {
	Header EventHeader `json:"header"`

	TicketID string `json:"ticket_id"`
	Success  bool   `json:"success"`
	Reason   string `json:"reason,omitempty"`
}
