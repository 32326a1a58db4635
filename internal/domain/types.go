package domain

import (
	"fmt"
	"strings"
	"time"
)

// TicketIDSeparator joins game id, ticket type and reservation index.
const TicketIDSeparator = "."

type TicketStatus string

const (
	TicketPending     TicketStatus = "pending"
	TicketConfirmed   TicketStatus = "confirmed"
	TicketCompensated TicketStatus = "compensated"
)

type SagaState string

const (
	SagaIssueRequested SagaState = "issue_requested"
	SagaConfirmed      SagaState = "confirmed"
	SagaCompensating   SagaState = "compensating"
	SagaCompensated    SagaState = "compensated"
)

// Terminal reports whether no further transition is possible.
func (s SagaState) Terminal() bool {
	return s == SagaConfirmed || s == SagaCompensated
}

type Game struct {
	ID          string                `json:"game_id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Banner      string                `json:"banner"`
	SaleStart   time.Time             `json:"sale_start"`
	TicketTypes map[string]TicketType `json:"ticket_types"`
	CreatedAt   time.Time             `json:"created_at"`
}

type TicketType struct {
	GameID    string    `json:"game_id"`
	Name      string    `json:"type_name"`
	UnitPrice int64     `json:"unit_price"`
	Supply    int64     `json:"supply"`
	Sold      int64     `json:"sold"`
	NextIndex int64     `json:"next_index"`
	SaleStart time.Time `json:"sale_start"`
}

// Available is the number of units that can still be reserved.
func (t TicketType) Available() int64 {
	if t.Sold >= t.Supply {
		return 0
	}
	return t.Supply - t.Sold
}

// EffectiveSaleStart is the later of the game and ticket type start times.
func EffectiveSaleStart(game, ticketType time.Time) time.Time {
	if ticketType.After(game) {
		return ticketType
	}
	return game
}

type Ticket struct {
	ID       string       `json:"ticket_id"`
	GameID   string       `json:"game_id"`
	TypeName string       `json:"type_name"`
	IssuedAt time.Time    `json:"issued_at"`
	IsUsed   bool         `json:"is_used"`
	UsedAt   *time.Time   `json:"used_at,omitempty"`
	Status   TicketStatus `json:"status"`
}

// TicketView is a ticket resolved against its game and current owner.
type TicketView struct {
	Ticket
	Game  *Game  `json:"game,omitempty"`
	Owner string `json:"owner,omitempty"`
}

// Issuance is the persisted context of one purchase attempt between the
// issue request and its callback.
type Issuance struct {
	TicketID    string     `json:"ticket_id"`
	GameID      string     `json:"game_id"`
	TypeName    string     `json:"type_name"`
	Index       int64      `json:"reservation_index"`
	Buyer       string     `json:"buyer"`
	Amount      int64      `json:"amount"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
	State       SagaState  `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type Token struct {
	ID          string    `json:"token_id"`
	Owner       string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Approvals   []string  `json:"approved_account_ids,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
}

type Refund struct {
	TicketID  string    `json:"ticket_id"`
	To        string    `json:"to"`
	Amount    int64     `json:"amount"`
	Ref       string    `json:"ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TicketID derives the deterministic id of a reserved unit.
func TicketID(gameID, typeName string, index int64) string {
	return fmt.Sprintf("%s%s%s%s%d", gameID, TicketIDSeparator, typeName, TicketIDSeparator, index)
}

// ParseTicketID splits a ticket id into its game, type and index parts.
func ParseTicketID(id string) (gameID, typeName string, ok bool) {
	parts := strings.Split(id, TicketIDSeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ValidKey reports whether s can be used as a game id or ticket type name.
func ValidKey(s string) bool {
	return s != "" && !strings.Contains(s, TicketIDSeparator) && strings.TrimSpace(s) == s
}
