package httpgin

import (
	"time"

	"github.com/kirinyoku/tixmint/internal/domain"
	"github.com/shopspring/decimal"
)

type PurchaseRequest struct {
	// Amount is the deposit in minor units.
	Amount     int64  `json:"amount" binding:"gte=0"`
	PaymentRef string `json:"payment_ref" binding:"max=255"`
}

type PurchaseResponse struct {
	TicketID         string           `json:"ticket_id"`
	ReservationIndex int64            `json:"reservation_index"`
	State            domain.SagaState `json:"state"`
	RequestedAt      time.Time        `json:"requested_at"`
}

type TicketTypeRequest struct {
	Name string `json:"type_name" binding:"required,ticketkey"`
	// Price is in major units, without the issuance fee.
	Price     decimal.Decimal `json:"price" swaggertype:"string" example:"12.50"`
	Supply    int64           `json:"supply" binding:"gte=0"`
	SaleStart *time.Time      `json:"sale_start"`
}

type CreateGameRequest struct {
	GameID      string              `json:"game_id" binding:"omitempty,ticketkey"`
	Title       string              `json:"title" binding:"required,max=200"`
	Description string              `json:"description"`
	Banner      string              `json:"banner" binding:"omitempty,url"`
	SaleStart   time.Time           `json:"sale_start" binding:"required"`
	TicketTypes []TicketTypeRequest `json:"ticket_types" binding:"dive"`
}

type EditTicketTypeRequest struct {
	Price     *decimal.Decimal `json:"price" swaggertype:"string"`
	Supply    *int64           `json:"supply" binding:"omitempty,gte=0"`
	SaleStart *time.Time       `json:"sale_start"`
}

type TransferRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required"`
}

type ApproveRequest struct {
	AccountID string `json:"account_id" binding:"required"`
}

type CompensateRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toPurchaseResponse(is *domain.Issuance) PurchaseResponse {
	return PurchaseResponse{
		TicketID:         is.TicketID,
		ReservationIndex: is.Index,
		State:            is.State,
		RequestedAt:      is.RequestedAt,
	}
}
