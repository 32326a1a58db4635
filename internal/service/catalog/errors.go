package catalog

import (
	"errors"
)

var (
	ErrGameNotFound       = errors.New("game not found")
	ErrTicketTypeNotFound = errors.New("ticket type not found")
	ErrGameConflict       = errors.New("game already exists")
	ErrTicketTypeConflict = errors.New("ticket type already exists")
	ErrUnauthorized       = errors.New("caller is not the operator")
	ErrInvalidInput       = errors.New("invalid catalog input")
	ErrSupplyBelowSold    = errors.New("supply cannot drop below units sold")
)
