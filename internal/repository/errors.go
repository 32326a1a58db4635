package repository

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSoldOut         = errors.New("sold out")
	ErrSaleNotStarted  = errors.New("sale not started")
	ErrStaleState      = errors.New("state changed concurrently")
	ErrAlreadyUsed     = errors.New("already used")
	ErrSupplyBelowSold = errors.New("supply below sold")
	ErrContention      = errors.New("transaction aborted by concurrent writers")
)
