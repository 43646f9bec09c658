package store

import "errors"

var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrDuplicateOrder     = errors.New("order number already exists")
	ErrStatusConflict     = errors.New("order state changed concurrently")
	ErrAccountNotFound    = errors.New("wallet account not found")
	ErrReferenceConflict  = errors.New("wallet transaction reference already used by a non-completed transaction")
	errNilOrder           = errors.New("store: nil order")
	errNilTransaction     = errors.New("store: nil wallet transaction")
	errMissingTransaction = errors.New("store: wallet transaction conflict without existing row")
)
