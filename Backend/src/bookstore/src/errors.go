package main

import (
	"context"
	"errors"
	"fmt"
)

type ErrInvalidInput struct {
	Field  string
	Reason string
}

func (e ErrInvalidInput) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type ErrBookNotFound struct{ BookID int64 }

func (e ErrBookNotFound) Error() string {
	return fmt.Sprintf("Book with ID %d not found", e.BookID)
}

type ErrInsufficientStock struct {
	BookID    int64
	Title     string
	Requested int32
	Available int32
}

func (e ErrInsufficientStock) Error() string {
	return fmt.Sprintf("Insufficient stock for %s (book %d). Requested: %d, Available: %d",
		e.Title, e.BookID, e.Requested, e.Available)
}

// ErrStockChanged: la validación pasó pero el decremento condicional falló al confirmar.
// Available es -1 cuando no se pudo releer el stock.
type ErrStockChanged struct {
	BookID    int64
	Title     string
	Requested int32
	Available int32
}

func (e ErrStockChanged) Error() string {
	if e.Available < 0 {
		return fmt.Sprintf("Stock for %s (book %d) changed during checkout. Requested: %d",
			e.Title, e.BookID, e.Requested)
	}
	return fmt.Sprintf("Stock for %s (book %d) changed during checkout. Requested: %d, Available: %d",
		e.Title, e.BookID, e.Requested, e.Available)
}

type ErrPersistence struct {
	Op  string
	Err error
}

func (e ErrPersistence) Error() string { return e.Op + ": " + e.Err.Error() }
func (e ErrPersistence) Unwrap() error { return e.Err }

// ErrCheckoutAborted envuelve la cancelación o el timeout impuesto por quien llama.
type ErrCheckoutAborted struct{ Err error }

func (e ErrCheckoutAborted) Error() string { return "checkout aborted: " + e.Err.Error() }
func (e ErrCheckoutAborted) Unwrap() error { return e.Err }

var (
	ErrOrderNotFound     = errors.New("order not found")
	errDuplicateIdemKey  = errors.New("idempotency key already used")
	errIllegalTransition = errors.New("illegal checkout state transition")
)

// persistence envuelve errores de almacenamiento; los de contexto pasan a ErrCheckoutAborted.
func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errDuplicateIdemKey) {
		return err
	}
	var aborted ErrCheckoutAborted
	if errors.As(err, &aborted) {
		return err
	}
	if isContextErr(err) {
		return ErrCheckoutAborted{Err: err}
	}
	return ErrPersistence{Op: op, Err: err}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
