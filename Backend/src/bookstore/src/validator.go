package main

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Mismo patrón que usa el carrito del frontend.
var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

type CheckoutRequest struct {
	CustomerName  string            `json:"customerName"`
	CustomerEmail string            `json:"customerEmail"`
	CartItems     []CartLineRequest `json:"cartItems"`
}

type bookReader interface {
	GetBook(ctx context.Context, bookID int64) (*Book, error)
}

// Validator turns a cart snapshot into a CommitPlan priced from the catalog. It
// never writes.
type Validator struct {
	books bookReader
}

func NewValidator(books bookReader) *Validator { return &Validator{books: books} }

// normalizeRequest rechaza la entrada mal formada sin tocar el almacenamiento.
func normalizeRequest(req CheckoutRequest) (name, email string, err error) {
	name = strings.TrimSpace(req.CustomerName)
	if name == "" {
		return "", "", ErrInvalidInput{Field: "customerName", Reason: "is required"}
	}
	email = strings.ToLower(strings.TrimSpace(req.CustomerEmail))
	if email == "" {
		return "", "", ErrInvalidInput{Field: "customerEmail", Reason: "is required"}
	}
	if !emailRe.MatchString(email) {
		return "", "", ErrInvalidInput{Field: "customerEmail", Reason: "must look like local@domain.tld"}
	}
	if len(req.CartItems) == 0 {
		return "", "", ErrInvalidInput{Field: "cartItems", Reason: "must not be empty"}
	}
	for i, line := range req.CartItems {
		if line.Quantity <= 0 {
			return "", "", ErrInvalidInput{Field: cartField(i, "quantity"), Reason: "must be a positive integer"}
		}
	}
	return name, email, nil
}

func cartField(i int, name string) string {
	return "cartItems[" + strconv.Itoa(i) + "]." + name
}

// Validate lee cada libro una sola vez, de modo que las líneas repetidas se
// comparan contra el mismo stock y contra la cantidad acumulada.
func (v *Validator) Validate(ctx context.Context, req CheckoutRequest) (*CommitPlan, error) {
	name, email, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	plan := &CommitPlan{
		CustomerName:  name,
		CustomerEmail: email,
		Items:         make([]OrderLineItem, 0, len(req.CartItems)),
		Decrements:    make([]StockDecrement, 0, len(req.CartItems)),
	}
	seen := make(map[int64]*Book, len(req.CartItems))
	wanted := make(map[int64]int64, len(req.CartItems))

	for _, line := range req.CartItems {
		book, ok := seen[line.BookID]
		if !ok {
			book, err = v.books.GetBook(ctx, line.BookID)
			if err != nil {
				return nil, err
			}
			seen[line.BookID] = book
		}

		wanted[book.BookID] += int64(line.Quantity)
		if wanted[book.BookID] > int64(book.StockQuantity) {
			return nil, ErrInsufficientStock{
				BookID:    book.BookID,
				Title:     book.Title,
				Requested: clampInt32(wanted[book.BookID]),
				Available: book.StockQuantity,
			}
		}

		subtotal := book.Price * Money(line.Quantity)
		plan.Items = append(plan.Items, OrderLineItem{
			BookID:   book.BookID,
			Title:    book.Title,
			Author:   book.Author,
			Price:    book.Price,
			Quantity: line.Quantity,
			Subtotal: subtotal,
		})
		plan.Decrements = append(plan.Decrements, StockDecrement{
			BookID:   book.BookID,
			Title:    book.Title,
			Quantity: line.Quantity,
		})
		plan.Total += subtotal
	}
	return plan, nil
}

func clampInt32(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}
