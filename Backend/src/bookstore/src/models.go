package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Money son centavos. En JSON viaja como número con dos decimales (3600.00).
type Money int64

func (m Money) String() string {
	sign := ""
	if m < 0 {
		sign, m = "-", -m
	}
	return fmt.Sprintf("%s%d.%02d", sign, int64(m)/100, int64(m)%100)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil {
		return fmt.Errorf("money: %w", err)
	}
	*m = Money(math.Round(f * 100))
	return nil
}

// Book es una entrada del catálogo. BookID es el identificador de negocio,
// distinto del id que asigna el almacenamiento.
type Book struct {
	BookID        int64     `json:"book_id"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Price         Money     `json:"price"`
	CoverImageURL string    `json:"cover_image_url"`
	StockQuantity int32     `json:"stock_quantity"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CartLineRequest llega del cliente; no trae precio ni autoridad sobre el stock.
type CartLineRequest struct {
	BookID   int64 `json:"book_id"`
	Quantity int32 `json:"quantity"`
}

type OrderStatus string

const OrderStatusAccepted OrderStatus = "accepted"

// OrderLineItem congela título, autor y precio al momento de la compra.
type OrderLineItem struct {
	BookID   int64  `json:"book_id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Price    Money  `json:"price"`
	Quantity int32  `json:"quantity"`
	Subtotal Money  `json:"subtotal"`
}

type Order struct {
	ID             string          `json:"id"`
	CustomerName   string          `json:"customerName"`
	CustomerEmail  string          `json:"customerEmail"`
	Items          []OrderLineItem `json:"items"`
	TotalAmount    Money           `json:"totalAmount"`
	OrderDate      time.Time       `json:"orderDate"`
	Status         OrderStatus     `json:"status"`
	IdempotencyKey string          `json:"-"`
}

// StockDecrement es la escritura condicional que acompaña a una línea del plan.
type StockDecrement struct {
	BookID   int64
	Title    string
	Quantity int32
}

// CommitPlan is a validated, priced checkout ready for the committer. Items and
// Decrements are index-aligned.
type CommitPlan struct {
	CustomerName   string
	CustomerEmail  string
	Items          []OrderLineItem
	Decrements     []StockDecrement
	Total          Money
	IdempotencyKey string
}

func (p *CommitPlan) newOrder(now time.Time) *Order {
	items := make([]OrderLineItem, len(p.Items))
	copy(items, p.Items)
	return &Order{
		CustomerName:   p.CustomerName,
		CustomerEmail:  p.CustomerEmail,
		Items:          items,
		TotalAmount:    p.Total,
		OrderDate:      now.UTC(),
		Status:         OrderStatusAccepted,
		IdempotencyKey: p.IdempotencyKey,
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
