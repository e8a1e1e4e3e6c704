package main

import (
	"context"
	"encoding/json"
)

// Eventos publicados por el servicio
const (
	RKOrderCreated = "order.created"
)

type OrderCreatedPayload struct {
	OrderID       string         `json:"order_id"`
	CustomerEmail string         `json:"customer_email"`
	Items         []OrderItemEvt `json:"items"`
	TotalCents    int64          `json:"total_cents"`
	CreatedUnix   int64          `json:"created_unix"`
}

type OrderItemEvt struct {
	BookID    int64  `json:"book_id"`
	Title     string `json:"title"`
	Qty       int32  `json:"qty"`
	UnitCents int64  `json:"unit_cents"`
	LineCents int64  `json:"line_cents"`
}

type Events interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

func orderCreatedPayload(o *Order) OrderCreatedPayload {
	items := make([]OrderItemEvt, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, OrderItemEvt{
			BookID:    it.BookID,
			Title:     it.Title,
			Qty:       it.Quantity,
			UnitCents: int64(it.Price),
			LineCents: int64(it.Subtotal),
		})
	}
	return OrderCreatedPayload{
		OrderID:       o.ID,
		CustomerEmail: o.CustomerEmail,
		Items:         items,
		TotalCents:    int64(o.TotalAmount),
		CreatedUnix:   o.OrderDate.Unix(),
	}
}

func publishJSON(ctx context.Context, ev Events, key string, v any) error {
	if ev == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ev.Publish(ctx, key, body)
}
