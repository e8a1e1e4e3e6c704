package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type txRunner interface {
	InTx(ctx context.Context, fn func(tx CommitTx) error) error
}

// Committer applies a CommitPlan: one conditional decrement per line plus the
// order append, all or nothing. It is the only writer of stock.
type Committer struct {
	store txRunner
	now   func() time.Time
}

func NewCommitter(store txRunner) *Committer {
	return &Committer{store: store, now: nowUTC}
}

func (c *Committer) Commit(ctx context.Context, plan *CommitPlan) (*Order, error) {
	var committed *Order
	err := c.store.InTx(ctx, func(tx CommitTx) error {
		applied := make([]StockDecrement, 0, len(plan.Decrements))

		for _, d := range plan.Decrements {
			ok, err := tx.DecrementStock(ctx, d.BookID, d.Quantity)
			if err != nil {
				c.compensate(ctx, tx, applied)
				return err
			}
			if !ok {
				c.compensate(ctx, tx, applied)
				return c.stockChanged(ctx, tx, d)
			}
			applied = append(applied, d)
		}

		o := plan.newOrder(c.now())
		id, err := tx.AppendOrder(ctx, o)
		if err != nil {
			c.compensate(ctx, tx, applied)
			return err
		}
		o.ID = id
		committed = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// compensate deshace en orden inverso los decrementos ya aplicados. Corre aunque
// el contexto del request se haya cancelado.
func (c *Committer) compensate(ctx context.Context, tx CommitTx, applied []StockDecrement) {
	ctx = context.WithoutCancel(ctx)
	for i := len(applied) - 1; i >= 0; i-- {
		d := applied[i]
		if err := tx.RestoreStock(ctx, d.BookID, d.Quantity); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Int64("book_id", d.BookID).
				Int32("qty", d.Quantity).
				Msg("stock compensation failed")
		}
	}
}

func (c *Committer) stockChanged(ctx context.Context, tx CommitTx, d StockDecrement) error {
	e := ErrStockChanged{BookID: d.BookID, Title: d.Title, Requested: d.Quantity, Available: -1}
	if b, err := tx.GetBook(context.WithoutCancel(ctx), d.BookID); err == nil {
		e.Available = b.StockQuantity
	}
	return e
}
