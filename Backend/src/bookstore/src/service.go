package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type checkoutState string

const (
	stateReceived   checkoutState = "received"
	stateValidating checkoutState = "validating"
	stateRejected   checkoutState = "rejected"
	stateValidated  checkoutState = "validated"
	stateCommitting checkoutState = "committing"
	stateCommitted  checkoutState = "committed"
	stateRolledBack checkoutState = "rolled_back"
	stateReplayed   checkoutState = "replayed"
)

var checkoutTransitions = map[checkoutState][]checkoutState{
	stateReceived:   {stateValidating},
	stateValidating: {stateRejected, stateValidated, stateReplayed},
	stateValidated:  {stateCommitting},
	stateCommitting: {stateCommitted, stateRolledBack, stateReplayed},
}

// attempt sigue un intento de checkout de principio a fin.
type attempt struct {
	state checkoutState
	log   zerolog.Logger
}

func newAttempt(ctx context.Context) *attempt {
	return &attempt{state: stateReceived, log: log.Ctx(ctx).With().Str("component", "checkout").Logger()}
}

func (a *attempt) to(next checkoutState) {
	for _, allowed := range checkoutTransitions[a.state] {
		if allowed == next {
			a.log.Debug().Str("from", string(a.state)).Str("to", string(next)).Msg("checkout state")
			a.state = next
			return
		}
	}
	panic(fmt.Sprintf("%v: %s -> %s", errIllegalTransition, a.state, next))
}

type CheckoutResult struct {
	Order    *Order
	Replayed bool
}

type Service struct {
	repo      Repository
	validator *Validator
	committer *Committer
	orders    *lru.Cache[string, *Order]
	events    Events
	metrics   *Metrics
	tracer    trace.Tracer
}

// NewService arma validador y committer sobre el mismo repositorio. events y
// metrics pueden ser nil.
func NewService(repo Repository, events Events, metrics *Metrics, orderCacheSize int) (*Service, error) {
	if orderCacheSize <= 0 {
		orderCacheSize = 256
	}
	orders, err := lru.New[string, *Order](orderCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:      repo,
		validator: NewValidator(repo),
		committer: NewCommitter(repo),
		orders:    orders,
		events:    events,
		metrics:   metrics,
		tracer:    otel.Tracer("bookstore/checkout"),
	}, nil
}

func (s *Service) ListBooks(ctx context.Context) ([]*Book, error) {
	return s.repo.ListBooks(ctx)
}

func (s *Service) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	return s.repo.GetBook(ctx, bookID)
}

// GetOrder sirve desde la caché: una orden nunca cambia después de escrita.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if o, ok := s.orders.Get(orderID); ok {
		return cloneOrder(o), nil
	}
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.orders.Add(o.ID, cloneOrder(o))
	return o, nil
}

func (s *Service) SeedSampleBooks(ctx context.Context) (int, error) {
	return s.repo.SeedBooks(ctx, sampleBooks())
}

func (s *Service) Ping(ctx context.Context) error { return s.repo.Ping(ctx) }

// Checkout valida el carrito contra el stock vigente y confirma orden y
// decrementos como una sola unidad. No reintenta: el cliente puede reenviar.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest, idemKey string) (*CheckoutResult, error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout")
	defer span.End()

	a := newAttempt(ctx)
	res, err := s.checkout(ctx, a, req, idemKey)

	outcome := outcomeOf(res, err)
	span.SetAttributes(attribute.String("checkout.outcome", outcome), attribute.String("checkout.state", string(a.state)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if s.metrics != nil {
		s.metrics.Checkouts.WithLabelValues(outcome).Inc()
		s.metrics.CheckoutDuration.Observe(time.Since(started).Seconds())
	}
	return res, err
}

func (s *Service) checkout(ctx context.Context, a *attempt, req CheckoutRequest, idemKey string) (*CheckoutResult, error) {
	a.to(stateValidating)
	if _, _, err := normalizeRequest(req); err != nil {
		a.to(stateRejected)
		a.log.Warn().Err(err).Msg("checkout rejected")
		return nil, err
	}

	if idemKey != "" {
		prev, err := s.repo.FindOrderByIdempotencyKey(ctx, idemKey)
		switch {
		case err == nil:
			a.to(stateReplayed)
			a.log.Info().Str("order_id", prev.ID).Str("idempotency_key", idemKey).Msg("checkout replayed")
			return &CheckoutResult{Order: prev, Replayed: true}, nil
		case !errors.Is(err, ErrOrderNotFound):
			a.to(stateRejected)
			a.log.Error().Err(err).Msg("idempotency lookup failed")
			return nil, err
		}
	}

	vctx, vspan := s.tracer.Start(ctx, "checkout.Validate")
	plan, err := s.validator.Validate(vctx, req)
	vspan.End()
	if err != nil {
		a.to(stateRejected)
		logRejection(a.log, err)
		return nil, err
	}
	plan.IdempotencyKey = idemKey
	a.to(stateValidated)

	a.to(stateCommitting)
	cctx, cspan := s.tracer.Start(ctx, "checkout.Commit", trace.WithAttributes(attribute.Int("checkout.lines", len(plan.Items))))
	order, err := s.committer.Commit(cctx, plan)
	cspan.End()
	if errors.Is(err, errDuplicateIdemKey) {
		// otro intento con la misma llave ganó la carrera; devolvemos su orden
		prev, lerr := s.repo.FindOrderByIdempotencyKey(context.WithoutCancel(ctx), idemKey)
		if lerr == nil {
			a.to(stateReplayed)
			return &CheckoutResult{Order: prev, Replayed: true}, nil
		}
		err = ErrPersistence{Op: "idempotent replay", Err: lerr}
	}
	if err != nil {
		a.to(stateRolledBack)
		logRejection(a.log, err)
		return nil, err
	}
	a.to(stateCommitted)

	s.orders.Add(order.ID, cloneOrder(order))
	a.log.Info().
		Str("order_id", order.ID).
		Int("lines", len(order.Items)).
		Str("total", order.TotalAmount.String()).
		Msg("checkout committed")

	s.publishOrderCreated(ctx, order)
	return &CheckoutResult{Order: order}, nil
}

// publishOrderCreated corre después del commit; un fallo aquí no deshace la orden.
func (s *Service) publishOrderCreated(ctx context.Context, o *Order) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := publishJSON(ctx, s.events, RKOrderCreated, orderCreatedPayload(o)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("order_id", o.ID).Msg("publish order.created failed")
	}
}

func logRejection(l zerolog.Logger, err error) {
	var (
		notFound     ErrBookNotFound
		insufficient ErrInsufficientStock
		changed      ErrStockChanged
	)
	switch {
	case errors.As(err, &notFound):
		l.Warn().Int64("book_id", notFound.BookID).Msg("checkout rejected: book not found")
	case errors.As(err, &insufficient):
		l.Warn().Int64("book_id", insufficient.BookID).
			Int32("requested", insufficient.Requested).
			Int32("available", insufficient.Available).
			Msg("checkout rejected: insufficient stock")
	case errors.As(err, &changed):
		l.Warn().Int64("book_id", changed.BookID).
			Int32("requested", changed.Requested).
			Int32("available", changed.Available).
			Msg("checkout rolled back: stock changed")
	default:
		l.Error().Err(err).Msg("checkout failed")
	}
}

func outcomeOf(res *CheckoutResult, err error) string {
	if err == nil {
		if res != nil && res.Replayed {
			return outcomeReplayed
		}
		return outcomeCommitted
	}
	var (
		invalid      ErrInvalidInput
		notFound     ErrBookNotFound
		insufficient ErrInsufficientStock
		changed      ErrStockChanged
		aborted      ErrCheckoutAborted
	)
	switch {
	case errors.As(err, &invalid):
		return outcomeInvalidInput
	case errors.As(err, &notFound):
		return outcomeBookNotFound
	case errors.As(err, &insufficient):
		return outcomeInsufficientStock
	case errors.As(err, &changed):
		return outcomeStockChanged
	case errors.As(err, &aborted), isContextErr(err):
		return outcomeAborted
	default:
		return outcomePersistence
	}
}
