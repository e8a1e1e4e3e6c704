package main

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository guarda catálogo y órdenes en memoria. Cada operación es
// atómica por sí sola pero InTx no aísla nada: la atomicidad del commit depende
// de los incrementos compensatorios del committer.
type MemoryRepository struct {
	mu     sync.Mutex
	books  map[int64]*Book
	orders map[string]*Order
	byKey  map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		books:  map[int64]*Book{},
		orders: map[string]*Order{},
		byKey:  map[string]string{},
	}
}

func (m *MemoryRepository) Close() error              { return nil }
func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) SeedBooks(ctx context.Context, books []Book) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, persistence("seed books", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.books) > 0 {
		return 0, nil
	}
	now := nowUTC()
	for _, b := range books {
		if _, ok := m.books[b.BookID]; ok {
			continue
		}
		b.Title, b.Author = strings.TrimSpace(b.Title), strings.TrimSpace(b.Author)
		b.CreatedAt, b.UpdatedAt = now, now
		m.books[b.BookID] = &b
	}
	return len(m.books), nil
}

func (m *MemoryRepository) ListBooks(ctx context.Context) ([]*Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistence("list books", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Book, 0, len(m.books))
	for _, b := range m.books {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookID < out[j].BookID })
	return out, nil
}

func (m *MemoryRepository) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistence("get book", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.books[bookID]
	if !ok {
		return nil, ErrBookNotFound{BookID: bookID}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistence("get order", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryRepository) FindOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.GetOrder(ctx, id)
}

func (m *MemoryRepository) InTx(ctx context.Context, fn func(tx CommitTx) error) error {
	return fn(memoryTx{m: m})
}

type memoryTx struct{ m *MemoryRepository }

func (t memoryTx) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	return t.m.GetBook(ctx, bookID)
}

func (t memoryTx) DecrementStock(ctx context.Context, bookID int64, qty int32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, persistence("decrement stock", err)
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	b, ok := t.m.books[bookID]
	if !ok || b.StockQuantity < qty {
		return false, nil
	}
	b.StockQuantity -= qty
	b.UpdatedAt = nowUTC()
	return true, nil
}

// RestoreStock no mira el contexto: una compensación debe completarse.
func (t memoryTx) RestoreStock(_ context.Context, bookID int64, qty int32) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if b, ok := t.m.books[bookID]; ok {
		b.StockQuantity += qty
		b.UpdatedAt = nowUTC()
	}
	return nil
}

func (t memoryTx) AppendOrder(ctx context.Context, o *Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", persistence("append order", err)
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if o.IdempotencyKey != "" {
		if _, dup := t.m.byKey[o.IdempotencyKey]; dup {
			return "", errDuplicateIdemKey
		}
	}
	id := uuid.NewString()
	stored := cloneOrder(o)
	stored.ID = id
	t.m.orders[id] = stored
	if o.IdempotencyKey != "" {
		t.m.byKey[o.IdempotencyKey] = id
	}
	return id, nil
}

func cloneOrder(o *Order) *Order {
	cp := *o
	cp.Items = append([]OrderLineItem(nil), o.Items...)
	return &cp
}
