package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	_ "github.com/mattn/go-sqlite3" // driver "sqlite3", requiere cgo
)

const (
	driverModernc = "sqlite"
	driverMattn   = "sqlite3"
)

// Repository is the Catalog Store plus the Order Ledger. Stock is only written
// through the CommitTx handed out by InTx.
type Repository interface {
	ListBooks(ctx context.Context) ([]*Book, error)
	GetBook(ctx context.Context, bookID int64) (*Book, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// SeedBooks inserta solo si el catálogo está vacío; devuelve cuántos insertó.
	SeedBooks(ctx context.Context, books []Book) (int, error)
	InTx(ctx context.Context, fn func(tx CommitTx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// CommitTx es la única vía de escritura de stock y de órdenes.
type CommitTx interface {
	GetBook(ctx context.Context, bookID int64) (*Book, error)
	// DecrementStock resta qty solo si stock >= qty en el momento de la escritura.
	DecrementStock(ctx context.Context, bookID int64, qty int32) (bool, error)
	// RestoreStock es el incremento compensatorio de un decremento ya aplicado.
	RestoreStock(ctx context.Context, bookID int64, qty int32) error
	AppendOrder(ctx context.Context, o *Order) (string, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteRepository struct {
	db *sql.DB
}

func sqliteDSN(driver, path string) (string, error) {
	switch driver {
	case driverModernc:
		// busy_timeout evita "database is locked" con WAL
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", nil
	case driverMattn:
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

func NewSQLiteRepository(driver, dbPath string) (*SQLiteRepository, error) {
	dsn, err := sqliteDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create db dir")
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetConnMaxIdleTime(2 * time.Minute)
	db.SetMaxOpenConns(1)

	r := &SQLiteRepository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return r, nil
}

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS books(
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  book_id         INTEGER NOT NULL UNIQUE,
  title           TEXT    NOT NULL,
  author          TEXT    NOT NULL,
  price_cents     INTEGER NOT NULL CHECK (price_cents >= 0),
  cover_image_url TEXT    NOT NULL DEFAULT '',
  stock_quantity  INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
  created_unix_ms INTEGER NOT NULL,
  updated_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_books_title ON books(title);

CREATE TABLE IF NOT EXISTS orders(
  id              TEXT PRIMARY KEY,
  customer_name   TEXT    NOT NULL,
  customer_email  TEXT    NOT NULL,
  total_cents     INTEGER NOT NULL,
  status          TEXT    NOT NULL,
  idempotency_key TEXT UNIQUE,
  created_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS order_items(
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  order_id   TEXT    NOT NULL REFERENCES orders(id),
  position   INTEGER NOT NULL,
  book_id    INTEGER NOT NULL,
  title      TEXT    NOT NULL,
  author     TEXT    NOT NULL,
  unit_cents INTEGER NOT NULL,
  qty        INTEGER NOT NULL,
  line_cents INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_order ON order_items(order_id);
`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return persistence("ping", r.db.PingContext(ctx))
}

func (r *SQLiteRepository) SeedBooks(ctx context.Context, books []Book) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, persistence("seed books", errors.Wrap(err, "begin"))
	}
	defer func() { _ = tx.Rollback() }()

	var c int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM books`).Scan(&c); err != nil {
		return 0, persistence("seed books", errors.Wrap(err, "count"))
	}
	if c > 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	inserted := 0
	for _, b := range books {
		res, err := tx.ExecContext(ctx, `
INSERT INTO books(book_id,title,author,price_cents,cover_image_url,stock_quantity,created_unix_ms,updated_unix_ms)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(book_id) DO NOTHING`,
			b.BookID, strings.TrimSpace(b.Title), strings.TrimSpace(b.Author), int64(b.Price),
			b.CoverImageURL, b.StockQuantity, now, now)
		if err != nil {
			return 0, persistence("seed books", errors.Wrapf(err, "insert book %d", b.BookID))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, persistence("seed books", errors.Wrap(err, "commit"))
	}
	return inserted, nil
}

func (r *SQLiteRepository) ListBooks(ctx context.Context) ([]*Book, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT book_id,title,author,price_cents,cover_image_url,stock_quantity,created_unix_ms,updated_unix_ms
		FROM books ORDER BY book_id`)
	if err != nil {
		return nil, persistence("list books", errors.Wrap(err, "query"))
	}
	defer rows.Close()

	out := []*Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, persistence("list books", errors.Wrap(err, "scan"))
		}
		out = append(out, b)
	}
	return out, persistence("list books", rows.Err())
}

func (r *SQLiteRepository) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	return getBook(ctx, r.db, bookID)
}

func (r *SQLiteRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return getOrder(ctx, r.db, orderID)
}

func (r *SQLiteRepository) FindOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM orders WHERE idempotency_key=?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, persistence("find order by idempotency key", errors.Wrap(err, "query"))
	}
	return getOrder(ctx, r.db, id)
}

// InTx corre fn dentro de una transacción; cualquier error la revierte completa.
func (r *SQLiteRepository) InTx(ctx context.Context, fn func(tx CommitTx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence("begin commit", errors.Wrap(err, "begin"))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistence("commit", errors.Wrap(err, "commit"))
	}
	return nil
}

type sqliteTx struct {
	q querier
}

func (t *sqliteTx) GetBook(ctx context.Context, bookID int64) (*Book, error) {
	return getBook(ctx, t.q, bookID)
}

func (t *sqliteTx) DecrementStock(ctx context.Context, bookID int64, qty int32) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
UPDATE books
SET stock_quantity = stock_quantity - ?,
    updated_unix_ms = ?
WHERE book_id = ? AND stock_quantity >= ?`,
		qty, time.Now().UnixMilli(), bookID, qty)
	if err != nil {
		return false, persistence("decrement stock", errors.Wrapf(err, "book %d", bookID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, persistence("decrement stock", errors.Wrap(err, "rows affected"))
	}
	return n == 1, nil
}

func (t *sqliteTx) RestoreStock(ctx context.Context, bookID int64, qty int32) error {
	_, err := t.q.ExecContext(ctx, `
UPDATE books
SET stock_quantity = stock_quantity + ?,
    updated_unix_ms = ?
WHERE book_id = ?`,
		qty, time.Now().UnixMilli(), bookID)
	if errors.Is(err, sql.ErrTxDone) {
		// la transacción ya se revirtió y con ella el decremento
		return nil
	}
	return persistence("restore stock", errors.Wrapf(err, "book %d", bookID))
}

func (t *sqliteTx) AppendOrder(ctx context.Context, o *Order) (string, error) {
	id := uuid.NewString()
	key := sql.NullString{String: o.IdempotencyKey, Valid: o.IdempotencyKey != ""}

	_, err := t.q.ExecContext(ctx, `
INSERT INTO orders(id, customer_name, customer_email, total_cents, status, idempotency_key, created_unix_ms)
VALUES(?,?,?,?,?,?,?)`,
		id, o.CustomerName, o.CustomerEmail, int64(o.TotalAmount), string(o.Status), key, o.OrderDate.UnixMilli())
	if err != nil {
		if key.Valid && isUniqueViolation(err) {
			return "", errDuplicateIdemKey
		}
		return "", persistence("append order", errors.Wrap(err, "insert order"))
	}

	for i, it := range o.Items {
		if _, err := t.q.ExecContext(ctx, `
INSERT INTO order_items(order_id, position, book_id, title, author, unit_cents, qty, line_cents)
VALUES(?,?,?,?,?,?,?,?)`,
			id, i, it.BookID, it.Title, it.Author, int64(it.Price), it.Quantity, int64(it.Subtotal)); err != nil {
			return "", persistence("append order", errors.Wrapf(err, "insert item %d", i))
		}
	}
	return id, nil
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(s rowScanner) (*Book, error) {
	var (
		b                  Book
		price              int64
		createdMS, updated int64
	)
	if err := s.Scan(&b.BookID, &b.Title, &b.Author, &price, &b.CoverImageURL, &b.StockQuantity, &createdMS, &updated); err != nil {
		return nil, err
	}
	b.Price = Money(price)
	b.CreatedAt = time.UnixMilli(createdMS).UTC()
	b.UpdatedAt = time.UnixMilli(updated).UTC()
	return &b, nil
}

func getBook(ctx context.Context, q querier, bookID int64) (*Book, error) {
	row := q.QueryRowContext(ctx, `
		SELECT book_id,title,author,price_cents,cover_image_url,stock_quantity,created_unix_ms,updated_unix_ms
		FROM books WHERE book_id=?`, bookID)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound{BookID: bookID}
	}
	if err != nil {
		return nil, persistence("get book", errors.Wrapf(err, "book %d", bookID))
	}
	return b, nil
}

func getOrder(ctx context.Context, q querier, orderID string) (*Order, error) {
	var (
		o         Order
		total     int64
		status    string
		key       sql.NullString
		createdMS int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, customer_name, customer_email, total_cents, status, idempotency_key, created_unix_ms
		FROM orders WHERE id=?`, orderID).
		Scan(&o.ID, &o.CustomerName, &o.CustomerEmail, &total, &status, &key, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, persistence("get order", errors.Wrapf(err, "order %s", orderID))
	}
	o.TotalAmount = Money(total)
	o.Status = OrderStatus(status)
	o.IdempotencyKey = key.String
	o.OrderDate = time.UnixMilli(createdMS).UTC()

	rows, err := q.QueryContext(ctx, `
		SELECT book_id, title, author, unit_cents, qty, line_cents
		FROM order_items WHERE order_id=? ORDER BY position`, orderID)
	if err != nil {
		return nil, persistence("get order", errors.Wrap(err, "query items"))
	}
	defer rows.Close()

	o.Items = []OrderLineItem{}
	for rows.Next() {
		var (
			it         OrderLineItem
			unit, line int64
		)
		if err := rows.Scan(&it.BookID, &it.Title, &it.Author, &unit, &it.Quantity, &line); err != nil {
			return nil, persistence("get order", errors.Wrap(err, "scan item"))
		}
		it.Price, it.Subtotal = Money(unit), Money(line)
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("get order", errors.Wrap(err, "items"))
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	// mattn/go-sqlite3 y otros: basta con el mensaje
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
