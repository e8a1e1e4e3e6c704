package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	srv  *httptest.Server
	repo Repository
}

func newTestAPI(t *testing.T, repo Repository, store pinger) *testAPI {
	t.Helper()
	metrics := NewMetrics("test")
	svc, err := NewService(repo, nil, metrics, 16)
	require.NoError(t, err)
	if store == nil {
		store = repo
	}
	s := NewServer(svc, NewHealth("bookstore", store), metrics, 5*time.Second)
	srv := httptest.NewServer(s.Routes([]string{"*"}))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, repo: repo}
}

func seededAPI(t *testing.T) *testAPI {
	t.Helper()
	r := NewMemoryRepository()
	_, err := r.SeedBooks(context.Background(), sampleBooks())
	require.NoError(t, err)
	return newTestAPI(t, r, nil)
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m), string(raw))
	return m
}

func checkoutBody(email string, lines ...CartLineRequest) map[string]any {
	return map[string]any{"customerName": "Ana", "customerEmail": email, "cartItems": lines}
}

func TestListBooks(t *testing.T) {
	api := seededAPI(t)
	resp, raw := api.do(t, http.MethodGet, "/api/books", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var books []map[string]any
	require.NoError(t, json.Unmarshal(raw, &books))
	require.Len(t, books, 2)
	assert.Equal(t, 1.0, books[0]["book_id"])
	assert.Equal(t, 1200.0, books[0]["price"])
	assert.Equal(t, 10.0, books[0]["stock_quantity"])
}

func TestListBooksEmptyCatalog(t *testing.T) {
	api := newTestAPI(t, NewMemoryRepository(), nil)
	resp, raw := api.do(t, http.MethodGet, "/api/books", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestGetBook(t *testing.T) {
	api := seededAPI(t)

	resp, raw := api.do(t, http.MethodGet, "/api/books/2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Mala", decode(t, raw)["title"])

	resp, raw = api.do(t, http.MethodGet, "/api/books/99", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode(t, raw)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "BOOK_NOT_FOUND", body["code"])
	assert.Equal(t, "Book with ID 99 not found", body["error"])

	resp, raw = api.do(t, http.MethodGet, "/api/books/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_INPUT", decode(t, raw)["code"])
}

func TestCheckoutCreatesOrder(t *testing.T) {
	api := seededAPI(t)

	resp, raw := api.do(t, http.MethodPost, "/api/checkout",
		checkoutBody("ana@example.com", CartLineRequest{BookID: 1, Quantity: 3}), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	body := decode(t, raw)
	assert.Equal(t, true, body["success"])
	orderID, _ := body["orderId"].(string)
	require.NotEmpty(t, orderID)
	order := body["order"].(map[string]any)
	assert.Equal(t, orderID, order["id"])
	assert.Equal(t, 3600.0, order["totalAmount"])
	assert.Equal(t, "accepted", order["status"])
	assert.NotContains(t, body, "replayed")

	_, raw = api.do(t, http.MethodGet, "/api/books/1", nil, nil)
	assert.Equal(t, 7.0, decode(t, raw)["stock_quantity"])

	resp, raw = api.do(t, http.MethodGet, "/api/orders/"+orderID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode(t, raw)
	assert.Equal(t, orderID, got["id"])
	assert.Equal(t, "ana@example.com", got["customerEmail"])
	assert.Len(t, got["items"], 1)
}

func TestCheckoutRejectionsDoNotChangeCatalog(t *testing.T) {
	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"not an email", checkoutBody("not-an-email", CartLineRequest{BookID: 1, Quantity: 1}), http.StatusBadRequest, "INVALID_INPUT"},
		{"empty cart", checkoutBody("ana@example.com"), http.StatusBadRequest, "INVALID_INPUT"},
		{"zero quantity", checkoutBody("ana@example.com", CartLineRequest{BookID: 1, Quantity: 0}), http.StatusBadRequest, "INVALID_INPUT"},
		{"malformed json", `{"customerName":`, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown book", checkoutBody("ana@example.com", CartLineRequest{BookID: 1, Quantity: 1}, CartLineRequest{BookID: 500, Quantity: 1}), http.StatusNotFound, "BOOK_NOT_FOUND"},
		{"insufficient", checkoutBody("ana@example.com", CartLineRequest{BookID: 2, Quantity: 11}), http.StatusBadRequest, "INSUFFICIENT_STOCK"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := seededAPI(t)
			_, before := api.do(t, http.MethodGet, "/api/books", nil, nil)

			resp, raw := api.do(t, http.MethodPost, "/api/checkout", tc.body, nil)
			assert.Equal(t, tc.status, resp.StatusCode)
			body := decode(t, raw)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["error"])

			_, after := api.do(t, http.MethodGet, "/api/books", nil, nil)
			assert.Equal(t, string(before), string(after))
		})
	}
}

func TestCheckoutInsufficientStockDetails(t *testing.T) {
	api := seededAPI(t)
	_, raw := api.do(t, http.MethodPost, "/api/checkout",
		checkoutBody("ana@example.com", CartLineRequest{BookID: 2, Quantity: 11}), nil)

	body := decode(t, raw)
	assert.Equal(t, "Insufficient stock for Mala (book 2). Requested: 11, Available: 10", body["error"])
	details := body["details"].(map[string]any)
	assert.Equal(t, 2.0, details["book_id"])
	assert.Equal(t, 11.0, details["requested"])
	assert.Equal(t, 10.0, details["available"])
}

func TestCheckoutIdempotencyHeader(t *testing.T) {
	api := seededAPI(t)
	headers := map[string]string{idempotencyHeader: "cart-7"}
	body := checkoutBody("ana@example.com", CartLineRequest{BookID: 1, Quantity: 1})

	resp, raw := api.do(t, http.MethodPost, "/api/checkout", body, headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode(t, raw)

	resp, raw = api.do(t, http.MethodPost, "/api/checkout", body, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode(t, raw)
	assert.Equal(t, true, second["replayed"])
	assert.Equal(t, first["orderId"], second["orderId"])

	_, raw = api.do(t, http.MethodGet, "/api/books/1", nil, nil)
	assert.Equal(t, 9.0, decode(t, raw)["stock_quantity"])
}

func TestGetOrderNotFound(t *testing.T) {
	api := seededAPI(t)
	resp, raw := api.do(t, http.MethodGet, "/api/orders/does-not-exist", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ORDER_NOT_FOUND", decode(t, raw)["code"])
}

func TestInitBooks(t *testing.T) {
	api := newTestAPI(t, NewMemoryRepository(), nil)

	resp, raw := api.do(t, http.MethodPost, "/api/init-books", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Sample books initialized successfully", decode(t, raw)["message"])

	_, raw = api.do(t, http.MethodPost, "/api/init-books", nil, nil)
	assert.Equal(t, "Books already initialized", decode(t, raw)["message"])

	_, raw = api.do(t, http.MethodGet, "/api/books", nil, nil)
	var books []Book
	require.NoError(t, json.Unmarshal(raw, &books))
	assert.Len(t, books, 2)
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("store down") }

func TestHealthEndpoint(t *testing.T) {
	api := seededAPI(t)
	resp, raw := api.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, raw)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "SERVING", body["grpc_status"])

	down := newTestAPI(t, NewMemoryRepository(), downStore{})
	resp, raw = down.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body = decode(t, raw)
	assert.Equal(t, "DEGRADED", body["status"])
	assert.Equal(t, "NOT_SERVING", body["grpc_status"])
}

func TestCORSHeaders(t *testing.T) {
	api := seededAPI(t)
	resp, _ := api.do(t, http.MethodGet, "/api/books", nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	api := seededAPI(t)
	api.do(t, http.MethodPost, "/api/checkout", checkoutBody("ana@example.com", CartLineRequest{BookID: 1, Quantity: 1}), nil)
	api.do(t, http.MethodPost, "/api/checkout", checkoutBody("bad", CartLineRequest{BookID: 1, Quantity: 1}), nil)

	resp, raw := api.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(raw)
	assert.Contains(t, text, `test_checkout_attempts_total{outcome="committed"} 1`)
	assert.Contains(t, text, `test_checkout_attempts_total{outcome="invalid_input"} 1`)
	assert.Contains(t, text, `test_http_requests_total{route="POST /api/checkout",status="201"} 1`)
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{ErrInvalidInput{Field: "id", Reason: "bad"}, http.StatusBadRequest, "INVALID_INPUT"},
		{ErrBookNotFound{BookID: 3}, http.StatusNotFound, "BOOK_NOT_FOUND"},
		{ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{ErrInsufficientStock{BookID: 1}, http.StatusBadRequest, "INSUFFICIENT_STOCK"},
		{ErrStockChanged{BookID: 1, Available: -1}, http.StatusBadRequest, "STOCK_CHANGED_DURING_CHECKOUT"},
		{ErrCheckoutAborted{Err: context.Canceled}, http.StatusServiceUnavailable, "CHECKOUT_ABORTED"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "CHECKOUT_ABORTED"},
		{ErrPersistence{Op: "append order", Err: errors.New("disk I/O error")}, http.StatusInternalServerError, "PERSISTENCE_FAILURE"},
	}
	s := &Server{}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
			s.writeError(w, r, tc.err, "Failed to process checkout")

			assert.Equal(t, tc.status, w.Code)
			body := decode(t, w.Body.Bytes())
			assert.Equal(t, tc.code, body["code"])
			assert.Equal(t, false, body["success"])
		})
	}

	w := httptest.NewRecorder()
	s.writeError(w, httptest.NewRequest(http.MethodGet, "/", nil),
		ErrPersistence{Op: "append order", Err: errors.New("disk I/O error")}, "Failed to process checkout")
	assert.NotContains(t, w.Body.String(), "disk")

	w = httptest.NewRecorder()
	s.writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), ErrStockChanged{BookID: 1, Requested: 3, Available: -1}, "")
	details := decode(t, w.Body.Bytes())["details"].(map[string]any)
	assert.NotContains(t, details, "available")
}
