package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderCreatedPayload(t *testing.T) {
	o := testOrder("")
	o.ID = "order-1"
	p := orderCreatedPayload(o)

	assert.Equal(t, "order-1", p.OrderID)
	assert.Equal(t, int64(390000), p.TotalCents)
	assert.Equal(t, o.OrderDate.Unix(), p.CreatedUnix)
	require.Len(t, p.Items, 2)
	assert.Equal(t, OrderItemEvt{BookID: 1, Title: "Jannat Kai Pattay", Qty: 2, UnitCents: 120000, LineCents: 240000}, p.Items[1])
}

func TestPublishJSON(t *testing.T) {
	assert.NoError(t, publishJSON(context.Background(), nil, RKOrderCreated, struct{}{}))

	ev := &recordingEvents{}
	require.NoError(t, publishJSON(context.Background(), ev, RKOrderCreated, map[string]int{"n": 1}))
	require.Equal(t, 1, ev.count())
	var got map[string]int
	require.NoError(t, json.Unmarshal(ev.sent[0].body, &got))
	assert.Equal(t, 1, got["n"])

	assert.Error(t, publishJSON(context.Background(), ev, RKOrderCreated, make(chan int)))
}

func TestRabbitDisabledWithoutURL(t *testing.T) {
	r, err := NewRabbit("", "bookstore.events")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, r.Publish(context.Background(), RKOrderCreated, []byte(`{}`)))
	r.Close()
}

func TestInitTracerProvider(t *testing.T) {
	shutdown, err := InitTracerProvider("bookstore", "none")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, err = InitTracerProvider("bookstore", "zipkin")
	assert.Error(t, err)

	shutdown, err = InitTracerProvider("bookstore", "stdout")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}
