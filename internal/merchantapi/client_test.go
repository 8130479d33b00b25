package merchantapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/merchantkit/merchantauth/internal/buildinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPI(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client())
}

func TestGetMerchant(t *testing.T) {
	client := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/merchants/M1", r.URL.Path)
		assert.Equal(t, buildinfo.UserAgent(), r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"id":"M1","name":"Corner Cafe","website":"https://cafe.example"}`))
	})

	merchant, err := client.GetMerchant(context.Background(), "M1")
	require.NoError(t, err)
	assert.Equal(t, "Corner Cafe", merchant.Name)
	assert.Equal(t, "https://cafe.example", merchant.Website)
}

func TestListItemsPaging(t *testing.T) {
	client := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/merchants/M1/items", r.URL.Path)
		assert.Equal(t, "limit=2&offset=10", r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"elements":[{"id":"I1","name":"Latte","price":450,"sku":"L-1"},{"id":"I2","name":"Mocha","price":500}]}`))
	})

	items, err := client.ListItems(context.Background(), "M1", Page{Limit: 2, Offset: 10})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, Item{ID: "I1", Name: "Latte", Price: 450, SKU: "L-1", Raw: `{"id":"I1","name":"Latte","price":450,"sku":"L-1"}`}, items[0])
	assert.Equal(t, int64(500), items[1].Price)
}

func TestListOrdersAcceptsBareArray(t *testing.T) {
	client := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`[{"id":"O1","total":1299,"currency":"USD","state":"open","createdTime":1700000000000}]`))
	})

	orders, err := client.ListOrders(context.Background(), "M1", Page{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "O1", orders[0].ID)
	assert.Equal(t, int64(1299), orders[0].Total)
	assert.Equal(t, "open", orders[0].State)
}

func TestNon2xxBecomesAPIError(t *testing.T) {
	client := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Insufficient permissions"}`))
	})

	_, err := client.ListOrders(context.Background(), "M1", Page{Limit: 5})
	require.Error(t, err)
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "merchant api: status 403: Insufficient permissions", apiErr.Error())
}

func TestMerchantIDRequired(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", nil)
	_, err := client.GetMerchant(context.Background(), " ")
	assert.EqualError(t, err, "merchant api: merchant id is required")
}

func TestCustomHeaders(t *testing.T) {
	client := newAPI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pos-sync/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "abc", r.Header.Get("X-Trace"))
		_, _ = w.Write([]byte(`{"id":"M1"}`))
	})
	client.SetHeader("User-Agent", "pos-sync/1.0")
	client.SetHeader("X-Trace", "abc")

	_, err := client.GetMerchant(context.Background(), "M1")
	require.NoError(t, err)
}
