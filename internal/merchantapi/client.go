// Package merchantapi is a small client for the merchant resource API. Requests are
// authorized by the http.Client it is given, normally merchant.Manager.APIClient.
package merchantapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/merchantkit/merchantauth/internal/buildinfo"
	"github.com/merchantkit/merchantauth/internal/misc"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const maxErrorBodySize = 2048

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

// Error returns a string representation of the API error.
func (e *APIError) Error() string {
	msg := strings.TrimSpace(gjson.Get(e.Body, "message").String())
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("merchant api: status %d: %s", e.StatusCode, msg)
}

// Page selects a window of a list endpoint. Zero values are omitted from the query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) query() url.Values {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", strconv.Itoa(p.Offset))
	}
	return q
}

// Merchant is the merchant profile.
type Merchant struct {
	ID      string
	Name    string
	Website string
	// Raw is the undecoded response body.
	Raw string
}

// Item is an inventory item.
type Item struct {
	ID    string
	Name  string
	Price int64
	SKU   string
	Raw   string
}

// Order is a merchant order.
type Order struct {
	ID          string
	Total       int64
	Currency    string
	State       string
	CreatedTime int64
	Raw         string
}

// Client calls the merchant resource API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// NewClient creates a client for baseURL. httpClient is expected to attach the
// merchant credential; nil uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		headers:    http.Header{},
	}
}

// SetHeader adds a header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.headers.Set(key, value)
}

// GetMerchant fetches the merchant profile.
func (c *Client) GetMerchant(ctx context.Context, merchantID string) (*Merchant, error) {
	body, err := c.get(ctx, merchantID, "", nil)
	if err != nil {
		return nil, err
	}
	return parseMerchant(gjson.Parse(body)), nil
}

// ListItems lists inventory items.
func (c *Client) ListItems(ctx context.Context, merchantID string, page Page) ([]Item, error) {
	body, err := c.get(ctx, merchantID, "/items", page.query())
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, el := range elements(body) {
		items = append(items, Item{
			ID:    el.Get("id").String(),
			Name:  el.Get("name").String(),
			Price: el.Get("price").Int(),
			SKU:   el.Get("sku").String(),
			Raw:   el.Raw,
		})
	}
	return items, nil
}

// ListOrders lists orders.
func (c *Client) ListOrders(ctx context.Context, merchantID string, page Page) ([]Order, error) {
	body, err := c.get(ctx, merchantID, "/orders", page.query())
	if err != nil {
		return nil, err
	}
	var orders []Order
	for _, el := range elements(body) {
		orders = append(orders, Order{
			ID:          el.Get("id").String(),
			Total:       el.Get("total").Int(),
			Currency:    el.Get("currency").String(),
			State:       el.Get("state").String(),
			CreatedTime: el.Get("createdTime").Int(),
			Raw:         el.Raw,
		})
	}
	return orders, nil
}

func parseMerchant(res gjson.Result) *Merchant {
	return &Merchant{
		ID:      res.Get("id").String(),
		Name:    res.Get("name").String(),
		Website: res.Get("website").String(),
		Raw:     res.Raw,
	}
}

// elements returns the list payload, accepting both {"elements": [...]} and a bare array.
func elements(body string) []gjson.Result {
	res := gjson.Parse(body)
	if res.IsArray() {
		return res.Array()
	}
	return res.Get("elements").Array()
}

func (c *Client) get(ctx context.Context, merchantID, suffix string, query url.Values) (string, error) {
	merchantID = strings.TrimSpace(merchantID)
	if merchantID == "" {
		return "", fmt.Errorf("merchant api: merchant id is required")
	}
	endpoint := fmt.Sprintf("%s/v3/merchants/%s%s", c.baseURL, url.PathEscape(merchantID), suffix)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("merchant api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	misc.EnsureHeader(req.Header, c.headers, "User-Agent", buildinfo.UserAgent())
	for key, values := range c.headers {
		if req.Header.Get(key) == "" && len(values) > 0 {
			req.Header.Set(key, values[0])
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("merchant api: GET %s: %w", suffixOrRoot(suffix), err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("merchant api: close response body: %v", errClose)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("merchant api: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(data) > maxErrorBodySize {
			data = data[:maxErrorBodySize]
		}
		log.Debugf("merchant api %s returned %d", suffixOrRoot(suffix), resp.StatusCode)
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return string(data), nil
}

func suffixOrRoot(suffix string) string {
	if suffix == "" {
		return "/"
	}
	return suffix
}
