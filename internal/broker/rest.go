package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RESTBroker talks to the brokerage's JSON HTTP surface with bearer-token
// auth. Wire framing follows the adapter contract: place, order book,
// positions, LTP. The caller supplies per-call deadlines through ctx.
type RESTBroker struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewRESTBroker builds the live adapter. timeout is a transport-level
// backstop; callers still pass per-call context deadlines.
func NewRESTBroker(baseURL, apiToken string, timeout time.Duration) *RESTBroker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTBroker{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
}

type placeOrderWire struct {
	Status        string `json:"status"`
	BrokerOrderID string `json:"order_id"`
	Message       string `json:"message,omitempty"`
}

type orderBookWire struct {
	Orders []BrokerOrder `json:"orders"`
}

type positionsWire struct {
	Positions []Position `json:"positions"`
}

type ltpWire struct {
	LTP float64 `json:"ltp"`
}

// PlaceOrder submits one order. A transport failure returns Success=false
// with no broker id; the caller records BROKER_UNREACHABLE or BROKER_TIMEOUT
// from the error classification.
func (r *RESTBroker) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceOrderResponse, error) {
	var wire placeOrderWire
	if err := r.doRequest(ctx, http.MethodPost, "/orders", req, &wire); err != nil {
		return PlaceOrderResponse{Success: false, ErrorMessage: err.Error()}, err
	}
	if !strings.EqualFold(wire.Status, "success") {
		return PlaceOrderResponse{Success: false, ErrorMessage: wire.Message}, nil
	}
	return PlaceOrderResponse{Success: true, BrokerOrderID: wire.BrokerOrderID}, nil
}

// GetOrderBook fetches every order the broker holds for the account today.
func (r *RESTBroker) GetOrderBook(ctx context.Context) ([]BrokerOrder, error) {
	var wire orderBookWire
	if err := r.doRequest(ctx, http.MethodGet, "/orders", nil, &wire); err != nil {
		return nil, err
	}
	return wire.Orders, nil
}

// GetPositions fetches the net position book.
func (r *RESTBroker) GetPositions(ctx context.Context) ([]Position, error) {
	var wire positionsWire
	if err := r.doRequest(ctx, http.MethodGet, "/positions", nil, &wire); err != nil {
		return nil, err
	}
	return wire.Positions, nil
}

// GetLTP fetches the last traded price of one instrument.
func (r *RESTBroker) GetLTP(ctx context.Context, exchange, symbol string) (float64, error) {
	path := fmt.Sprintf("/ltp?exchange=%s&symbol=%s", url.QueryEscape(exchange), url.QueryEscape(symbol))
	var wire ltpWire
	if err := r.doRequest(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return 0, err
	}
	return wire.LTP, nil
}

func (r *RESTBroker) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// Ensure RESTBroker implements Broker at compile time.
var _ Broker = (*RESTBroker)(nil)
