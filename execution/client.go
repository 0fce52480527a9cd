package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// FuturesBaseURL is the production Binance USDT-M futures API URL.
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the Binance futures testnet API URL.
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// Client is a signed HTTP client for the Binance futures REST API. It is a
// thin transport: no retries, every call either returns the exchange's answer
// or an error for the caller to handle.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a futures REST client. Keys are trimmed because stray
// whitespace breaks signature generation.
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) placeOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	params := map[string]string{
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Price > 0 {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}
	if req.StopPrice > 0 {
		params["stopPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
	}
	if req.TimeInForce != "" {
		params["timeInForce"] = string(req.TimeInForce)
	} else if req.Type == OrderTypeLimit {
		params["timeInForce"] = string(TimeInForceGTC)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("place %s %s order for %s: %w", req.Side, req.Type, req.Symbol, err)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	return &resp, nil
}

func (c *Client) cancelAllOpenOrders(ctx context.Context, symbol string) error {
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return fmt.Errorf("cancel open orders for %s: %w", symbol, err)
	}
	return nil
}

// positionAmount returns the signed position amount for symbol: positive for
// long, negative for short, zero when flat.
func (c *Client) positionAmount(ctx context.Context, symbol string) (float64, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch position for %s: %w", symbol, err)
	}

	var positions []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	if err := json.Unmarshal(body, &positions); err != nil {
		return 0, fmt.Errorf("parse position for %s: %w", symbol, err)
	}

	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil {
			return 0, fmt.Errorf("parse position amount %q: %w", p.PositionAmt, err)
		}
		if amt != 0 {
			return amt, nil
		}
	}
	return 0, nil
}

func (c *Client) markPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.publicRequest(ctx, "/fapi/v1/premiumIndex", map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return 0, fmt.Errorf("fetch mark price for %s: %w", symbol, err)
	}

	var resp struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parse mark price for %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(resp.MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mark price %q: %w", resp.MarkPrice, err)
	}
	return price, nil
}

func (c *Client) klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	body, err := c.publicRequest(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s klines for %s: %w", interval, symbol, err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, len(raw))
	for i, k := range raw {
		if len(k) < 7 {
			return nil, fmt.Errorf("malformed kline row for %s", symbol)
		}
		klines[i] = Kline{
			OpenTime:  asInt64(k[0]),
			Open:      asFloat(k[1]),
			High:      asFloat(k[2]),
			Low:       asFloat(k[3]),
			Close:     asFloat(k[4]),
			Volume:    asFloat(k[5]),
			CloseTime: asInt64(k[6]),
		}
	}
	return klines, nil
}

func (c *Client) setLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return fmt.Errorf("set leverage %dx for %s: %w", leverage, symbol, err)
	}
	return nil
}

func (c *Client) setMarginType(ctx context.Context, symbol string, mode MarginMode) error {
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": string(mode),
	})
	return err
}

// ---- transport ----

func (c *Client) publicRequest(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	if query := buildQuery(params); query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	if params == nil {
		params = map[string]string{}
	}
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = "10000"

	query := buildQuery(params)
	query += "&signature=" + c.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func buildQuery(params map[string]string) string {
	var sb strings.Builder
	for k, v := range params {
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(v))
	}
	return sb.String()
}

// Binance kline rows mix JSON numbers and numeric strings.
func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}
