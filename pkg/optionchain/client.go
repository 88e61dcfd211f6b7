// Package optionchain is a typed client for the Upstox-compatible v2 market
// data API: option chain, futures quotes, session bootstrap and the
// beginning-of-day instrument master.
package optionchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRoot    = "https://api.upstox.com"
	defaultTimeout = 20 * time.Second
	defaultRetry   = 10 * time.Second
)

var routes = map[string]string{
	"api.option.chain": "/v2/option/chain",
	"api.market.quote": "/v2/market-quote/quotes",
	"api.login":        "/v2/login/session",
}

// Config configures a Client. The zero value works for anonymous endpoints;
// AccessToken (or a later SetAccessToken) is required for data routes.
type Config struct {
	AccessToken string
	RootURL     string        // default: https://api.upstox.com
	AuthURL     string        // session bootstrap endpoint; default: RootURL + routes["api.login"]
	Timeout     time.Duration // default: 20s
	UserAgent   string
	HTTPClient  *http.Client
	Limiter     *rate.Limiter // default: 3 req/s, burst 3
}

// Client talks to the upstream API. Safe for concurrent use; the token may
// be swapped at any time via SetAccessToken.
type Client struct {
	rootURL   string
	authURL   string
	userAgent string

	httpClient *http.Client
	limiter    *rate.Limiter

	mu          sync.RWMutex
	accessToken string

	// SessionExpiryHook, when set, runs once per 401 response so the owner
	// can trigger a re-login.
	SessionExpiryHook func()
}

// NewClient builds a Client, filling defaults for everything left zero.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "oipulse/1.0"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Limit(3), 3)
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = strings.TrimRight(cfg.RootURL, "/") + routes["api.login"]
	}
	return &Client{
		rootURL:     strings.TrimRight(cfg.RootURL, "/"),
		authURL:     cfg.AuthURL,
		userAgent:   cfg.UserAgent,
		httpClient:  cfg.HTTPClient,
		limiter:     cfg.Limiter,
		accessToken: cfg.AccessToken,
	}
}

// SetAccessToken replaces the bearer token used for subsequent requests.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the current bearer token ("" if none).
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) requestHeaders(token string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", c.userAgent)
	if token == "" {
		token = c.AccessToken()
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (c *Client) buildURL(route string, params url.Values) (string, error) {
	uri, ok := routes[route]
	if !ok {
		return "", fmt.Errorf("unknown route: %s", route)
	}
	full := c.rootURL + uri
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	return full, nil
}

// doGet performs a rate-limited GET and decodes the JSON body into out.
// 429/503 map to *RetryableError with the server's Retry-After honoured.
func (c *Client) doGet(ctx context.Context, rawURL, token string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header = c.requestHeaders(token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return &RetryableError{StatusCode: resp.StatusCode, RetryAfter: retryAfter(resp)}
	}
	if resp.StatusCode == http.StatusUnauthorized && c.SessionExpiryHook != nil {
		c.SessionExpiryHook()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, rawURL, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultRetry
}

// FetchChain retrieves the full option chain for one instrument and expiry.
// A 200 body with status != "success" returns *StatusError.
func (c *Client) FetchChain(ctx context.Context, instrumentKey, expiryDate, token string) (*Chain, error) {
	params := url.Values{}
	params.Set("instrument_key", instrumentKey)
	params.Set("expiry_date", expiryDate)
	full, err := c.buildURL("api.option.chain", params)
	if err != nil {
		return nil, err
	}

	var chain Chain
	if err := c.doGet(ctx, full, token, &chain); err != nil {
		return nil, err
	}
	if chain.Status != "success" {
		return nil, &StatusError{Status: chain.Status}
	}
	return &chain, nil
}

// FetchURL retrieves a chain payload from an arbitrary URL, for proxies and
// mock servers that mimic the chain response shape.
func (c *Client) FetchURL(ctx context.Context, rawURL, token string) (*Chain, error) {
	var chain Chain
	if err := c.doGet(ctx, rawURL, token, &chain); err != nil {
		return nil, err
	}
	if chain.Status != "success" {
		return nil, &StatusError{Status: chain.Status}
	}
	return &chain, nil
}

type quoteEnvelope struct {
	Status string `json:"status"`
	Data   map[string]struct {
		LastPrice         float64 `json:"last_price"`
		AveragePrice      float64 `json:"average_price"`
		OI                float64 `json:"oi"`
		Volume            float64 `json:"volume"`
		TotalBuyQuantity  float64 `json:"total_buy_quantity"`
		TotalSellQuantity float64 `json:"total_sell_quantity"`
	} `json:"data"`
}

// FetchQuote retrieves a live market quote for a single futures contract.
func (c *Client) FetchQuote(ctx context.Context, instrumentKey, token string) (*FutureQuote, error) {
	params := url.Values{}
	params.Set("instrument_key", instrumentKey)
	full, err := c.buildURL("api.market.quote", params)
	if err != nil {
		return nil, err
	}

	var env quoteEnvelope
	if err := c.doGet(ctx, full, token, &env); err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, &StatusError{Status: env.Status}
	}
	if len(env.Data) == 0 {
		return nil, errors.New("no data in quote response")
	}
	for _, sym := range env.Data {
		return &FutureQuote{
			LTP:          sym.LastPrice,
			ATP:          sym.AveragePrice,
			OI:           sym.OI,
			Volume:       sym.Volume,
			TotalBuyQty:  sym.TotalBuyQuantity,
			TotalSellQty: sym.TotalSellQuantity,
		}, nil
	}
	return nil, errors.New("no data in quote response")
}

// Session is the payload returned by GenerateSession.
type Session struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

type sessionEnvelope struct {
	Status string  `json:"status"`
	Data   Session `json:"data"`
}

// GenerateSession exchanges client credentials plus a fresh TOTP code for a
// bearer token at the configured auth endpoint, and installs the token on
// the client. Deployments that paste a daily token by hand never call this.
func (c *Client) GenerateSession(ctx context.Context, clientCode, pin, totpCode string) (*Session, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	body := fmt.Sprintf(`{"client_code":%q,"pin":%q,"totp":%q}`, clientCode, pin, totpCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = c.requestHeaders("")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("login failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	if env.Status != "success" || env.Data.AccessToken == "" {
		return nil, fmt.Errorf("login failed: status=%q", env.Status)
	}
	c.SetAccessToken(env.Data.AccessToken)
	return &env.Data, nil
}
