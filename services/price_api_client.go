package services

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"meshprice/config"
	"meshprice/models"
)

const (
	quotesPath     = "/v2/cryptocurrency/quotes/latest"
	keyInfoPath    = "/v1/key/info"
	apiKeyHeader   = "X-CMC_PRO_API_KEY"
	maxAPIBodySize = 4 << 20
)

var _ PriceSource = (*PriceAPIClient)(nil)

// PriceAPIClient talks to a CoinMarketCap compatible quotes API.
type PriceAPIClient struct {
	baseURL     string
	apiKey      string
	blockchains map[string]string
	httpClient  *http.Client
}

func NewPriceAPIClient(cfg *config.Config, apiKey string) *PriceAPIClient {
	timeout := cfg.FetchTimeoutDuration()
	if timeout <= 0 || timeout > 15*time.Second {
		timeout = 10 * time.Second
	}

	return &PriceAPIClient{
		baseURL:     strings.TrimRight(cfg.Provider.APIBaseURL, "/"),
		apiKey:      apiKey,
		blockchains: cfg.Provider.Blockchains,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
	}
}

func (c *PriceAPIClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", models.ErrTransientFetch, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &models.AuthenticationError{Reason: apiErrorMessage(body, resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", models.ErrTransientFetch, apiErrorMessage(body, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream http %d: %s", resp.StatusCode, apiErrorMessage(body, resp.StatusCode))
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json from upstream", models.ErrTransientFetch)
	}
	return body, nil
}

func apiErrorMessage(body []byte, status int) string {
	if msg := gjson.GetBytes(body, "status.error_message"); msg.Exists() && msg.String() != "" {
		return msg.String()
	}
	return http.StatusText(status)
}

// ValidateAPIKey checks the key against the upstream key-info endpoint.
func (c *PriceAPIClient) ValidateAPIKey(ctx context.Context) error {
	if strings.TrimSpace(c.apiKey) == "" {
		return &models.AuthenticationError{Reason: "empty api key"}
	}
	_, err := c.get(ctx, keyInfoPath, nil)
	return err
}

// GetPrices fetches USD quotes for symbols. Symbols missing from the response
// are left out of the result.
func (c *PriceAPIClient) GetPrices(ctx context.Context, symbols []string) (map[string]models.PriceData, error) {
	if len(symbols) == 0 {
		return map[string]models.PriceData{}, nil
	}
	query := url.Values{}
	query.Set("symbol", strings.Join(symbols, ","))
	query.Set("convert", "USD")

	body, err := c.get(ctx, quotesPath, query)
	if err != nil {
		return nil, err
	}
	return c.parseQuotes(body, symbols)
}

func (c *PriceAPIClient) parseQuotes(body []byte, symbols []string) (map[string]models.PriceData, error) {
	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		return nil, fmt.Errorf("%w: response has no data", models.ErrTransientFetch)
	}

	out := make(map[string]models.PriceData, len(symbols))
	for _, sym := range symbols {
		entry := data.Get(gjson.Escape(sym))
		// v2 returns an array per symbol, v1 a single object
		if entry.IsArray() {
			entry = entry.Get("0")
		}
		quote := entry.Get("quote.USD")
		if !quote.Exists() {
			continue
		}

		price, err := decimal.NewFromString(quote.Get("price").Raw)
		if err != nil || !price.IsPositive() {
			continue
		}
		pd := models.PriceData{
			Symbol:     sym,
			Price:      price,
			Blockchain: c.blockchainFor(sym, entry),
		}
		if raw := quote.Get("percent_change_24h"); raw.Exists() && raw.Type == gjson.Number {
			if change, err := decimal.NewFromString(raw.Raw); err == nil {
				pd.Change24h = &change
			}
		}
		out[sym] = pd
	}
	return out, nil
}

func (c *PriceAPIClient) blockchainFor(sym string, entry gjson.Result) string {
	if chain, ok := c.blockchains[sym]; ok {
		return chain
	}
	if slug := entry.Get("slug"); slug.Exists() {
		return slug.String()
	}
	return strings.ToLower(sym)
}
