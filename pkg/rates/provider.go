package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"
	defaultAssetID      = "ethereum"
)

// DefaultCurrencies are the fiat currencies quoted by default.
var DefaultCurrencies = []string{"usd", "inr", "eur", "gbp"}

// Provider fetches live rates of the base asset keyed by lower-case currency code.
type Provider interface {
	Fetch(ctx context.Context) (map[string]decimal.Decimal, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (map[string]decimal.Decimal, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	return f(ctx)
}

// CoinGecko reads /simple/price.
type CoinGecko struct {
	baseURL    string
	assetID    string
	currencies []string
	client     *http.Client
}

// NewCoinGecko creates a CoinGecko provider. Empty arguments take the defaults.
func NewCoinGecko(baseURL, assetID string, currencies []string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	if assetID == "" {
		assetID = defaultAssetID
	}
	if len(currencies) == 0 {
		currencies = DefaultCurrencies
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &CoinGecko{
		baseURL:    strings.TrimRight(baseURL, "/"),
		assetID:    assetID,
		currencies: currencies,
		client:     &http.Client{Timeout: timeout},
	}
}

// Fetch gets the current rates of the asset in every configured currency.
func (c *CoinGecko) Fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", c.assetID)
	q.Set("vs_currencies", strings.Join(c.currencies, ","))
	endpoint := fmt.Sprintf("%s/simple/price?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("failed to get rates: status %d", resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode rates: %w", err)
	}

	quoted, ok := body[c.assetID]
	if !ok || len(quoted) == 0 {
		return nil, fmt.Errorf("no rates for %s in response", c.assetID)
	}
	out := make(map[string]decimal.Decimal, len(quoted))
	for cur, n := range quoted {
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return nil, fmt.Errorf("invalid %s rate %q: %w", cur, n, err)
		}
		out[strings.ToLower(cur)] = d
	}
	return out, nil
}
