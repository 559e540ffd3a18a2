package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL     = "https://api.coingecko.com/api/v3"
	defaultSimplePrice = "/simple/price"
	maxBodyBytes       = 8 << 20
)

// CoinGeckoOptions parameterise the simple-price fetcher.
type CoinGeckoOptions struct {
	BaseURL   string
	Path      string
	Timeout   time.Duration
	UserAgent string
	APIKey    string
}

// CoinGecko fetches spot prices from the CoinGecko simple/price endpoint.
type CoinGecko struct {
	opts     CoinGeckoOptions
	logger   zerolog.Logger
	client   *http.Client
	endpoint string
}

// NewCoinGecko constructs a CoinGecko fetcher.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	path := opts.Path
	if path == "" {
		path = defaultSimplePrice
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	return &CoinGecko{
		opts:     opts,
		logger:   logger.With().Str("component", "coingecko_fetcher").Logger(),
		client:   &http.Client{Timeout: timeout},
		endpoint: baseURL + path,
	}
}

// Endpoint returns the resolved request URL without query parameters.
func (c *CoinGecko) Endpoint() string {
	return c.endpoint
}

// FetchSimplePrice issues a single batched request covering every coin and currency.
func (c *CoinGecko) FetchSimplePrice(ctx context.Context, coinIDs, currencies []string) (json.RawMessage, error) {
	if len(coinIDs) == 0 {
		return nil, errors.New("at least one coin id required")
	}
	if len(currencies) == 0 {
		return nil, errors.New("at least one vs currency required")
	}

	params := url.Values{}
	params.Set("ids", strings.Join(coinIDs, ","))
	params.Set("vs_currencies", strings.Join(currencies, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "medallion/1.0")
	}
	if key := strings.TrimSpace(c.opts.APIKey); key != "" {
		req.Header.Set("x-cg-demo-api-key", key)
	}

	c.logger.Debug().Str("url", c.endpoint).Strs("coins", coinIDs).Strs("currencies", currencies).Msg("requesting prices")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	payload = bytes.TrimSpace(payload)
	if !json.Valid(payload) {
		return nil, errors.New("coingecko returned invalid json")
	}
	if len(payload) == 0 || payload[0] != '{' {
		return nil, errors.New("coingecko returned a non-object payload")
	}

	return json.RawMessage(payload), nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("coingecko api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coingecko api error (%d)", status)
}

var _ PriceSource = (*CoinGecko)(nil)
