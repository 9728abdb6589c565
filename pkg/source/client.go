package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinysync/pkg/metrics"
)

const queryPath = "/api/v1/query"

// Config holds the Datadog client settings
type Config struct {
	BaseURL string
	APIKey  string
	AppKey  string
	Timeout time.Duration
}

// Client issues windowed time-series queries against the Datadog API
type Client struct {
	baseURL string
	apiKey  string
	appKey  string
	client  *http.Client
	log     *zap.Logger
}

// queryResponse is the subset of the /api/v1/query payload we read.
// Series is a pointer so a missing field can be told apart from an empty one.
type queryResponse struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Series *[]metrics.Series `json:"series"`
}

// NewClient creates a Datadog query client
func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		appKey:  cfg.AppKey,
		client:  &http.Client{Timeout: timeout},
		log:     log.With(zap.String("component", "source")),
	}
}

// Query returns the series for one window. Nothing is requested until the
// iterator is first advanced; failures are logged and yield no series.
func (c *Client) Query(ctx context.Context, window metrics.Window, query string) *Iterator {
	return newIterator(func() []metrics.Series {
		return c.fetch(ctx, window, query)
	})
}

func (c *Client) fetch(ctx context.Context, window metrics.Window, query string) []metrics.Series {
	c.log.Debug("datadog query",
		zap.Int64("start", window.Start),
		zap.Int64("end", window.End),
		zap.String("query", query),
	)

	resp, err := c.do(ctx, window, query)
	if err != nil {
		c.log.Error("datadog query failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	if resp.Status == "error" {
		c.log.Error("datadog query failed", zap.String("query", query), zap.String("error", resp.Error))
		return nil
	}
	if resp.Series == nil {
		c.log.Info("query result not a series", zap.String("query", query), zap.String("status", resp.Status))
		return nil
	}
	return *resp.Series
}

func (c *Client) do(ctx context.Context, window metrics.Window, query string) (*queryResponse, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid datadog base url: %w", err)
	}
	u.Path = queryPath
	q := u.Query()
	q.Set("from", strconv.FormatInt(window.Start, 10))
	q.Set("to", strconv.FormatInt(window.End, 10))
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("DD-API-KEY", c.apiKey)
	req.Header.Set("DD-APPLICATION-KEY", c.appKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(b))
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}
