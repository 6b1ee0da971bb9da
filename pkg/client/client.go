// Package client provides the CRM REST client used to list content assets.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fritsvt/salesforce-test/pkg/auth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	crmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_requests_total",
		Help: "Total CRM requests by endpoint and status",
	}, []string{"endpoint", "status"})

	crmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crm_request_duration_seconds",
		Help:    "CRM request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	crmErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_errors_total",
		Help: "Total CRM errors by class",
	}, []string{"class"})
)

const (
	// AssetQueryPath is the asset list endpoint, relative to the instance URL.
	AssetQueryPath = "/asset/v1/content/assets/query"

	// AssetOrder is sent as the order query parameter.
	AssetOrder = "desc"

	maxErrorBody = 4 << 10
)

// Asset is a content asset as returned by the list endpoint.
type Asset struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// AssetPage is one page of the asset list.
type AssetPage struct {
	Items []Asset `json:"items"`

	// PageSize is the size the server reports for this page. It decides
	// whether another page follows, independent of len(Items).
	PageSize int `json:"pageSize"`

	Page  int `json:"page"`
	Count int `json:"count"`
}

type pageParams struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

type assetQuery struct {
	Page pageParams `json:"page"`
}

// Config holds the client configuration.
type Config struct {
	// HTTPClient performs the requests. When nil one is created with Timeout.
	HTTPClient *http.Client

	// Timeout bounds every request when HTTPClient is nil.
	Timeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "asset-sync/0.1.0",
	}
}

// Client talks to the CRM REST API of one instance. The instance URL and
// token come from the credential passed to each call.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new CRM client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.Timeout <= 0 {
			return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
		}
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
		logger:     logger.With().Str("component", "crm-client").Logger(),
	}, nil
}

// QueryAssets requests one page of the asset list, newest first.
func (c *Client) QueryAssets(ctx context.Context, cred auth.Credential, page, pageSize int) (*AssetPage, error) {
	body, err := json.Marshal(assetQuery{Page: pageParams{Page: page, PageSize: pageSize}})
	if err != nil {
		return nil, fmt.Errorf("marshal asset query: %w", err)
	}

	url := cred.InstanceURL + AssetQueryPath + "?order=" + AssetOrder
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().
		Int("page", page).
		Int("page_size", pageSize).
		Msg("Querying assets")

	var result AssetPage
	if err := c.do(req, cred, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do sends req with the bearer token and decodes a 2xx JSON body into out.
// Every failure comes back as an *APIError.
func (c *Client) do(req *http.Request, cred auth.Credential, out any) error {
	endpoint := req.URL.Path

	if cred.AccessToken == "" {
		return &APIError{Endpoint: endpoint, ErrorClass: ErrorClassAuth, Message: "request not sent", Err: ErrNoCredential}
	}

	startTime := time.Now()
	defer func() {
		crmRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errClass := c.classifyError(nil, err)
		crmErrorsTotal.WithLabelValues(string(errClass)).Inc()
		crmRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return &APIError{Endpoint: endpoint, ErrorClass: errClass, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	crmRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errClass := c.classifyError(resp, nil)
		crmErrorsTotal.WithLabelValues(string(errClass)).Inc()

		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("CRM request error")

		message := resp.Status
		if trimmed := bytes.TrimSpace(msg); len(trimmed) > 0 {
			message = resp.Status + ": " + string(trimmed)
		}
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, ErrorClass: errClass, Message: message}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		crmErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
		return &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassDecode,
			Message:    "decode response",
			Err:        err,
		}
	}

	return nil
}

// classifyError categorizes an error for observability and handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrorClassAuth
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
