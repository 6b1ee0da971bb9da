package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	authRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crm_auth_requests_total",
		Help: "Total token requests by result",
	}, []string{"result"})

	authRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crm_auth_refreshes_total",
		Help: "Total re-authentications triggered by credential expiry",
	})
)

const (
	// TokenPath is appended to the configured base URL.
	TokenPath = "/v2/token"

	// GrantType is the only grant the token endpoint is called with.
	GrantType = "client_credentials"

	DefaultScope     = "email_read email_write email_send"
	DefaultAccountID = "12345"

	// DefaultRefreshMargin refreshes a credential shortly before it expires
	// so an in-flight page request does not race the expiry.
	DefaultRefreshMargin = 60 * time.Second

	maxErrorBody = 4 << 10
)

// Config holds the token exchange parameters.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scope        string
	AccountID    string

	// RefreshMargin is how long before expiry EnsureFresh re-authenticates.
	// Zero refreshes only once the credential has actually expired.
	RefreshMargin time.Duration

	// HTTPClient is used for the token request. A client with a 30s timeout
	// is created when nil.
	HTTPClient *http.Client
}

// DefaultConfig fills in the fixed scope and account id.
func DefaultConfig(baseURL, clientID, clientSecret string) Config {
	return Config{
		BaseURL:       baseURL,
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		Scope:         DefaultScope,
		AccountID:     DefaultAccountID,
		RefreshMargin: DefaultRefreshMargin,
	}
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
	AccountID    string `json:"account_id"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	InstanceURL string `json:"rest_instance_url"`
}

// Session owns the current credential. It is not safe for concurrent use;
// the sync runs on a single goroutine.
type Session struct {
	httpClient *http.Client
	tokenURL   string
	request    tokenRequest
	margin     time.Duration
	cred       Credential
	now        func() time.Time
	logger     zerolog.Logger
}

// New validates cfg and authenticates immediately.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Session, error) {
	s, err := newSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	if _, err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(cfg Config, logger zerolog.Logger) (*Session, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client id and secret are required")
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.AccountID == "" {
		cfg.AccountID = DefaultAccountID
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Session{
		httpClient: httpClient,
		tokenURL:   strings.TrimRight(cfg.BaseURL, "/") + TokenPath,
		request: tokenRequest{
			GrantType:    GrantType,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scope:        cfg.Scope,
			AccountID:    cfg.AccountID,
		},
		margin: cfg.RefreshMargin,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}, nil
}

// Credential returns the current credential.
func (s *Session) Credential() Credential {
	return s.cred
}

// Authenticate exchanges the client credentials for a new bearer token.
// On failure the previous credential is kept and an
// *AuthenticationFailedError is returned.
func (s *Session) Authenticate(ctx context.Context) (Credential, error) {
	payload, err := json.Marshal(s.request)
	if err != nil {
		return Credential{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		authRequestsTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Str("url", s.tokenURL).Msg("Token request failed")
		return Credential{}, &AuthenticationFailedError{Reason: "token request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		authRequestsTotal.WithLabelValues("rejected").Inc()
		s.logger.Error().
			Int("status_code", resp.StatusCode).
			Msg("Token endpoint rejected credentials")
		return Credential{}, &AuthenticationFailedError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Reason:     "token endpoint rejected request",
		}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		authRequestsTotal.WithLabelValues("error").Inc()
		return Credential{}, &AuthenticationFailedError{
			StatusCode: resp.StatusCode,
			Reason:     "decode token response",
			Err:        err,
		}
	}
	if tr.AccessToken == "" || tr.InstanceURL == "" {
		authRequestsTotal.WithLabelValues("rejected").Inc()
		return Credential{}, &AuthenticationFailedError{
			StatusCode: resp.StatusCode,
			Reason:     "token response missing access_token or rest_instance_url",
		}
	}

	s.cred = Credential{
		AccessToken: tr.AccessToken,
		ExpiresAt:   s.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		InstanceURL: strings.TrimRight(tr.InstanceURL, "/"),
	}
	authRequestsTotal.WithLabelValues("success").Inc()

	s.logger.Info().
		Time("expires_at", s.cred.ExpiresAt).
		Str("instance_url", s.cred.InstanceURL).
		Msg("Authenticated")

	return s.cred, nil
}

// EnsureFresh returns a credential that is valid for at least the refresh
// margin, re-authenticating first when necessary.
func (s *Session) EnsureFresh(ctx context.Context) (Credential, error) {
	if !s.cred.needsRefreshAt(s.now(), s.margin) {
		s.logger.Debug().Dur("ttl", s.cred.ttlAt(s.now())).Msg("Credential still fresh")
		return s.cred, nil
	}

	authRefreshesTotal.Inc()
	s.logger.Info().Time("expires_at", s.cred.ExpiresAt).Msg("Credential expiring, re-authenticating")
	return s.Authenticate(ctx)
}
