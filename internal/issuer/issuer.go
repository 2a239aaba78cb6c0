// Package issuer is the HTTP client for the payments backend endpoints that
// issue and validate session credentials.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const requestIDHeader = "X-Request-Id"

var (
	// ErrUnauthorized is returned when the backend rejects a credential.
	ErrUnauthorized = errors.New("credential rejected by issuer")

	ErrInvalidResponse = errors.New("invalid issuer response")
)

// Config holds the issuer endpoint settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default issuer settings.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 15 * time.Second,
	}
}

// Client calls the credential issuer.
type Client struct {
	baseURL    *url.URL
	timeout    time.Duration
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for cfg.BaseURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid issuer base url %q: scheme must be http or https", cfg.BaseURL)
	}

	c := &Client{
		baseURL:    base,
		timeout:    cfg.Timeout,
		httpClient: http.DefaultClient,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// OTPChallenge identifies a pending one-time password.
type OTPChallenge struct {
	Email string `json:"email"`
	SID   string `json:"sid"`
}

// Login is the credential issued after a successful OTP verification.
// CredentialExpiry is zero when neither the response nor the token carry one.
type Login struct {
	Credential       string
	CredentialExpiry time.Time
	OrganizationID   string
}

// Profile is the authenticated user as seen by the backend.
type Profile struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	OrganizationID string `json:"organizationId"`
}

// RequestOTP asks the backend to send a one-time password to email.
func (c *Client) RequestOTP(ctx context.Context, email string) (*OTPChallenge, error) {
	var out OTPChallenge
	if err := c.do(ctx, http.MethodPost, "auth/otp/request", "", map[string]string{"email": email}, &out); err != nil {
		return nil, fmt.Errorf("request otp: %w", err)
	}
	if out.SID == "" {
		return nil, fmt.Errorf("request otp: %w: missing sid", ErrInvalidResponse)
	}
	if out.Email == "" {
		out.Email = email
	}
	return &out, nil
}

type verifyResponse struct {
	Token          string     `json:"token"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	OrganizationID string     `json:"organizationId"`
}

// VerifyOTP exchanges a one-time password for a bearer credential. When the
// backend omits expiresAt the expiry is read from the token's exp claim.
func (c *Client) VerifyOTP(ctx context.Context, email, otp, sid string) (*Login, error) {
	body := map[string]string{"email": email, "otp": otp, "sid": sid}

	var out verifyResponse
	if err := c.do(ctx, http.MethodPost, "auth/otp/verify", "", body, &out); err != nil {
		return nil, fmt.Errorf("verify otp: %w", err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("verify otp: %w: missing token", ErrInvalidResponse)
	}

	login := &Login{
		Credential:     out.Token,
		OrganizationID: out.OrganizationID,
	}

	switch {
	case out.ExpiresAt != nil:
		login.CredentialExpiry = out.ExpiresAt.UTC()
	default:
		exp, err := tokenExpiry(out.Token)
		if err != nil {
			c.logger.Debug().Err(err).Msg("credential carries no readable expiry")
		}
		login.CredentialExpiry = exp
	}

	return login, nil
}

// GetProfile fetches the profile for credential. A rejected credential
// returns ErrUnauthorized.
func (c *Client) GetProfile(ctx context.Context, credential string) (*Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "me", credential, nil, &out); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &out, nil
}

// Refresh probes the backend with credential. The backend extends a
// credential's validity whenever it is used, so a successful profile fetch is
// the refresh.
func (c *Client) Refresh(ctx context.Context, credential string) error {
	_, err := c.GetProfile(ctx, credential)
	return err
}

// tokenExpiry reads the exp claim without verifying the signature; the
// backend remains the authority on whether the token is valid.
func tokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}

	return exp.UTC(), nil
}

func (c *Client) do(ctx context.Context, method, path, credential string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.client(ctx, credential).Do(req)
	if err != nil {
		return fmt.Errorf("failed to call issuer: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("issuer call")

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("issuer returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return nil
}

// client returns the plain client, or one that attaches credential as a
// bearer token.
func (c *Client) client(ctx context.Context, credential string) *http.Client {
	if credential == "" {
		return c.httpClient
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: credential,
		TokenType:   "Bearer",
	}))
}
