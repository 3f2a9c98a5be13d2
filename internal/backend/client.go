// Package backend wraps the HTTP boundary of the auth and support services.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/storebay/supportchat/internal/domain"
)

// ErrUnauthorized is returned when a call fails with 401. The caller renders
// a "please log in" line instead of a generic error; no silent token refresh
// is attempted.
var ErrUnauthorized = errors.New("unauthorized")

// TokenSource supplies the bearer credential for outgoing calls.
type TokenSource interface {
	Token() string
}

// Account is the identity service's view of the current user.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Client calls the auth service and the support service. All methods are
// plain request/response; nothing here holds session state.
type Client struct {
	http        *http.Client
	authBase    string
	supportBase string
	tokens      TokenSource
}

// New creates a backend client.
func New(authBase, supportBase string, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		authBase:    strings.TrimRight(authBase, "/"),
		supportBase: strings.TrimRight(supportBase, "/"),
		tokens:      tokens,
	}
}

// Me looks up the authenticated user's identity.
func (c *Client) Me(ctx context.Context) (Account, error) {
	var acc Account
	if err := c.do(ctx, http.MethodGet, c.authBase+"/auth/me", nil, &acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Classify submits a message to the classification bot. Both response shapes
// are supported; see domain.ParseClassifyResult.
func (c *Client) Classify(ctx context.Context, userID, message string) (domain.ClassifyResult, error) {
	body := map[string]any{"userId": nil, "message": message}
	if userID != "" {
		body["userId"] = userID
	}
	raw, err := c.doRaw(ctx, http.MethodPost, c.supportBase+"/nlp/classify", body)
	if err != nil {
		return domain.ClassifyResult{}, err
	}
	return domain.ParseClassifyResult(raw)
}

// CreateAdminRequest creates or reuses a pending escalation for the user.
// The support service dedupes by user; an existing pending request comes back
// instead of a duplicate.
func (c *Client) CreateAdminRequest(ctx context.Context, userID, initialMessage string) (domain.AdminRequest, error) {
	var req domain.AdminRequest
	payload := map[string]string{"userId": userID, "initialMessage": initialMessage}
	if err := c.do(ctx, http.MethodPost, c.supportBase+"/api/support/requests", payload, &req); err != nil {
		return domain.AdminRequest{}, err
	}
	return req, nil
}

// AwaitingRequests lists escalations waiting for an admin.
func (c *Client) AwaitingRequests(ctx context.Context) ([]domain.AdminRequest, error) {
	var items []domain.AdminRequest
	if err := c.do(ctx, http.MethodGet, c.supportBase+"/api/support/requests/awaiting", nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// AcceptRequest claims a pending escalation for the given admin.
func (c *Client) AcceptRequest(ctx context.Context, requestID, adminID string) error {
	payload := map[string]string{"adminId": adminID}
	url := fmt.Sprintf("%s/api/support/requests/%s/accept", c.supportBase, requestID)
	return c.do(ctx, http.MethodPost, url, payload, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	raw, err := c.doRaw(ctx, method, url, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", url, err)
	}
	return nil
}

func (c *Client) doRaw(ctx context.Context, method, url string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = res.Status
		}
		return nil, fmt.Errorf("%s %s: %s", method, url, msg)
	}
	return data, nil
}
