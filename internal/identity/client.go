package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/john/livesync/internal/apperr"
)

// User is the identity provider's view of an account.
type User struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"username"`
}

// Client is a thin client for the identity provider. It holds no session
// state; callers keep the returned User for the lifetime of their session.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an identity client against the provider's REST base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Login authenticates with username/password credentials.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.post(ctx, "/api/users/login/", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// Register creates a new account.
func (c *Client) Register(ctx context.Context, username, email, password string) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.post(ctx, "/api/users/register/", map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return User{}, err
	}
	return resp.User, nil
}

// SendPasswordReset asks the provider to email a reset link.
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, "/api/users/password_reset/", map[string]string{"email": email}, nil)
}

// SendCode starts phone verification for an E.164 number and returns the
// verification handle used to confirm the code.
func (c *Client) SendCode(ctx context.Context, phoneE164 string) (string, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	err := c.post(ctx, "/api/users/phone/send_code/", map[string]string{"phone": phoneE164}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Handle, nil
}

// ConfirmCode completes phone verification.
func (c *Client) ConfirmCode(ctx context.Context, handle, code string) (bool, error) {
	var resp struct {
		Verified bool `json:"verified"`
	}
	err := c.post(ctx, "/api/users/phone/confirm/", map[string]string{
		"handle": handle,
		"code":   code,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Verified, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Newf(apperr.KindUnauthorized, "identity provider rejected %s", path)
	case resp.StatusCode >= http.StatusBadRequest:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("identity provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}
