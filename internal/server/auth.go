package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenValidator resolves an upgrade-time credential to a user identity.
// Implementations own the actual auth logic; the relay only delegates.
// A non-nil error means the token was rejected.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (identity string, err error)
}

// ValidatorFunc adapts a plain function to the TokenValidator interface.
type ValidatorFunc func(ctx context.Context, token string) (string, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// HTTPValidator delegates token validation to the marketplace backend,
// which owns sessions and user records. The relay only forwards the
// credential and trusts the answer.
type HTTPValidator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPValidator creates a validator POSTing tokens to endpoint.
func NewHTTPValidator(endpoint string) *HTTPValidator {
	return &HTTPValidator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, token string) (string, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("validator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("validator returned status %d", resp.StatusCode)
	}

	var out struct {
		Valid    bool   `json:"valid"`
		Identity string `json:"identity"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("validator response: %w", err)
	}
	if !out.Valid {
		if out.Reason == "" {
			out.Reason = "token rejected"
		}
		return "", errors.New(out.Reason)
	}
	return out.Identity, nil
}

// extractToken pulls a credential from the request. Checked in order,
// first match wins: websocket subprotocol, query string, bearer header.
func extractToken(r *http.Request) string {
	if proto := firstProtocol(r); proto != "" {
		return proto
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
