package permcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// HTTPCheckerParams configures an HTTPChecker.
type HTTPCheckerParams struct {
	// BaseURL is the identity service's base URL, e.g. "https://auth.example.com".
	BaseURL string
	// ServiceToken authenticates the proxy itself to the identity
	// service, distinct from the per-request platform bearer token
	// passed to Check/ListUserPermissions.
	ServiceToken string
}

// HTTPChecker implements Checker against an HTTP identity service
// exposing a check-permissions and a list-image-permissions-for-user
// operation. Requests retry on network error and 5xx with
// go-retryablehttp's default exponential backoff.
type HTTPChecker struct {
	baseURL      string
	serviceToken string
	client       *retryablehttp.Client
}

func NewHTTPChecker(p HTTPCheckerParams) *HTTPChecker {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 800 * time.Millisecond
	client.Logger = nil
	return &HTTPChecker{
		baseURL:      p.BaseURL,
		serviceToken: p.ServiceToken,
		client:       client,
	}
}

var _ Checker = (*HTTPChecker)(nil)

type checkRequestBody struct {
	Token       string       `json:"token"`
	Permissions []Permission `json:"permissions"`
}

type checkResponseBody struct {
	Missing []Permission `json:"missing"`
}

func (c *HTTPChecker) Check(ctx context.Context, token string, required []Permission) error {
	body, err := json.Marshal(checkRequestBody{Token: token, Permissions: required})
	if err != nil {
		return fmt.Errorf("encoding permission check request: %w", err)
	}
	var resp checkResponseBody
	if err := c.doJSON(ctx, "POST", "/v1/check", body, &resp); err != nil {
		return err
	}
	if len(resp.Missing) > 0 {
		return &DeniedError{Missing: resp.Missing}
	}
	return nil
}

type listPermissionsResponseBody struct {
	Permissions []Permission `json:"permissions"`
}

func (c *HTTPChecker) ListUserPermissions(ctx context.Context, token string) ([]Permission, error) {
	body, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return nil, fmt.Errorf("encoding list-permissions request: %w", err)
	}
	var resp listPermissionsResponseBody
	if err := c.doJSON(ctx, "POST", "/v1/permissions", body, &resp); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

func (c *HTTPChecker) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building identity service request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity service request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading identity service response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity service returned %d: %s", resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding identity service response: %w", err)
	}
	return nil
}
