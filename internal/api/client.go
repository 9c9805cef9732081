// Package api implements the JWT-bearing HTTPS client for the broker's
// REST surface: deployment listings, access rules, and lock-out state.
// Payloads are decoded loosely at the boundary and converted to typed
// values immediately; unknown fields are ignored.
package api

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
)

// ErrTransient marks broker responses that are worth retrying (5xx,
// unexpected status codes, transport errors).
var ErrTransient = errors.New("api: transient broker error")

// RequestError is a broker-reported 400 with its error_message payload.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api: broker rejected request (%d): %s", e.StatusCode, e.Message)
}

// Deployment is a broker-side deployment record.
type Deployment struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Dissolved string `json:"date_dissolved,omitempty"`
	Origin    string `json:"origin,omitempty"`
}

// AccessRule grants or denies a capability on a deployment.
type AccessRule struct {
	ID           int       `json:"id"`
	Capability   string    `json:"capability"`
	DeploymentID string    `json:"wdeployment_id"`
	User         string    `json:"user"`
	DateCreated  time.Time `json:"date_created"`
}

// Client talks to the broker REST API.
type Client struct {
	origin     string
	token      string
	httpClient *http.Client
}

// NewClient creates a broker client for the given origin (scheme+host)
// using the bearer token for every request.
func NewClient(origin, token string) *Client {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		origin = "https://" + origin
	}
	return &Client{
		origin: strings.TrimSuffix(origin, "/"),
		token:  token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request performs one call and decodes a 200 response into result.
func (c *Client) request(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.origin+path, bodyReader)
	if err != nil {
		return fmt.Errorf("api: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		var errResp struct {
			Message string `json:"error_message"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return &RequestError{StatusCode: resp.StatusCode, Message: errResp.Message}
	default:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("api: parse response: %w", err)
		}
	}
	return nil
}

// ListDeployments returns the caller's deployments. Dissolved ones are
// included when withDissolved is set.
func (c *Client) ListDeployments(ctx context.Context, withDissolved bool) ([]Deployment, error) {
	path := "/list"
	if withDissolved {
		path += "?with_dissolved"
	}

	// The broker wraps the list; extract the known field and drop the rest.
	var payload struct {
		Deployments []json.RawMessage `json:"deployments"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}

	deployments := make([]Deployment, 0, len(payload.Deployments))
	for _, raw := range payload.Deployments {
		var d Deployment
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("api: parse deployment record: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

// GetRules lists the access rules of a deployment.
func (c *Client) GetRules(ctx context.Context, deploymentID string) ([]AccessRule, error) {
	var payload struct {
		Rules []AccessRule `json:"rules"`
	}
	path := fmt.Sprintf("/deployment/%s/rules", deploymentID)
	if err := c.request(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Rules, nil
}

// AddRule creates an access rule with the given capability.
func (c *Client) AddRule(ctx context.Context, deploymentID, capability string) error {
	path := fmt.Sprintf("/deployment/%s/rule", deploymentID)
	body := map[string]string{"cap": capability}
	return c.request(ctx, http.MethodPost, path, body, nil)
}

// DropRule deletes an access rule by id.
func (c *Client) DropRule(ctx context.Context, deploymentID string, ruleID int) error {
	path := fmt.Sprintf("/deployment/%s/rule/%d", deploymentID, ruleID)
	return c.request(ctx, http.MethodDelete, path, nil, nil)
}

// SetLockout sets or clears the administrative lock-out state.
func (c *Client) SetLockout(ctx context.Context, deploymentID string, locked bool) error {
	path := fmt.Sprintf("/deployment/%s/lockout", deploymentID)
	method := http.MethodPost
	if !locked {
		method = http.MethodDelete
	}
	return c.request(ctx, method, path, nil, nil)
}

// Register registers a new deployment and returns its broker id.
func (c *Client) Register(ctx context.Context, permitMore bool) (string, error) {
	var payload struct {
		ID string `json:"id"`
	}
	path := "/register"
	if !permitMore {
		path += "?permit_more=no"
	}
	if err := c.request(ctx, http.MethodPost, path, nil, &payload); err != nil {
		return "", err
	}
	return payload.ID, nil
}

// DeclareOrg declares the owning organization for subsequent operations.
func (c *Client) DeclareOrg(ctx context.Context, org string) error {
	return c.request(ctx, http.MethodPost, "/org", map[string]string{"org": org}, nil)
}
