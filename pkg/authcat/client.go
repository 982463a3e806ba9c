// Package authcat is a client for the AuthCat single-sign-on service. The
// server delegates all credential checks and user lookups to it; no
// passwords are stored locally.
package authcat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public AuthCat deployment.
const DefaultBaseURL = "https://data.nathcat.net/sso"

// InvalidResponseError reports an unexpected HTTP status from the service.
type InvalidResponseError struct {
	Status int
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("authcat responded with unexpected status %d", e.Status)
}

// Result is the verdict of an authentication attempt. User is the raw user
// record as returned by the service and is only set on success.
type Result struct {
	Success bool
	User    map[string]any
}

// Client talks to one AuthCat deployment.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// post sends a JSON body and returns the raw response body on a 200.
func (c *Client) post(path string, body map[string]any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &InvalidResponseError{Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

// TryLogin checks a username/password pair.
func (c *Client) TryLogin(credentials map[string]any) (*Result, error) {
	body, err := c.post("/try-login.php", credentials)
	if err != nil {
		return nil, err
	}

	var verdict struct {
		Status string         `json:"status"`
		User   map[string]any `json:"user"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		return nil, fmt.Errorf("authcat login response is not valid JSON: %w", err)
	}

	if verdict.Status != "success" {
		return &Result{}, nil
	}
	return &Result{Success: true, User: verdict.User}, nil
}

// LoginWithCookie resolves an AuthCat-SSO session cookie to a user. An
// empty-array body means the session is unknown or expired.
func (c *Client) LoginWithCookie(cookie string) (*Result, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/get-session.php", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cookie", "AuthCat-SSO="+cookie)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &InvalidResponseError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if string(bytes.TrimSpace(body)) == "[]" {
		return &Result{}, nil
	}

	var session struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("authcat session response is not valid JSON: %w", err)
	}
	return &Result{Success: true, User: session.User}, nil
}

// UserSearch queries the directory. The query must carry a username field,
// a fullName field, or both; the raw service response is returned.
func (c *Client) UserSearch(query map[string]any) (map[string]any, error) {
	body, err := c.post("/user-search.php", query)
	if err != nil {
		return nil, err
	}

	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("authcat search response is not valid JSON: %w", err)
	}
	return response, nil
}

// Authenticate runs the full login strategy over the fields a client
// supplied: a cookie is tried first when present, and on rejection the
// credentials are tried once. The first success wins, otherwise the last
// failure is returned.
func (c *Client) Authenticate(data map[string]any) (*Result, error) {
	cookie, hasCookie := data["cookieAuth"].(string)
	if !hasCookie {
		return c.TryLogin(data)
	}

	result, err := c.LoginWithCookie(cookie)
	if err != nil {
		return nil, err
	}
	if result.Success {
		return result, nil
	}

	_, hasUser := data["username"]
	_, hasPass := data["password"]
	if !hasUser || !hasPass {
		return result, nil
	}

	credentials := make(map[string]any, len(data))
	for k, v := range data {
		if k != "cookieAuth" {
			credentials[k] = v
		}
	}
	return c.TryLogin(credentials)
}
