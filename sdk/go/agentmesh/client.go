// Package agentmesh provides a Go client for the AgentMesh REST API. It
// covers plugin lifecycle management, tool discovery, and tool execution.
package agentmesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentMesh REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// PluginView mirrors the server-side plugin instance representation.
type PluginView struct {
	Manifest       json.RawMessage `json:"manifest"`
	Status         string          `json:"status"`
	InstalledAt    time.Time       `json:"installed_at"`
	DisabledReason string          `json:"disabled_reason,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// InstallRequest is the payload for installing a plugin.
type InstallRequest struct {
	Manifest            json.RawMessage `json:"manifest"`
	Force               bool            `json:"force,omitempty"`
	ActivateImmediately bool            `json:"activate_immediately,omitempty"`
	Config              json.RawMessage `json:"config,omitempty"`
}

// UpdateRequest is the payload for updating an installed plugin.
type UpdateRequest struct {
	Manifest     json.RawMessage `json:"manifest"`
	AutoRollback bool            `json:"auto_rollback,omitempty"`
	ResetConfig  bool            `json:"reset_config,omitempty"`
}

// ToolDefinition is an AI-facing tool declaration returned by the server.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall names a tool and its arguments.
type ToolCall struct {
	CallID    string         `json:"call_id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallContext carries session and wallet context shared by a batch of calls.
type CallContext struct {
	UserID           string  `json:"user_id"`
	AgentID          string  `json:"agent_id,omitempty"`
	SessionID        string  `json:"session_id,omitempty"`
	WalletAddress    string  `json:"wallet_address,omitempty"`
	AvailableBalance float64 `json:"available_balance,omitempty"`
	SpendingLimit    float64 `json:"spending_limit,omitempty"`
}

// ExecuteRequest is the payload for executing a batch of tool calls.
type ExecuteRequest struct {
	Calls            []ToolCall  `json:"calls"`
	Context          CallContext `json:"context"`
	TimeoutMs        int64       `json:"timeout_ms,omitempty"`
	DryRun           bool        `json:"dry_run,omitempty"`
	SkipConfirmation bool        `json:"skip_confirmation,omitempty"`
	Parallel         bool        `json:"parallel,omitempty"`
}

// ToolCallResult is the simplified execution result for one call.
type ToolCallResult struct {
	CallID               string `json:"call_id"`
	Name                 string `json:"name"`
	Success              bool   `json:"success"`
	Data                 any    `json:"data,omitempty"`
	Error                string `json:"error,omitempty"`
	ErrorCode            string `json:"error_code,omitempty"`
	Retryable            bool   `json:"retryable,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
	ConfirmationMessage  string `json:"confirmation_message,omitempty"`
	DurationMs           int64  `json:"duration_ms,omitempty"`
}

// HealthSummary aggregates plugin states across the registry.
type HealthSummary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
	Errored   int `json:"errored"`
}

// APIError represents server side validation or internal errors.
// StatusCode comes from the HTTP response, never from the body.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentmesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentmesh api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentMesh API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the admin token attached to subsequent calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// InstallPlugin installs a plugin from its manifest.
func (c *Client) InstallPlugin(ctx context.Context, req InstallRequest) (PluginView, error) {
	var view PluginView
	if err := c.post(ctx, "/api/v1/plugins", req, &view); err != nil {
		return PluginView{}, err
	}
	return view, nil
}

// ListPlugins returns installed plugins, optionally filtered by query values.
func (c *Client) ListPlugins(ctx context.Context, query url.Values) ([]PluginView, error) {
	endpoint := "/api/v1/plugins"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var views []PluginView
	if err := c.get(ctx, endpoint, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// GetPlugin fetches a single plugin by identifier.
func (c *Client) GetPlugin(ctx context.Context, id string) (PluginView, error) {
	var view PluginView
	if err := c.get(ctx, "/api/v1/plugins/"+url.PathEscape(id), &view); err != nil {
		return PluginView{}, err
	}
	return view, nil
}

// UninstallPlugin removes an installed plugin.
func (c *Client) UninstallPlugin(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/v1/plugins/"+url.PathEscape(id))
}

// ActivatePlugin transitions a plugin to the active state.
func (c *Client) ActivatePlugin(ctx context.Context, id string) (PluginView, error) {
	return c.lifecycle(ctx, id, "activate")
}

// DeactivatePlugin transitions a plugin back to the inactive state.
func (c *Client) DeactivatePlugin(ctx context.Context, id string) (PluginView, error) {
	return c.lifecycle(ctx, id, "deactivate")
}

// EnablePlugin lifts an administrative disable.
func (c *Client) EnablePlugin(ctx context.Context, id string) (PluginView, error) {
	return c.lifecycle(ctx, id, "enable")
}

// DisablePlugin force-disables a plugin with a reason.
func (c *Client) DisablePlugin(ctx context.Context, id, reason string) (PluginView, error) {
	var view PluginView
	payload := map[string]string{"reason": reason}
	endpoint := "/api/v1/plugins/" + url.PathEscape(id) + "/disable"
	if err := c.post(ctx, endpoint, payload, &view); err != nil {
		return PluginView{}, err
	}
	return view, nil
}

// UpdatePlugin replaces a plugin manifest with a newer version.
func (c *Client) UpdatePlugin(ctx context.Context, id string, req UpdateRequest) (PluginView, error) {
	var view PluginView
	endpoint := "/api/v1/plugins/" + url.PathEscape(id) + "/update"
	if err := c.post(ctx, endpoint, req, &view); err != nil {
		return PluginView{}, err
	}
	return view, nil
}

func (c *Client) lifecycle(ctx context.Context, id, action string) (PluginView, error) {
	var view PluginView
	endpoint := "/api/v1/plugins/" + url.PathEscape(id) + "/" + action
	if err := c.post(ctx, endpoint, struct{}{}, &view); err != nil {
		return PluginView{}, err
	}
	return view, nil
}

// ListTools returns the AI-facing tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	if err := c.get(ctx, "/api/v1/tools", &tools); err != nil {
		return nil, err
	}
	return tools, nil
}

// ExecuteTools runs a batch of tool calls and returns per-call results.
func (c *Client) ExecuteTools(ctx context.Context, req ExecuteRequest) ([]ToolCallResult, error) {
	var results []ToolCallResult
	if err := c.post(ctx, "/api/v1/tools/execute", req, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Health fetches the registry health summary.
func (c *Client) Health(ctx context.Context) (HealthSummary, error) {
	var summary HealthSummary
	if err := c.get(ctx, "/api/v1/health", &summary); err != nil {
		return HealthSummary{}, err
	}
	return summary, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
