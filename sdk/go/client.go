package jubeesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Jubee HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set; servers accept
	// it only when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Tool summarizes a configured intake tool.
type Tool struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Start    string `json:"start"`
	Terminal string `json:"terminal"`
	Stages   int    `json:"stages"`
}

type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Document struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeOrExt string `json:"mime_or_ext,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Category  string `json:"category"`
}

// File describes a file the caller uploaded or picked.
type File struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type Stage struct {
	Name      string   `json:"name"`
	Prompt    string   `json:"prompt"`
	InputMode string   `json:"input_mode"`
	Field     string   `json:"field,omitempty"`
	Required  bool     `json:"required"`
	Category  string   `json:"category,omitempty"`
	Multiple  bool     `json:"multiple"`
	Options   []Option `json:"options,omitempty"`
	Terminal  bool     `json:"terminal"`
}

type Turn struct {
	ID             int64      `json:"id"`
	Speaker        string     `json:"speaker"`
	Stage          string     `json:"stage,omitempty"`
	Text           string     `json:"text"`
	Revealed       string     `json:"revealed"`
	Typing         bool       `json:"typing"`
	OptionChips    []Option   `json:"option_chips,omitempty"`
	Actionable     bool       `json:"actionable"`
	Attachments    []Document `json:"attachments,omitempty"`
	SelectionChips []string   `json:"selection_chips,omitempty"`
	CreatedAt      string     `json:"created_at"`
}

// Session is the snapshot every session operation returns.
type Session struct {
	ID        string                `json:"id"`
	Tool      string                `json:"tool"`
	Title     string                `json:"title"`
	Owner     string                `json:"owner,omitempty"`
	Status    string                `json:"status"`
	Stage     Stage                 `json:"stage"`
	Fields    map[string]any        `json:"fields"`
	Documents map[string][]Document `json:"documents_by_category"`
	Turns     []Turn                `json:"turns"`
	Thinking  bool                  `json:"thinking"`
	Result    json.RawMessage       `json:"result,omitempty"`
	Failure   string                `json:"failure,omitempty"`
	CreatedAt string                `json:"created_at"`
}

// SessionSummary is a row of the session listing.
type SessionSummary struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Status    string `json:"status"`
	Stage     string `json:"stage"`
	OwnerID   string `json:"owner_id,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Tool      string         `json:"tool,omitempty"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Principal struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Me returns the principal the server authenticated.
func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// DevLogin mints a development token and stores it as the bearer token.
func (c *Client) DevLogin(ctx context.Context, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor_id": actorID}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Tools lists configured tools.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var resp []Tool
	err := c.do(ctx, http.MethodGet, "tools", nil, &resp)
	return resp, err
}

// CreateSession starts a session for tool with optional seed fields.
func (c *Client) CreateSession(ctx context.Context, tool string, seed map[string]any) (Session, error) {
	body := map[string]any{"tool": tool}
	if len(seed) > 0 {
		body["seed"] = seed
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

// Sessions lists the caller's sessions.
func (c *Client) Sessions(ctx context.Context, tool, status string) ([]SessionSummary, error) {
	q := url.Values{}
	if tool != "" {
		q.Set("tool", tool)
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp struct {
		Items []SessionSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("sessions", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(id, ""), nil, nil)
}

func (c *Client) Choose(ctx context.Context, id, optionID string) (Session, error) {
	return c.action(ctx, id, "choice", map[string]any{"option_id": optionID})
}

func (c *Client) Text(ctx context.Context, id, value string) (Session, error) {
	return c.action(ctx, id, "text", map[string]any{"value": value})
}

func (c *Client) Files(ctx context.Context, id string, files []File) (Session, error) {
	return c.action(ctx, id, "files", map[string]any{"files": files})
}

func (c *Client) UploadFailure(ctx context.Context, id, message string) (Session, error) {
	return c.action(ctx, id, "upload-failure", map[string]any{"message": message})
}

func (c *Client) Reset(ctx context.Context, id string) (Session, error) {
	return c.action(ctx, id, "reset", nil)
}

func (c *Client) Retry(ctx context.Context, id string) (Session, error) {
	return c.action(ctx, id, "retry", nil)
}

// Complete installs a result produced outside the server.
func (c *Client) Complete(ctx context.Context, id string, result map[string]any) (Session, error) {
	return c.action(ctx, id, "complete", map[string]any{"result": result})
}

func (c *Client) RemoveDocument(ctx context.Context, id, category, docID string) (Session, error) {
	var resp Session
	endpoint := sessionPath(id, fmt.Sprintf("documents/%s/%s", url.PathEscape(category), url.PathEscape(docID)))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a page of a session's events, newest first.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(sessionPath(id, "events"), q), nil, &resp)
	return resp, err
}

func (c *Client) action(ctx context.Context, id, name string, body any) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, sessionPath(id, name), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func sessionPath(id, p string) string {
	if p == "" {
		return "sessions/" + url.PathEscape(id)
	}
	return fmt.Sprintf("sessions/%s/%s", url.PathEscape(id), strings.TrimLeft(p, "/"))
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
