// Package remote is the REST client for the authoritative CRM server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

// DefaultTimeout bounds a single remote call.
const DefaultTimeout = 10 * time.Second

// IdempotencyHeader carries the queue entry id on create requests.
const IdempotencyHeader = "Idempotency-Key"

// BaseHeader carries the server updatedAt an update was made against
// (RFC 3339, millisecond precision). The server answers 409 when its copy
// has moved on since.
const BaseHeader = "X-Base-Updated-At"

// Config configures a Client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token when set.
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// Client talks to the CRM REST API.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	log        *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		log:        logger.With("adapter", "remote"),
	}
}

// PushItem is one mutation in a batch push.
type PushItem struct {
	Type      models.EntityType `json:"type"`
	Operation models.Operation  `json:"operation"`
	Entity    json.RawMessage   `json:"entity"`
}

// RemoteEntity is an entity as returned by the batch endpoints.
type RemoteEntity struct {
	Type    models.EntityType `json:"type"`
	Entity  json.RawMessage   `json:"entity"`
	Deleted bool              `json:"deleted,omitempty"`
}

// Decode returns the typed entity.
func (r RemoteEntity) Decode() (models.Entity, error) {
	return models.DecodeEntity(r.Type, r.Entity)
}

// PullResponse is the server's delta since a watermark.
type PullResponse struct {
	Entities  []RemoteEntity `json:"entities"`
	Timestamp time.Time      `json:"timestamp"`
}

type pushRequest struct {
	Entities []PushItem `json:"entities"`
}

type pushResponse struct {
	Entities []RemoteEntity `json:"entities"`
}

type pullRequest struct {
	LastSyncTime *time.Time `json:"lastSyncTime"`
}

type errorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
	Current json.RawMessage   `json:"current"`
}

// Create posts a new entity. key is sent as the idempotency key so a
// repeated create is applied at most once.
func (c *Client) Create(ctx context.Context, e models.Entity, key string) (models.Entity, error) {
	body, err := c.do(ctx, http.MethodPost, "/"+e.Type().Collection(), e, map[string]string{IdempotencyHeader: key})
	if err != nil {
		return nil, err
	}
	return decodeEntity(e.Type(), body)
}

// Update replaces the entity with id. A non-zero base is sent in BaseHeader
// so the server can detect a lost update.
func (c *Client) Update(ctx context.Context, id string, e models.Entity, base time.Time) (models.Entity, error) {
	var headers map[string]string
	if !base.IsZero() {
		headers = map[string]string{BaseHeader: base.UTC().Format(time.RFC3339Nano)}
	}
	body, err := c.do(ctx, http.MethodPut, entityPath(e.Type(), id), e, headers)
	if err != nil {
		return nil, err
	}
	return decodeEntity(e.Type(), body)
}

// Delete removes the entity with id. A 404 is reported as NOT_FOUND.
func (c *Client) Delete(ctx context.Context, t models.EntityType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, entityPath(t, id), nil, nil)
	return err
}

// Get fetches the server copy of one entity.
func (c *Client) Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error) {
	body, err := c.do(ctx, http.MethodGet, entityPath(t, id), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeEntity(t, body)
}

// Push sends a batch of mutations and returns the acknowledged entities.
func (c *Client) Push(ctx context.Context, items []PushItem) ([]RemoteEntity, error) {
	body, err := c.do(ctx, http.MethodPost, "/sync/push", pushRequest{Entities: items}, nil)
	if err != nil {
		return nil, err
	}
	var resp pushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("remote: decode push response: %w", err)
	}
	return resp.Entities, nil
}

// Pull fetches every entity changed after since. A zero since requests the
// full collection.
func (c *Client) Pull(ctx context.Context, since time.Time) (*PullResponse, error) {
	req := pullRequest{}
	if !since.IsZero() {
		req.LastSyncTime = &since
	}
	body, err := c.do(ctx, http.MethodPost, "/sync/pull", req, nil)
	if err != nil {
		return nil, err
	}
	var resp PullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("remote: decode pull response: %w", err)
	}
	return &resp, nil
}

// Health reports whether the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in any, headers map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("remote: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.log.DebugContext(ctx, "remote request", slog.String("method", method), slog.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Network(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Network(fmt.Sprintf("%s %s: read body", method, path), err)
	}

	c.log.DebugContext(ctx, "remote response",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(method, path, resp.StatusCode, body)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(method, path string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = eb.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("%s %s: %s", method, path, msg)

	switch {
	case status == http.StatusConflict:
		var current []byte
		if len(eb.Current) > 0 && string(eb.Current) != "null" {
			current = eb.Current
		}
		return apperrors.Conflict(msg, current)
	case status == http.StatusNotFound:
		e := apperrors.NotFound(msg)
		e.Status = status
		return e
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e := apperrors.New(apperrors.ErrNetwork, msg)
		e.Status = status
		return e
	case status >= 400 && status < 500:
		// The server refuses the request as sent; retrying cannot help.
		e := apperrors.Validation(msg, eb.Fields)
		e.Status = status
		return e
	}
	e := apperrors.New(apperrors.ErrInternal, msg)
	e.Status = status
	return e
}

func entityPath(t models.EntityType, id string) string {
	return "/" + t.Collection() + "/" + url.PathEscape(id)
}

func decodeEntity(t models.EntityType, body []byte) (models.Entity, error) {
	e, err := models.DecodeEntity(t, body)
	if err != nil {
		return nil, fmt.Errorf("remote: decode %s: %w", t, err)
	}
	return e, nil
}
