// Package authority is the HTTP client for the remote turn-resolution service.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/graymar/client/internal/config"
	"github.com/zhouzirui/graymar/client/internal/model/game"
)

// Client talks JSON over HTTP to the authority.
type Client struct {
	baseURL    string
	userID     string
	token      string
	httpClient *http.Client
}

// NewClient builds a client from configuration.
func NewClient(cfg config.AuthorityConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userID:     cfg.UserID,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// CreateRun creates a new run for the preset and cosmetic variant.
func (c *Client) CreateRun(ctx context.Context, req game.CreateRunRequest) (*game.RunView, error) {
	var view game.RunView
	if err := c.do(ctx, http.MethodPost, "/v1/runs", req, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// ActiveRun returns the user's resumable run or ErrNoActiveRun.
func (c *Client) ActiveRun(ctx context.Context) (*game.ActiveRun, error) {
	var active *game.ActiveRun
	err := c.do(ctx, http.MethodGet, "/v1/runs/active", nil, &active)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, ErrNoActiveRun
		}
		return nil, err
	}
	if active == nil || active.RunID == "" {
		return nil, ErrNoActiveRun
	}
	return active, nil
}

// GetRun fetches the current snapshot of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*game.RunView, error) {
	var view game.RunView
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// SubmitTurn submits one player turn.
func (c *Client) SubmitTurn(ctx context.Context, runID string, req game.SubmitTurnRequest) (*game.SubmitTurnResponse, error) {
	var res game.SubmitTurnResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+url.PathEscape(runID)+"/turns", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// TurnDetail fetches the narration state of one turn.
func (c *Client) TurnDetail(ctx context.Context, runID string, turnNo int) (*game.TurnDetail, error) {
	var detail game.TurnDetail
	path := "/v1/runs/" + url.PathEscape(runID) + "/turns/" + strconv.Itoa(turnNo)
	if err := c.do(ctx, http.MethodGet, path, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s %s request: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userID != "" {
		req.Header.Set("x-user-id", c.userID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s %s: %v", ErrTransport, method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			if payload.Code != "" {
				apiErr.Code = payload.Code
			}
			if payload.Message != "" {
				apiErr.Message = payload.Message
			}
		}
		log.Printf("[authority] %s %s failed: status=%d code=%s", method, path, resp.StatusCode, apiErr.Code)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
