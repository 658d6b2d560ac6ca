// Package backend is the typed client for the chat backend's REST surface.
// The terminal client points it at the relay gateway, which injects
// identity headers before forwarding upstream.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"chatrelay/internal/models"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Models returns the available model catalog. An unreachable backend or an
// empty catalog falls back to the hardcoded minimal list so the composer
// always has something selectable.
func (c *Client) Models(ctx context.Context) []models.ModelInfo {
	var resp models.ModelsResponse
	if err := c.getJSON(ctx, "/api/v1/models", &resp); err != nil {
		return models.DefaultModels
	}

	var out []models.ModelInfo
	for _, provider := range resp.Providers {
		out = append(out, provider.Models...)
	}
	if len(out) == 0 {
		return models.DefaultModels
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Conversations lists persisted conversations, most recently updated first.
// The backend makes no ordering promise, so the sort happens here.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.getJSON(ctx, "/api/v1/conversations", &convs); err != nil {
		return nil, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		a, b := convs[i].UpdatedAt, convs[j].UpdatedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return convs, nil
}

// Messages returns a conversation's history in chronological order. The
// backend serves it newest-first, so the slice is reversed before return.
func (c *Client) Messages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	var msgs []models.Message
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", conversationID)
	if err := c.getJSON(ctx, path, &msgs); err != nil {
		return nil, err
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Rename updates a conversation title. A non-success status leaves the
// caller's state untouched; no optimistic update is committed.
func (c *Client) Rename(ctx context.Context, conversationID int64, title string) error {
	path := fmt.Sprintf("/api/v1/conversations/%d?title=%s", conversationID, url.QueryEscape(title))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build rename request: %w", err)
	}
	return c.doDiscard(req)
}

// Delete removes a conversation.
func (c *Client) Delete(ctx context.Context, conversationID int64) error {
	path := fmt.Sprintf("/api/v1/conversations/%d", conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	return c.doDiscard(req)
}

// StreamChat starts a chat completion and returns the open event-stream
// body. The caller owns the body and must close it; cancelling ctx aborts
// the in-flight read.
func (c *Client) StreamChat(ctx context.Context, chatReq models.ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("start chat stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("chat stream failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	return nil
}

func (c *Client) doDiscard(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Path, resp.Status)
	}
	return nil
}
