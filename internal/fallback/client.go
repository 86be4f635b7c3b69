// Package fallback implements the durable request/response transport used
// when the push channel is down or an acknowledgment never arrives. The
// server deduplicates on the client message ID, so a fallback racing a
// slow push delivery cannot create a second message.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/courier-chat/courier/internal/transport"
)

// SendRequest is the durable send payload.
type SendRequest struct {
	ClientMessageID string `json:"client_message_id"`
	Content         string `json:"content"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
}

// Client posts messages to the REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a fallback client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SendMessage durably sends a message and returns the authoritative record.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*transport.Message, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("post message: status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var msg transport.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message response: %w", err)
	}
	return &msg, nil
}
