package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	apphttp "tradedesk/pkg/http"
)

const clientTimeout = 10 * time.Second

// restTransport is the slice of the resilient HTTP client the chat client
// uses; narrowed for tests.
type restTransport interface {
	Post(ctx context.Context, path string, body interface{}) ([]byte, error)
}

// Client is the outbound REST client for the chat platform. All calls
// authenticate with the bot token and go through the resilient HTTP
// pipeline (retry + circuit breaker).
type Client struct {
	http   restTransport
	logger core.ILogger
}

// NewClient creates a chat client from the chat configuration.
func NewClient(cfg *config.ChatConfig, logger core.ILogger) *Client {
	return &Client{
		http:   apphttp.NewClient(cfg.APIBaseURL, clientTimeout, apphttp.BearerToken(cfg.BotToken)),
		logger: logger.WithField("component", "chat_client"),
	}
}

// apiResponse is the envelope every chat API method returns.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	View  *struct {
		ID string `json:"id"`
	} `json:"view,omitempty"`
	Channel *struct {
		ID string `json:"id"`
	} `json:"channel,omitempty"`
}

func (c *Client) call(ctx context.Context, path string, body interface{}) (*apiResponse, error) {
	raw, err := c.http.Post(ctx, path, body)
	if err != nil {
		return nil, fmt.Errorf("chat call %s failed: %w", path, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode chat response from %s: %w", path, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("chat API %s rejected request: %s", path, resp.Error)
	}
	return &resp, nil
}

// OpenView opens a modal against a live trigger id and returns the view id
// that identifies the modal for its lifetime.
func (c *Client) OpenView(ctx context.Context, triggerID string, view *View) (string, error) {
	if err := view.Validate(); err != nil {
		return "", fmt.Errorf("invalid view: %w", err)
	}
	resp, err := c.call(ctx, "/views.open", map[string]interface{}{
		"trigger_id": triggerID,
		"view":       view,
	})
	if err != nil {
		return "", err
	}
	if resp.View == nil || resp.View.ID == "" {
		return "", fmt.Errorf("views.open returned no view id")
	}
	return resp.View.ID, nil
}

// UpdateView replaces the content of an open modal in place by view id.
func (c *Client) UpdateView(ctx context.Context, viewID string, view *View) error {
	if err := view.Validate(); err != nil {
		return fmt.Errorf("invalid view: %w", err)
	}
	_, err := c.call(ctx, "/views.update", map[string]interface{}{
		"view_id": viewID,
		"view":    view,
	})
	return err
}

// PublishHome publishes a user's home tab.
func (c *Client) PublishHome(ctx context.Context, userID string, view *View) error {
	if err := view.Validate(); err != nil {
		return fmt.Errorf("invalid view: %w", err)
	}
	_, err := c.call(ctx, "/views.publish", map[string]interface{}{
		"user_id": userID,
		"view":    view,
	})
	return err
}

// OpenDM opens (or reuses) a direct-message conversation with a user and
// returns its channel id.
func (c *Client) OpenDM(ctx context.Context, chatUserID string) (string, error) {
	resp, err := c.call(ctx, "/conversations.open", map[string]interface{}{
		"users": chatUserID,
	})
	if err != nil {
		return "", err
	}
	if resp.Channel == nil || resp.Channel.ID == "" {
		return "", fmt.Errorf("conversations.open returned no channel id")
	}
	return resp.Channel.ID, nil
}

// PostMessage posts a block message to a channel. Text is the notification
// fallback line.
func (c *Client) PostMessage(ctx context.Context, channelID, text string, blocks []*Block) error {
	body := map[string]interface{}{
		"channel": channelID,
		"text":    text,
	}
	if len(blocks) > 0 {
		body["blocks"] = blocks
	}
	_, err := c.call(ctx, "/chat.postMessage", body)
	return err
}

// PostEphemeral posts a message to a channel visible only to one user.
func (c *Client) PostEphemeral(ctx context.Context, channelID, chatUserID, text string) error {
	_, err := c.call(ctx, "/chat.postEphemeral", map[string]interface{}{
		"channel": channelID,
		"user":    chatUserID,
		"text":    text,
	})
	return err
}
