// Package bot is a narrow REST client for the meeting-bot control API
// (Recall.ai-shaped): request a bot into a meeting, stop it. The full
// bot lifecycle and transcript/audio stream arrive later over the
// webhook endpoint, not through this client.
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBaseURL = "https://us-east-1.recall.ai/api/v1"

// Client requests and stops meeting bots against the Recall.ai REST API.
type Client struct {
	apiKey     string
	baseURL    string
	webhookURL string
	httpClient *http.Client
}

// New builds a Client. webhookURL is the externally reachable base this
// process is served from; the bot is configured to post its events back
// to webhookURL + "/api/webhooks/recall".
func New(apiKey, webhookURL string) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// RequestBot asks the provider to join meetingURL and stream audio and
// transcript events back to this process's webhook. It returns the
// provider's opaque bot id.
func (c *Client) RequestBot(sessionID, meetingURL string) (string, error) {
	payload := map[string]interface{}{
		"meeting_url": meetingURL,
		"webhook_url": c.webhookURL + "/api/webhooks/recall",
		"metadata":    map[string]string{"sessionId": sessionID},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("recall: request bot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errBody interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return "", fmt.Errorf("recall: request bot failed (status %d): %v", resp.StatusCode, errBody)
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("recall: request bot returned no id")
	}
	return result.ID, nil
}

// StopBot asks the provider to remove botID from its meeting.
func (c *Client) StopBot(botID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot/"+botID+"/leave_call", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("recall: stop bot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("recall: stop bot failed (status %d): %v", resp.StatusCode, errBody)
	}
	return nil
}
