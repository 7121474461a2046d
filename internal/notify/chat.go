package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	colorRed   = "red"
	colorGreen = "green"
)

// ChatNotifier posts a bucket-outcome message to a single chat room.
type ChatNotifier interface {
	NotifyFailed(ctx context.Context, project, bucket, guiURL, ccUser string) error
	NotifyRepaired(ctx context.Context, project, bucket, guiURL, ccUser string) error
}

// chatMessage is the webhook payload shape, mirroring the color/notify
// fields most chat webhook integrations (Slack, HipChat-style) expect.
type chatMessage struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
	Color   string `json:"color"`
	Notify  bool   `json:"notify"`
}

// WebhookChatNotifier posts messages to a chat room over a webhook URL,
// mirroring the outbound-HTTP style used elsewhere for peer-to-peer calls.
type WebhookChatNotifier struct {
	WebhookURL string
	RoomID     string
	Token      string
	httpClient *http.Client
}

// NewWebhookChatNotifier constructs a ChatNotifier posting to webhookURL.
func NewWebhookChatNotifier(webhookURL, roomID, token string) *WebhookChatNotifier {
	return &WebhookChatNotifier{
		WebhookURL: webhookURL,
		RoomID:     roomID,
		Token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *WebhookChatNotifier) NotifyFailed(ctx context.Context, project, bucket, guiURL, ccUser string) error {
	return c.post(ctx, formatMessage(project, bucket, "failed", guiURL, ccUser), colorRed)
}

func (c *WebhookChatNotifier) NotifyRepaired(ctx context.Context, project, bucket, guiURL, ccUser string) error {
	return c.post(ctx, formatMessage(project, bucket, "repaired", guiURL, ccUser), colorGreen)
}

func formatMessage(project, bucket, outcome, guiURL, ccUser string) string {
	msg := fmt.Sprintf("[%s] %s %s - %s", project, bucket, outcome, guiURL)
	if ccUser != "" {
		msg += fmt.Sprintf(" /cc @%s", ccUser)
	}
	return msg
}

func (c *WebhookChatNotifier) post(ctx context.Context, message, color string) error {
	if c.WebhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(chatMessage{
		RoomID:  c.RoomID,
		Message: message,
		Color:   color,
		Notify:  true,
	})
	if err != nil {
		return fmt.Errorf("marshal chat message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post chat message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}
	return nil
}
