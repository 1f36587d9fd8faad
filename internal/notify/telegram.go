package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramURL is the public Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

// TelegramClient wraps interactions with the Telegram Bot API.
type TelegramClient struct {
	baseURL    string
	token      string
	formatter  Formatter
	httpClient *http.Client
}

// NewTelegramClient constructs a new client.
func NewTelegramClient(baseURL, token string, formatter Formatter) *TelegramClient {
	if baseURL == "" {
		baseURL = DefaultTelegramURL
	}
	return &TelegramClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		formatter: formatter,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Ping checks the bot token with getMe.
func (c *TelegramClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("getMe"), nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

// NotifyDebt sends the reminder to the patient's chat.
func (c *TelegramClient) NotifyDebt(ctx context.Context, msg DebtMessage) error {
	if msg.ChatID == 0 {
		return ErrNoChannel
	}
	payload, err := json.Marshal(sendMessageRequest{ChatID: msg.ChatID, Text: c.formatter.Text(msg)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *TelegramClient) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func (c *TelegramClient) do(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	var out apiResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode >= 400 || !out.OK {
		return fmt.Errorf("telegram returned status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}
