package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openmc/dropwatch/internal/model"
)

var colors = map[model.Severity]int{
	model.SeverityInfo:    0x3498db,
	model.SeveritySuccess: 0x2ecc71,
	model.SeverityWarning: 0xf39c12,
	model.SeverityError:   0xe74c3c,
}

type embed struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Color       int         `json:"color"`
	Timestamp   string      `json:"timestamp"`
	Footer      embedFooter `json:"footer"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

// Discord posts notifications to a Discord compatible webhook.
type Discord struct {
	client *http.Client
	footer string
}

func NewDiscord(client *http.Client, footer string) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Discord{client: client, footer: footer}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Enabled(s model.NotificationSettings) bool {
	return s.DiscordReady()
}

func (d *Discord) Send(ctx context.Context, s model.NotificationSettings, n Notification) error {
	u, err := url.Parse(s.DiscordWebhook)
	if err != nil {
		return fmt.Errorf("parsing webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return errors.New("webhook url must be absolute http(s) url")
	}

	color, ok := colors[n.Severity]
	if !ok {
		color = colors[model.SeverityInfo]
	}
	body, err := json.Marshal(webhookPayload{Embeds: []embed{{
		Title:       n.Title,
		Description: n.Message,
		Color:       color,
		Timestamp:   n.Time.Format(time.RFC3339Nano),
		Footer:      embedFooter{Text: d.footer},
	}}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("unexpected webhook response, status: %d, body: %s", resp.StatusCode, string(respBody))
}
