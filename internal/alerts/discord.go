package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"kimp-arb-bot/internal/config"
)

var levelColors = map[Level]int{
	LevelInfo:     0x2ecc71,
	LevelWarning:  0xf1c40f,
	LevelCritical: 0xe74c3c,
}

type Discord struct {
	enabled    bool
	webhookURL string
	client     *http.Client
	log        *zap.Logger
}

func NewDiscord(cfg config.DiscordConfig, log *zap.Logger) *Discord {
	return newDiscord(cfg, log, &http.Client{Timeout: 10 * time.Second})
}

func newDiscord(cfg config.DiscordConfig, log *zap.Logger, client *http.Client) *Discord {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Discord{
		enabled:    cfg.Enabled,
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		client:     client,
		log:        log,
	}
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type webhookPayload struct {
	Embeds []embed `json:"embeds"`
}

func (d *Discord) Notify(ctx context.Context, event Event) error {
	if !d.enabled {
		return nil
	}
	if d.webhookURL == "" {
		return errors.New("discord webhook_url is required")
	}
	if strings.TrimSpace(event.Title) == "" {
		return errors.New("discord event title is empty")
	}
	e := embed{
		Title:       event.Title,
		Description: event.Message,
		Color:       levelColors[event.Level],
	}
	if !event.Time.IsZero() {
		e.Timestamp = event.Time.UTC().Format(time.RFC3339)
	}
	for _, f := range event.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	body, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("discord send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
