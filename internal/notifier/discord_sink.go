package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/rs/zerolog"
)

const (
	colorModified = 0xE67E22
	colorDeleted  = 0xE74C3C
	colorDispute  = 0x8E44AD
)

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

// DiscordSink posts alerts to a Discord webhook. The recipient is shown in the
// message since a webhook has a single destination.
type DiscordSink struct {
	webhookURL string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewDiscordSink creates a DiscordSink for webhookURL.
func NewDiscordSink(webhookURL string, httpClient *http.Client, logger zerolog.Logger) (*DiscordSink, error) {
	if _, err := url.ParseRequestURI(webhookURL); err != nil {
		return nil, fmt.Errorf("invalid discord webhook url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &DiscordSink{
		webhookURL: webhookURL,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "DiscordSink").Logger(),
	}, nil
}

func (d *DiscordSink) Name() string { return "discord" }

// Send posts alert as a multipart payload_json request.
func (d *DiscordSink) Send(ctx context.Context, recipient string, alert models.AlertEvent) error {
	payloadJSON, err := json.Marshal(buildDiscordPayload(recipient, alert))
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("payload_json", string(payloadJSON)); err != nil {
		return fmt.Errorf("failed to write payload_json to multipart: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, body)
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		d.logger.Error().Int("status_code", resp.StatusCode).Str("response_body", string(respBody)).Msg("Discord notification failed")
		return fmt.Errorf("discord notification failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	d.logger.Debug().Int("status_code", resp.StatusCode).Str("path", alert.Path).Msg("Discord notification sent")
	return nil
}

func buildDiscordPayload(recipient string, alert models.AlertEvent) discordPayload {
	color := colorModified
	switch alert.Kind {
	case models.AlertDeleted:
		color = colorDeleted
	case models.AlertVerificationMismatch:
		color = colorDispute
	}

	fields := []discordEmbedField{
		{Name: "File", Value: "`" + alert.Path + "`"},
		{Name: "Previous digest", Value: "`" + orNone(alert.PriorDigest) + "`"},
		{Name: "Current digest", Value: "`" + orNone(alert.NewDigest) + "`"},
		{Name: "Ledger verified", Value: fmt.Sprintf("%t", alert.LedgerVerified), Inline: true},
	}
	if recipient != "" {
		fields = append(fields, discordEmbedField{Name: "Recipient", Value: recipient, Inline: true})
	}

	return discordPayload{
		Embeds: []discordEmbed{{
			Title:       Subject(alert),
			Description: describe(alert),
			Color:       color,
			Fields:      fields,
			Timestamp:   alert.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
}
