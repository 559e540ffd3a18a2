package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramNotifier posts a completion summary through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram completion sink.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify calls sendMessage with a rendered summary.
func (n *TelegramNotifier) Notify(ctx context.Context, completion Completion) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(completion),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Str("ds", completion.LogicalDate).Str("run_id", completion.RunID).Msg("completion sent (telegram)")
	return nil
}

func renderMessage(c Completion) string {
	builder := strings.Builder{}
	builder.WriteString("[medallion] pipeline complete\n")
	builder.WriteString(fmt.Sprintf("Date: %s\n", c.LogicalDate))
	builder.WriteString(fmt.Sprintf("Run: %s\n", c.RunID))
	for _, s := range c.Stages {
		status := fmt.Sprintf("%d rows", s.Rows)
		if s.Skipped {
			status = "skipped"
		}
		builder.WriteString(fmt.Sprintf("%s: %s\n", s.Stage, status))
	}
	if !c.StartedAt.IsZero() && !c.FinishedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Took: %s\n", c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond)))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
