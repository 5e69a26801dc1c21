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
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"payline/internal/config"
	"payline/internal/domain"
)

const defaultTelegramTimeout = 10 * time.Second

// Telegram posts notifications through the Bot API sendMessage method.
// Members without a mapped chat go to the default chat.
type Telegram struct {
	apiBase       string
	token         string
	defaultChatID string
	chatIDs       map[string]string
	client        *http.Client
	log           logrus.FieldLogger
}

func NewTelegram(cfg config.TelegramConfig, log logrus.FieldLogger) *Telegram {
	timeout := defaultTelegramTimeout
	if cfg.TimeoutSecs > 0 {
		timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Telegram{
		apiBase:       base,
		token:         cfg.BotToken,
		defaultChatID: cfg.DefaultChatID,
		chatIDs:       cfg.ChatIDs,
		client:        &http.Client{Timeout: timeout},
		log:           log,
	}
}

// Messages go out as plain text; job and mission titles are not escaped
// for any parse mode.
type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *Telegram) chatFor(memberID string) string {
	if id, ok := t.chatIDs[memberID]; ok && id != "" {
		return id
	}
	return t.defaultChatID
}

func (t *Telegram) Notify(ctx context.Context, memberID, message string) error {
	logger := t.log.WithField("member_id", memberID)
	chatID := t.chatFor(memberID)
	if chatID == "" {
		logger.Debug("telegram: no chat configured; skipping")
		return nil
	}
	msgID, err := t.send(ctx, chatID, message)
	if err != nil {
		logger.WithError(err).Error("telegram: send failed")
		return domain.UpstreamUnavailableError{Service: "telegram", Err: err}
	}
	logger.WithField("message_id", msgID).Debug("telegram: message sent")
	return nil
}

func (t *Telegram) send(ctx context.Context, chatID, text string) (int64, error) {
	data, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return 0, err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.client.Do(req)
	if err != nil {
		// The request URL carries the bot token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return 0, fmt.Errorf("post sendMessage: %w", uerr.Err)
		}
		return 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return 0, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out sendMessageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if !out.OK {
		return 0, fmt.Errorf("api error: %s", out.Description)
	}
	return out.Result.MessageID, nil
}
