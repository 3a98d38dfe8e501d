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
	"github.com/shopspring/decimal"
)

// Notification 封装一次 claim 结算的上下文。
type Notification struct {
	ClaimID    string
	Title      string
	Resolution string
	Feed       string
	Comparator string
	Target     float64
	Value      float64
	LoserPool  float64
	Paid       float64
	Winners    int
	ResolvedAt time.Time
}

// Notifier 定义结算通知接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Nop 丢弃所有通知。
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
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

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
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
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("claim_id", note.ClaimID).
		Str("resolution", note.Resolution).
		Msg("结算通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	b.WriteString("[Oracle Market] Claim resolved\n")
	fmt.Fprintf(&b, "Claim: %s (%s)\n", note.Title, note.ClaimID)
	fmt.Fprintf(&b, "Resolution: %s\n", strings.ToUpper(note.Resolution))
	if note.Feed != "" {
		fmt.Fprintf(&b, "Oracle: %s = %s (condition %s %s)\n",
			note.Feed,
			decimal.NewFromFloat(note.Value).StringFixed(2),
			note.Comparator,
			decimal.NewFromFloat(note.Target).String())
	}
	fmt.Fprintf(&b, "Pool: %s points to %d winner(s), %s paid\n",
		decimal.NewFromFloat(note.LoserPool).StringFixed(2),
		note.Winners,
		decimal.NewFromFloat(note.Paid).StringFixed(2))
	if !note.ResolvedAt.IsZero() {
		fmt.Fprintf(&b, "At: %s UTC", note.ResolvedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Nop{}
)
