// Package mail はトランザクションメールの送信を提供する。
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Message は送信するメール。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// HTTPMailerConfig はHTTP APIメーラーの設定。
type HTTPMailerConfig struct {
	// Endpoint はメール送信APIのURL（例: https://api.resend.com/emails）。
	Endpoint string
	APIKey   string
	From     string
}

// HTTPMailer はJSON APIでメールを送信する。
type HTTPMailer struct {
	config HTTPMailerConfig
	client *http.Client
}

// NewHTTPMailer はHTTPMailerを生成する。clientには外部接続用のHTTPクライアントを渡す。
func NewHTTPMailer(config HTTPMailerConfig, client *http.Client) *HTTPMailer {
	return &HTTPMailer{config: config, client: client}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// Send はメールを1通送信する。2xx以外の応答はエラーとする。
func (m *HTTPMailer) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(sendRequest{
		From:    m.config.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("mail API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// LogMailer はメールを送信せずログに出力する。
// MAIL_API_URL未設定の開発環境で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメールの宛先と本文をINFOログに出力する。
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("メール送信（ログ出力のみ）",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}

// compile-time interface checks
var (
	_ Mailer = (*HTTPMailer)(nil)
	_ Mailer = (*LogMailer)(nil)
)
