package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 将告警以 JSON 形式 POST 到配置的地址。
type WebhookSender struct {
	url    string
	client *http.Client
}

// NewWebhookSender 创建 Webhook 通道。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send 投递告警。
func (w *WebhookSender) Send(ctx context.Context, severity Severity, title, body string) error {
	payload := map[string]string{
		"severity":  string(severity),
		"title":     title,
		"body":      body,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: 序列化消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: 发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook: 非预期状态码 %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// Name 返回通道标识。
func (w *WebhookSender) Name() string {
	return "webhook"
}
