package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
)

// Config задаёт параметры подключения к шлюзу.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client реализует domain.Gateway поверх HTTP API шлюза Evolution.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ domain.Gateway = (*Client)(nil)

// NewClient создаёт клиента шлюза.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// SetHTTPClient позволяет подменить транспорт в тестах.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

// CreateInstance создаёт инстанс с ожиданием QR-кода.
func (c *Client) CreateInstance(ctx context.Context, name string) error {
	body := map[string]any{
		"instanceName": name,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	return c.do(ctx, http.MethodPost, "/instance/create", "create_instance", body, nil)
}

type connectResponse struct {
	Base64 string `json:"base64,omitempty"`
	Code   string `json:"code,omitempty"`
}

// ConnectInstance запрашивает QR-код привязки.
func (c *Client) ConnectInstance(ctx context.Context, name string) (string, error) {
	var resp connectResponse
	path := "/instance/connect/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, "connect", nil, &resp); err != nil {
		return "", err
	}
	qr := resp.Base64
	if qr == "" {
		qr = resp.Code
	}
	if qr == "" {
		return "", fmt.Errorf("evolution: шлюз не вернул QR-код")
	}
	return qr, nil
}

type stateResponse struct {
	Instance struct {
		State string `json:"state"`
	} `json:"instance"`
	State string `json:"state,omitempty"`
}

// ConnectionState возвращает состояние инстанса, как его сообщает шлюз.
func (c *Client) ConnectionState(ctx context.Context, name string) (string, error) {
	var resp stateResponse
	path := "/instance/connectionState/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, "connection_state", nil, &resp); err != nil {
		return "", err
	}
	if resp.Instance.State != "" {
		return resp.Instance.State, nil
	}
	return resp.State, nil
}

// Logout завершает сессию инстанса.
func (c *Client) Logout(ctx context.Context, name string) error {
	path := "/instance/logout/" + url.PathEscape(name)
	return c.do(ctx, http.MethodDelete, path, "logout", nil, nil)
}

// DeleteInstance удаляет инстанс на шлюзе.
func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	path := "/instance/delete/" + url.PathEscape(name)
	return c.do(ctx, http.MethodDelete, path, "delete_instance", nil, nil)
}

type findMessagesResponse struct {
	Messages struct {
		Records []domain.RawMessage `json:"records"`
	} `json:"messages"`
}

// FindMessages запрашивает сообщения группы. Единицы timestamp не
// документированы у шлюза, поэтому значение передаётся как есть.
func (c *Client) FindMessages(ctx context.Context, name, groupJID string, timestamp int64, limit int) ([]domain.RawMessage, error) {
	where := map[string]any{
		"key": map[string]any{"remoteJid": groupJID},
	}
	if timestamp > 0 {
		where["messageTimestamp"] = map[string]any{"gte": timestamp}
	}
	body := map[string]any{"where": where}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp findMessagesResponse
	path := "/chat/findMessages/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodPost, path, "find_messages", body, &resp); err != nil {
		return nil, err
	}
	return resp.Messages.Records, nil
}

// RecentMessages возвращает свежие сообщения инстанса по всем чатам.
func (c *Client) RecentMessages(ctx context.Context, name string, limit int) ([]domain.RawMessage, error) {
	body := map[string]any{"where": map[string]any{}}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp findMessagesResponse
	path := "/chat/findMessages/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodPost, path, "recent_messages", body, &resp); err != nil {
		return nil, err
	}
	return resp.Messages.Records, nil
}

type sendTextResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText отправляет текст в чат. Длинные тексты режутся на части,
// идентификатор возвращается от первой из них.
func (c *Client) SendText(ctx context.Context, name, remoteJID, text string) (string, error) {
	parts := SplitMessage(text)
	if len(parts) == 0 {
		return "", fmt.Errorf("evolution: пустой текст")
	}
	path := "/message/sendText/" + url.PathEscape(name)
	var firstID string
	for i, part := range parts {
		body := map[string]any{
			"number": remoteJID,
			"text":   part,
		}
		var resp sendTextResponse
		if err := c.do(ctx, http.MethodPost, path, "send_text", body, &resp); err != nil {
			return firstID, err
		}
		if i == 0 {
			firstID = resp.Key.ID
		}
	}
	return firstID, nil
}

type fetchGroupsResponse []struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Size    int    `json:"size"`
	// Creation — unix-секунды последней известной активности.
	Creation int64 `json:"creation,omitempty"`
}

// FetchGroups возвращает список групп инстанса без участников.
func (c *Client) FetchGroups(ctx context.Context, name string) ([]domain.GroupInfo, error) {
	var resp fetchGroupsResponse
	path := "/group/fetchAllGroups/" + url.PathEscape(name) + "?getParticipants=false"
	if err := c.do(ctx, http.MethodGet, path, "fetch_groups", nil, &resp); err != nil {
		return nil, err
	}
	groups := make([]domain.GroupInfo, 0, len(resp))
	for _, g := range resp {
		info := domain.GroupInfo{JID: g.ID, Subject: g.Subject, ParticipantCount: g.Size}
		if g.Creation > 0 {
			ts := time.Unix(g.Creation, 0).UTC()
			info.LastActivity = &ts
		}
		groups = append(groups, info)
	}
	return groups, nil
}

func (c *Client) do(ctx context.Context, method, path, operation string, body, out any) error {
	if c.cfg.BaseURL == "" {
		return fmt.Errorf("evolution: base url is empty")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("evolution: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("evolution: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("apikey", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("evolution", operation, method, start, err)
	if err != nil {
		return fmt.Errorf("evolution: do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("evolution: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("evolution %s: %w", operation, domain.ErrInstanceNotFound)
	}
	if resp.StatusCode >= 400 {
		msg := extractError(respBody)
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		if strings.Contains(strings.ToLower(msg), "not exist") || strings.Contains(strings.ToLower(msg), "not found") {
			return fmt.Errorf("evolution %s: %w", operation, domain.ErrInstanceNotFound)
		}
		return fmt.Errorf("evolution %s: %s", operation, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("evolution: decode response: %w", err)
	}
	return nil
}

func extractError(body []byte) string {
	var payload struct {
		Message  any    `json:"message"`
		Error    string `json:"error"`
		Response struct {
			Message any `json:"message"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, candidate := range []any{payload.Message, payload.Response.Message} {
		switch v := candidate.(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
	}
	return payload.Error
}
