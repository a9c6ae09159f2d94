package api

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

	log "incident-console-client-golang/logger"
)

// Client 控制台后端 REST 客户端
// 只封装同步层自身需要的接口，其余 CRUD 由渲染层直接调用
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient 创建 REST 客户端
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ParticipantResponse 参与者注册响应
type ParticipantResponse struct {
	Status        string `json:"status"`
	ParticipantID string `json:"participant_id"`
	Message       string `json:"message,omitempty"`
}

// SessionInfo 会话信息
type SessionInfo struct {
	SessionID        string     `json:"session_id"`
	Title            string     `json:"title"`
	Status           string     `json:"status"`
	StartAt          *time.Time `json:"start_at,omitempty"`
	EndAt            *time.Time `json:"end_at,omitempty"`
	ParticipantCount int        `json:"participant_count"`
	EntryCount       int        `json:"entry_count"`
}

// RegisterParticipant 注册本端发言者身份，返回参与者 ID
// 页面重载后需要重新注册，拿到新 ID 后对已入队的段做改绑
func (c *Client) RegisterParticipant(ctx context.Context, sessionID, displayName, userID string) (string, error) {
	endpoint := fmt.Sprintf("%s/zoom/participant/join/%s", c.baseURL, sessionID)

	params := url.Values{}
	params.Set("zoom_display_name", displayName)
	if userID != "" {
		params.Set("zoom_user_id", userID)
	}

	var resp ParticipantResponse
	if err := c.postForm(ctx, endpoint+"?"+params.Encode(), nil, &resp); err != nil {
		return "", err
	}
	if resp.ParticipantID == "" {
		return "", fmt.Errorf("register participant: empty participant id")
	}

	log.Infof("参与者注册成功: session=%s, participantId=%s", sessionID, resp.ParticipantID)
	return resp.ParticipantID, nil
}

// UnregisterParticipant 注销本端参与者身份
func (c *Client) UnregisterParticipant(ctx context.Context, sessionID, participantID string) error {
	endpoint := fmt.Sprintf("%s/zoom/participant/leave/%s", c.baseURL, sessionID)

	params := url.Values{}
	params.Set("participant_id", participantID)

	return c.postForm(ctx, endpoint+"?"+params.Encode(), nil, nil)
}

// GetSession 获取会话信息
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	endpoint := fmt.Sprintf("%s/sessions/%s", c.baseURL, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var info SessionInfo
	if err := c.do(req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ping 连通性探测，任意可达响应都视为在线
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func (c *Client) postForm(ctx context.Context, endpoint string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request %s failed with status %d: %s", req.URL.Path, resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
