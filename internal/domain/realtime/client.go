package realtime

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"incident-console-client-golang/internal/data/msg"
	log "incident-console-client-golang/logger"

	"github.com/gorilla/websocket"
)

// ConnectionState 连接状态
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// Config 实时客户端配置
type Config struct {
	MaxReconnectAttempts int `mapstructure:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	BaseDelayMs          int `mapstructure:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs           int `mapstructure:"max_delay_ms" json:"max_delay_ms"`
	HandshakeTimeoutSec  int `mapstructure:"handshake_timeout_sec" json:"handshake_timeout_sec"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxReconnectAttempts: 5,
		BaseDelayMs:          1000,
		MaxDelayMs:           30000,
		HandshakeTimeoutSec:  10,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("max reconnect attempts must be > 0")
	}
	if c.BaseDelayMs <= 0 || c.MaxDelayMs < c.BaseDelayMs {
		return fmt.Errorf("invalid reconnect delay config")
	}
	return nil
}

// EventHandler 业务事件处理函数
type EventHandler func(data json.RawMessage)

// StateHandler 连接状态变化处理函数
type StateHandler func(state ConnectionState)

// Client 实时事件客户端
// 维护长连接与自动重连状态机，按消息类型分发给注册的处理函数
// 每个实例独享一条连接与一份状态，实例之间互不影响
type Client struct {
	url    string
	config *Config
	dialer *websocket.Dialer

	mu             sync.Mutex
	conn           *websocket.Conn
	state          ConnectionState
	intentional    bool // 主动断开，抑制自动重连
	attempts       int
	reconnectTimer *time.Timer
	handlers       map[string]map[int]EventHandler
	stateHandlers  map[int]StateHandler
	nextID         int
	rng            *rand.Rand
}

// NewClient 创建实时客户端，url 为完整的 ws/wss 地址
func NewClient(wsURL string, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		url:    wsURL,
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: time.Duration(config.HandshakeTimeoutSec) * time.Second,
		},
		state:         StateDisconnected,
		handlers:      make(map[string]map[int]EventHandler),
		stateHandlers: make(map[int]StateHandler),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SessionURL 由 REST 基地址推导会话级实时通道地址
// sessionID 为空时返回全局通道 /ws
func SessionURL(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if sessionID != "" {
		u.Path += "/" + sessionID
	}
	return u.String(), nil
}

// State 当前连接状态
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect 建立连接，仅在 disconnected/failed 状态下生效
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		c.mu.Unlock()
		return nil
	}
	c.intentional = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial()
}

// dial 执行一次握手，成功后进入 connected 并启动读循环
func (c *Client) dial() error {
	conn, _, err := c.dialer.Dial(c.url, nil)

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		log.Warnf("实时通道连接失败: %s, %v", c.url, err)
		c.handleTransportClose()
		return err
	}

	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	log.Infof("实时通道已连接: %s", c.url)
	go c.readLoop(conn)
	return nil
}

// readLoop 读取入站消息直到连接断开
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn != conn {
				// 已被新连接替换或主动关闭
				c.mu.Unlock()
				return
			}
			c.conn = nil
			intentional := c.intentional
			c.mu.Unlock()

			if intentional {
				return
			}
			log.Warnf("实时通道断开: %v", err)
			c.handleTransportClose()
			return
		}
		c.dispatch(data)
	}
}

// dispatch 解析入站消息并分发给对应类型的全部处理函数
// 未知类型丢弃，单个处理函数 panic 不影响其余处理函数
func (c *Client) dispatch(data []byte) {
	var message msg.Message
	if err := json.Unmarshal(data, &message); err != nil {
		log.Warnf("解析实时消息失败: %v", err)
		return
	}

	if !msg.KnownTypes[message.Type] {
		log.Debugf("丢弃未知类型的实时消息: %s", message.Type)
		return
	}

	c.mu.Lock()
	registered := make([]EventHandler, 0, len(c.handlers[message.Type]))
	for _, h := range c.handlers[message.Type] {
		registered = append(registered, h)
	}
	c.mu.Unlock()

	for _, h := range registered {
		c.safeInvoke(message.Type, h, message.Data)
	}
}

func (c *Client) safeInvoke(eventType string, h EventHandler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("实时消息处理函数 panic: type=%s, %v", eventType, r)
		}
	}()
	h(data)
}

// handleTransportClose 非主动断开后的重连决策
func (c *Client) handleTransportClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.intentional {
		return
	}

	c.attempts++
	if c.attempts > c.config.MaxReconnectAttempts {
		log.Errorf("重连次数已用尽(%d), 实时通道进入 failed 状态", c.config.MaxReconnectAttempts)
		c.setStateLocked(StateFailed)
		return
	}

	delay := reconnectDelay(
		time.Duration(c.config.BaseDelayMs)*time.Millisecond,
		time.Duration(c.config.MaxDelayMs)*time.Millisecond,
		c.attempts,
		c.rng.Float64(),
	)
	c.setStateLocked(StateReconnecting)
	log.Infof("第 %d 次重连将在 %v 后发起", c.attempts, delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.intentional {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.dial()
	})
}

// reconnectDelay 第 attempt 次（1 起）重连的等待时长
// min(base*2^(n-1) + jitter, max), jitter 取 [0, 0.3*base*2^(n-1)) 均匀分布
func reconnectDelay(base, max time.Duration, attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > max {
			backoff = max
			break
		}
	}
	jitter := time.Duration(random * 0.3 * float64(backoff))
	delay := backoff + jitter
	if delay > max {
		delay = max
	}
	return delay
}

// Subscribe 注册指定类型的事件处理函数，返回注销函数
func (c *Client) Subscribe(eventType string, h EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]EventHandler)
	}
	id := c.nextID
	c.nextID++
	c.handlers[eventType][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
	}
}

// OnStateChange 注册连接状态变化处理函数，返回注销函数
func (c *Client) OnStateChange(h StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.stateHandlers[id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateHandlers, id)
	}
}

// setStateLocked 更新状态并通知监听者，调用方需持有锁
func (c *Client) setStateLocked(state ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state

	notify := make([]StateHandler, 0, len(c.stateHandlers))
	for _, h := range c.stateHandlers {
		notify = append(notify, h)
	}
	go func() {
		for _, h := range notify {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Errorf("状态处理函数 panic: %v", r)
					}
				}()
				h(state)
			}()
		}
	}()
}

// Disconnect 主动断开，取消计划中的重连并抑制自动重连
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Reconnect 手动重连: 断开、清零计数后重新连接
func (c *Client) Reconnect() error {
	c.Disconnect()
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	return c.Connect()
}

// Close 销毁实例: 断开连接并注销全部处理函数
func (c *Client) Close() {
	c.Disconnect()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = make(map[string]map[int]EventHandler)
	c.stateHandlers = make(map[int]StateHandler)
}
