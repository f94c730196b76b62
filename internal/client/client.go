// Package client 實現聊天客戶端的連線生命週期管理
//
// 系統設計問題：
//
//	網路會斷、伺服器會重啟，客戶端要怎麼在不卡住 UI 的情況下自動恢復？
//
// 設計方案：
//
//	✅ 單一權威狀態變數，所有轉換都用 CAS，心跳與讀取同時發現斷線也只會重連一次
//	✅ 每次建立連線遞增 generation，過期的 goroutine 自行退出
//	✅ 有上限的重連次數，超過即進入 failed，需要呼叫端手動 Connect
//	✅ 事件以 Subscribe 訂閱，呈現層只是訂閱者之一
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
)

// ErrConnectInProgress 已有連線或重連正在進行
var ErrConnectInProgress = errors.New("connect already in progress")

// State 連線狀態
//
//	disconnected → connecting → connected → reconnecting → connected
//	                                         reconnecting → failed
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DialFunc 建立到伺服器的連線，測試時可替換
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config 客戶端設定
type Config struct {
	Addr                 string
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	InboxSize            int // Receive 緩衝的訊息數
	Dial                 DialFunc
	Logger               *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if c.Dial == nil {
		timeout := c.DialTimeout
		c.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
}

// Client 聊天客戶端
type Client struct {
	cfg    Config
	logger *slog.Logger

	state    atomic.Int32
	attempts atomic.Int32

	mu   sync.Mutex // 保護 conn 與 gen
	conn net.Conn
	gen  uint64

	writeMu sync.Mutex
	inbox   chan protocol.Message

	handlersMu sync.RWMutex
	handlers   map[EventKind][]Handler

	ctx       context.Context // Close 時取消
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New 創建客戶端，不會建立連線
func New(cfg Config) *Client {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "client", "addr", cfg.Addr),
		inbox:    make(chan protocol.Message, cfg.InboxSize),
		handlers: make(map[EventKind][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State 目前狀態
func (c *Client) State() State {
	return State(c.state.Load())
}

// Attempts 目前這輪斷線已嘗試的重連次數
func (c *Client) Attempts() int {
	return int(c.attempts.Load())
}

// Connect 建立連線
//
// 只能從 disconnected 或 failed 呼叫；失敗時狀態回到原狀態並發出 EventConnectionFailed。
func (c *Client) Connect(ctx context.Context) error {
	if c.closed() {
		return apperrors.ErrClientClosed
	}

	from := c.State()
	switch from {
	case StateConnected:
		return nil
	case StateDisconnected, StateFailed:
	default:
		return ErrConnectInProgress
	}
	if !c.state.CompareAndSwap(int32(from), int32(StateConnecting)) {
		return ErrConnectInProgress
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnecting), int32(from))
		c.logger.Warn("connect failed", "error", err)
		c.emit(Event{Kind: EventConnectionFailed, Err: err})
		return fmt.Errorf("connect %s: %w", c.cfg.Addr, err)
	}

	if !c.install(conn, StateConnecting) {
		return apperrors.ErrClientClosed
	}

	c.attempts.Store(0)
	c.logger.Info("connected")
	c.emit(Event{Kind: EventConnected})
	return nil
}

// Send 送出訊息；非 connected 狀態回傳 ErrNotConnected
//
// 寫入失敗會觸發重連。
func (c *Client) Send(msg protocol.Message) error {
	if c.State() != StateConnected {
		return apperrors.ErrNotConnected
	}

	c.mu.Lock()
	conn, gen := c.conn, c.gen
	c.mu.Unlock()
	if conn == nil {
		return apperrors.ErrNotConnected
	}

	if err := c.write(conn, protocol.Encode(msg)); err != nil {
		c.connectionLost(gen, err)
		return apperrors.Wrap(err, apperrors.ErrCodeNotConnected, "send failed")
	}
	return nil
}

// Receive 非阻塞地取出下一則訊息
func (c *Client) Receive() (protocol.Message, bool) {
	select {
	case msg := <-c.inbox:
		return msg, true
	default:
		return protocol.Message{}, false
	}
}

// Close 關閉連線並停止所有計時器，任何 goroutine 都可呼叫
//
// Close 之後不再自動重連，也不再發出事件；Connect 會回傳 ErrClientClosed。
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.state.Store(int32(StateDisconnected))

		c.mu.Lock()
		c.gen++
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.logger.Info("client closed")
	})
	return err
}

func (c *Client) closed() bool {
	return c.ctx.Err() != nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	return c.cfg.Dial(ctx, c.cfg.Addr)
}

func (c *Client) write(conn net.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := conn.Write(frame)
	return err
}

// install 綁定新連線並啟動讀取與心跳；Close 已發生或狀態不符時放棄
func (c *Client) install(conn net.Conn, from State) bool {
	c.mu.Lock()
	if c.closed() || !c.state.CompareAndSwap(int32(from), int32(StateConnected)) {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn, gen)
	go c.heartbeatLoop(gen)
	return true
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// connectionLost 所有斷線偵測的匯合點，只有第一個偵測者會啟動重連
func (c *Client) connectionLost(gen uint64, cause error) {
	if c.closed() || !c.current(gen) {
		return
	}
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateReconnecting)) {
		return
	}

	c.logger.Warn("connection lost", "error", cause)
	c.emit(Event{Kind: EventDisconnected, Err: cause})
	go c.reconnectLoop()
}

// reconnectLoop 固定間隔重試，直到成功、達到上限或 Close
func (c *Client) reconnectLoop() {
	timer := time.NewTimer(c.cfg.ReconnectInterval)
	defer timer.Stop()

	for {
		attempt := int(c.attempts.Add(1))

		select {
		case <-timer.C:
		case <-c.ctx.Done():
			return
		}

		// 釋放舊 socket
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.logger.Info("reconnect attempt",
			"attempt", attempt,
			"max", c.cfg.MaxReconnectAttempts)

		conn, err := c.dial(c.ctx)
		if err == nil {
			if !c.install(conn, StateReconnecting) {
				return
			}
			c.attempts.Store(0)
			c.logger.Info("reconnected", "attempt", attempt)
			c.emit(Event{Kind: EventReconnected, Attempt: attempt})
			return
		}

		if attempt >= c.cfg.MaxReconnectAttempts {
			if c.state.CompareAndSwap(int32(StateReconnecting), int32(StateFailed)) {
				c.logger.Error("reconnect failed", "attempts", attempt, "error", err)
				c.emit(Event{Kind: EventReconnectFailed, Err: err, Attempt: attempt})
			}
			return
		}

		c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		timer.Reset(c.cfg.ReconnectInterval)
	}
}

// readLoop 逐框讀取並解碼；串流結束或錯誤即視為斷線
func (c *Client) readLoop(conn net.Conn, gen uint64) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	scanner.Split(protocol.ScanFrames)

	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			c.logger.Debug("dropping malformed frame", "error", err)
			continue
		}

		select {
		case c.inbox <- msg:
		default:
			c.logger.Warn("inbox full, dropping message", "type", msg.Type)
		}
		c.emit(Event{Kind: EventMessage, Message: msg})
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.connectionLost(gen, err)
}

// heartbeatLoop 定期送心跳，失敗由 Send 觸發重連
func (c *Client) heartbeatLoop(gen uint64) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.current(gen) {
				return
			}
			if c.State() != StateConnected {
				continue
			}
			if err := c.Send(protocol.Heartbeat()); err != nil {
				c.logger.Debug("heartbeat failed", "error", err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
