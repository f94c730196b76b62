package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
)

// 系統設計問題：
//   如何用單一執行緒服務大量連線，並讓房間／會話狀態不需要鎖？
//
// 設計方案：
//   ✅ 讀取 goroutine 只做 I/O，把位元組投遞到事件通道
//   ✅ 單一事件迴圈擁有所有 map（連線、會話、房間），單寫者
//   ✅ 定時清掃也只是投遞事件，不直接碰共享狀態
//   ✅ 每條連線一個有界發送佇列，寫入失敗回報給迴圈斷線

// ErrServerStopped 事件迴圈已停止
var ErrServerStopped = errors.New("server stopped")

// Authenticator 憑證查詢（外部協作者），同步呼叫
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
	Register(ctx context.Context, username, password string) error
}

// ServerConfig 事件迴圈設定
type ServerConfig struct {
	Lobby         string
	SweepInterval time.Duration
	IdleTimeout   time.Duration // 0 表示不做閒置檢查
	WriteTimeout  time.Duration
	SendQueueSize int
	MaxFrameSize  int
	AuthTimeout   time.Duration
}

// DefaultServerConfig 預設設定
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Lobby:         DefaultLobby,
		SweepInterval: 60 * time.Second,
		IdleTimeout:   90 * time.Second,
		WriteTimeout:  10 * time.Second,
		SendQueueSize: 256,
		MaxFrameSize:  64 * 1024,
		AuthTimeout:   3 * time.Second,
	}
}

type eventKind int

const (
	evAccept eventKind = iota
	evRead
	evClosed
	evSweep
	evCall
)

type event struct {
	kind eventKind
	conn Conn
	c    *Connection
	data []byte
	err  error
	fn   func()
}

// Server 連線多工器
type Server struct {
	cfg      ServerConfig
	auth     Authenticator
	logger   *slog.Logger
	registry *Registry

	conns    map[string]*Connection // connID -> Connection
	sessions map[string]*Connection // username -> Connection

	events  chan event
	postMu  sync.RWMutex // 停止後排空 events 時擋住新的投遞
	stopped chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer 創建伺服器
func NewServer(cfg ServerConfig, auth Authenticator, logger *slog.Logger) *Server {
	def := DefaultServerConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}

	return &Server{
		cfg:      cfg,
		auth:     auth,
		logger:   logger,
		registry: NewRegistry(cfg.Lobby, logger),
		conns:    make(map[string]*Connection),
		sessions: make(map[string]*Connection),
		events:   make(chan event, 1024),
		stopped:  make(chan struct{}),
	}
}

// Serve 在 ln 上接受連線並執行事件迴圈，直到 ctx 結束
//
// 一個 Server 只能 Serve 一次。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already running")
	}

	s.logger.Info("chat server started", "addr", ln.Addr().String(), "lobby", s.registry.Lobby())

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		s.acceptLoop(ln)
	}()
	go func() {
		defer bg.Done()
		s.sweepLoop(ctx)
	}()

	s.loop(ctx)

	_ = ln.Close()
	bg.Wait()
	s.wg.Wait()

	s.logger.Info("chat server stopped")
	return nil
}

// Attach 將外部建立的連線（例如 WebSocket）交給事件迴圈
func (s *Server) Attach(conn Conn) error {
	if !s.post(event{kind: evAccept, conn: conn}) {
		_ = conn.Close()
		return ErrServerStopped
	}
	return nil
}

// Stats 伺服器統計
type Stats struct {
	Connections int           `json:"connections"`
	Sessions    int           `json:"sessions"`
	Registry    RegistryStats `json:"rooms"`
}

// Stats 在事件迴圈上取得統計快照
func (s *Server) Stats(ctx context.Context) (Stats, error) {
	result := make(chan Stats, 1)
	fn := func() {
		result <- Stats{
			Connections: len(s.conns),
			Sessions:    len(s.sessions),
			Registry:    s.registry.Stats(),
		}
	}
	if !s.post(event{kind: evCall, fn: fn}) {
		return Stats{}, ErrServerStopped
	}

	select {
	case st := <-result:
		return st, nil
	case <-s.stopped:
		return Stats{}, ErrServerStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// post 投遞事件到迴圈；迴圈停止後回傳 false
func (s *Server) post(ev event) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()

	select {
	case <-s.stopped:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			select {
			case <-s.stopped:
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if !s.post(event{kind: evAccept, conn: conn}) {
			_ = conn.Close()
			return
		}
	}
}

// sweepLoop 定期要求迴圈清掃斷線與閒置連線
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.post(event{kind: evSweep}) {
				return
			}
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		}
	}
}

func (s *Server) loop(ctx context.Context) {
	defer func() {
		for _, c := range s.conns {
			c.state = StateClosed
			c.shutdown()
		}
		s.conns = make(map[string]*Connection)
		s.sessions = make(map[string]*Connection)
		close(s.stopped)
		s.drain()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		}
	}
}

// drain 關閉迴圈停止前已排入、但還沒被接受的連線
//
// 取得寫鎖後不會再有新的投遞進入 events。
func (s *Server) drain() {
	s.postMu.Lock()
	defer s.postMu.Unlock()

	pending := 0
	for {
		select {
		case ev := <-s.events:
			if ev.kind == evAccept && ev.conn != nil {
				_ = ev.conn.Close()
				pending++
			}
		default:
			if pending > 0 {
				s.logger.Info("closed pending connections", "count", pending)
			}
			return
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case evAccept:
		s.accept(ev.conn)
	case evRead:
		if s.tracked(ev.c) {
			s.receive(ctx, ev.c, ev.data)
		}
	case evClosed:
		if s.tracked(ev.c) {
			s.closeConnection(ev.c, closeReason(ev.err))
		}
	case evSweep:
		s.sweep(time.Now())
	case evCall:
		ev.fn()
	}
}

func (s *Server) tracked(c *Connection) bool {
	cur, ok := s.conns[c.id]
	return ok && cur == c
}

func (s *Server) accept(conn Conn) {
	c := newConnection(uuid.NewString(), conn, s.cfg.SendQueueSize, s.cfg.WriteTimeout)
	s.conns[c.id] = c

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.readPump(s.post)
	}()
	go func() {
		defer s.wg.Done()
		c.writePump(s.post)
	}()

	s.logger.Info("client connected", "conn_id", c.id, "remote", remoteAddr(conn))

	c.state = StateAuthenticating
	s.sendTo(c, protocol.System("Welcome to the chat server, please log in"))
}

// receive 累積位元組並處理所有完整訊框
func (s *Server) receive(ctx context.Context, c *Connection, data []byte) {
	c.lastSeen = time.Now()
	c.recvBuf = append(c.recvBuf, data...)

	frames, rest := protocol.SplitFrames(c.recvBuf)
	for _, frame := range frames {
		if c.state == StateClosed {
			return
		}
		s.handleFrame(ctx, c, frame)
	}
	if c.state == StateClosed {
		return
	}

	if len(rest) > s.cfg.MaxFrameSize {
		s.logger.Warn("receive buffer overflow, discarding",
			"conn_id", c.id,
			"buffered", len(rest))
		rest = nil
	}
	// 複製尾段，避免保留整個舊緩衝區
	c.recvBuf = append(c.recvBuf[:0:0], rest...)
}

func (s *Server) handleFrame(ctx context.Context, c *Connection, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		s.logger.Debug("dropping malformed frame", "conn_id", c.id, "error", err)
		return
	}
	s.dispatch(ctx, c, msg)
}

// sendTo 送訊息給單一連線，失敗即斷線
func (s *Server) sendTo(c *Connection, msg protocol.Message) {
	if err := c.Send(protocol.Encode(msg)); err != nil {
		s.closeConnection(c, "send failed: "+err.Error())
	}
}

// dropFailed 關閉投遞失敗的成員
func (s *Server) dropFailed(failed []Member) {
	for _, m := range failed {
		if c, ok := s.conns[m.ID()]; ok {
			s.closeConnection(c, "send failed")
		}
	}
}

// closeConnection 斷線清理，重複呼叫無作用
func (s *Server) closeConnection(c *Connection, reason string) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	delete(s.conns, c.id)
	if c.username != "" && s.sessions[c.username] == c {
		delete(s.sessions, c.username)
	}
	c.shutdown()

	s.logger.Info("client disconnected",
		"conn_id", c.id,
		"username", c.username,
		"reason", reason)

	room, ok := s.registry.Leave(c.id)
	if !ok {
		return
	}
	notice := "a user disconnected"
	if c.username != "" {
		notice = fmt.Sprintf("%s disconnected", c.username)
	}
	s.dropFailed(s.registry.Broadcast(room, protocol.System(notice)))
	s.sendUserList(room)
}

// sweep 清掃讀取端已結束或閒置過久的連線
func (s *Server) sweep(now time.Time) {
	var stale []*Connection
	for _, c := range s.conns {
		switch {
		case c.readerDone.Load():
			stale = append(stale, c)
		case s.cfg.IdleTimeout > 0 && now.Sub(c.lastSeen) > s.cfg.IdleTimeout:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		reason := "idle timeout"
		if c.readerDone.Load() {
			reason = "end of stream"
		}
		s.closeConnection(c, reason)
	}
	if len(stale) > 0 {
		s.logger.Info("sweep closed connections", "count", len(stale))
	}
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, io.EOF):
		return "end of stream"
	default:
		return err.Error()
	}
}

func remoteAddr(conn Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
