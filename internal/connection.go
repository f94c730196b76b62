package internal

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSendQueueFull 發送佇列已滿（慢消費者）
	ErrSendQueueFull = errors.New("connection send queue full")
	// ErrConnectionClosed 連線已關閉
	ErrConnectionClosed = errors.New("connection closed")
)

// Conn 傳輸層連線，TCP 與 WebSocket 都實作這個介面
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

// ConnState 連線狀態
//
//	accepted → authenticating → active → closed
type ConnState int

const (
	StateAccepted ConnState = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection 伺服器端的一條連線
//
// 除了 send/done 與 readerDone 之外，所有欄位只在 Server 事件迴圈上讀寫。
type Connection struct {
	id       string
	conn     Conn
	state    ConnState
	username string
	status   string
	recvBuf  []byte
	lastSeen time.Time

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	readerDone   atomic.Bool
	writeTimeout time.Duration
}

func newConnection(id string, conn Conn, queueSize int, writeTimeout time.Duration) *Connection {
	return &Connection{
		id:           id,
		conn:         conn,
		state:        StateAccepted,
		lastSeen:     time.Now(),
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// ID 連線 ID
func (c *Connection) ID() string {
	return c.id
}

// Username 綁定的使用者名稱，登入前為空
func (c *Connection) Username() string {
	return c.username
}

// State 連線狀態
func (c *Connection) State() ConnState {
	return c.state
}

// Send 將訊框放入發送佇列，不會阻塞
func (c *Connection) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// shutdown 釋放 socket，可重複呼叫
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump 只負責讀取位元組並交給事件迴圈，解碼在迴圈上進行
func (c *Connection) readPump(post func(event) bool) {
	defer c.readerDone.Store(true)

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !post(event{kind: evRead, c: c, data: data}) {
				return
			}
		}
		if err != nil {
			post(event{kind: evClosed, c: c, err: err})
			return
		}
	}
}

// writePump 依序寫出發送佇列，寫入失敗時通知事件迴圈斷線
func (c *Connection) writePump(post func(event) bool) {
	for {
		select {
		case frame := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if _, err := c.conn.Write(frame); err != nil {
				post(event{kind: evClosed, c: c, err: err})
				return
			}
		case <-c.done:
			return
		}
	}
}
