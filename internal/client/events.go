package client

import (
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
)

// EventKind 事件類型
type EventKind int

const (
	EventConnected        EventKind = iota // Connect 成功
	EventDisconnected                      // 偵測到斷線，開始重連
	EventReconnected                       // 自動重連成功
	EventConnectionFailed                  // Connect 失敗
	EventReconnectFailed                   // 重連次數用盡，進入 failed
	EventMessage                           // 收到訊息
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventConnectionFailed:
		return "connection_failed"
	case EventReconnectFailed:
		return "reconnect_failed"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event 客戶端事件
type Event struct {
	Kind    EventKind
	Message protocol.Message // 僅 EventMessage
	Err     error
	Attempt int // 重連相關事件的嘗試次數
}

// Handler 事件處理函數
//
// 在讀取或重連 goroutine 上同步呼叫，不應阻塞；可以在 Handler 內呼叫 Send 或 Close。
type Handler func(Event)

// Subscribe 訂閱事件
func (c *Client) Subscribe(kind EventKind, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// emit 通知訂閱者；Close 之後不再通知
func (c *Client) emit(ev Event) {
	if c.closed() {
		return
	}

	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[ev.Kind]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
