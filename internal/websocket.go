package internal

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   瀏覽器無法開原生 TCP socket，如何讓網頁客戶端加入同一套聊天服務？
//
// 設計方案：
//   ✅ WebSocket 閘道 - 升級後包成 Conn，交給同一個事件迴圈
//   ✅ 一則文字訊息 = 一個訊框，線路格式完全相同
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WebSocketGateway WebSocket 入口
type WebSocketGateway struct {
	server   *Server
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketGateway 創建 WebSocket 閘道
func NewWebSocketGateway(server *Server, logger *slog.Logger) *WebSocketGateway {
	return &WebSocketGateway{
		server: server,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeWS 升級連線並交給事件迴圈
func (g *WebSocketGateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	conn := newWSConn(ws)
	if err := g.server.Attach(conn); err != nil {
		g.logger.Warn("websocket rejected", "error", err)
		return
	}
	go conn.pingLoop()

	g.logger.Info("websocket connection established", "remote", r.RemoteAddr)
}

// wsConn 把訊息導向的 WebSocket 轉成位元組串流
//
// Read 只由一個 goroutine 呼叫；Write 以鎖保護，因為 gorilla 的寫入不可併發。
type wsConn struct {
	ws      *websocket.Conn
	pending []byte

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{ws: ws, done: make(chan struct{})}
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return c
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		// 任何訊息都代表對端還活著
		_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Close 送出關閉訊框（盡力而為）後關閉底層連線
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// pingLoop 定期送 Ping；對端 60 秒內沒有回應就會讓 Read 逾時
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
