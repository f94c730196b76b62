package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-group-chat/internal"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStats 固定回傳的統計來源
type stubStats struct {
	stats internal.Stats
	err   error
}

func (s stubStats) Stats(ctx context.Context) (internal.Stats, error) {
	return s.stats, s.err
}

func TestHandler_Health(t *testing.T) {
	h := internal.NewHandler(stubStats{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestHandler_Stats(t *testing.T) {
	tests := []struct {
		name       string
		source     stubStats
		wantStatus int
		validate   func(t *testing.T, body map[string]any)
	}{
		{
			name: "snapshot",
			source: stubStats{stats: internal.Stats{
				Connections: 3,
				Sessions:    2,
				Registry: internal.RegistryStats{
					TotalRooms:   2,
					TotalMembers: 2,
					ByKind:       map[string]int{"open": 2},
					Members:      map[string]int{"Lobby": 1, "Tech": 1},
				},
			}},
			wantStatus: http.StatusOK,
			validate: func(t *testing.T, body map[string]any) {
				assert.Equal(t, float64(3), body["connections"])
				assert.Equal(t, float64(2), body["sessions"])
				rooms := body["rooms"].(map[string]any)
				assert.Equal(t, float64(2), rooms["total_rooms"])
			},
		},
		{
			name:       "server stopped",
			source:     stubStats{err: internal.ErrServerStopped},
			wantStatus: http.StatusServiceUnavailable,
			validate: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "server stopped", body["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := internal.NewHandler(tt.source, nil, testLogger())

			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			w := httptest.NewRecorder()
			h.Routes().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			tt.validate(t, body)
		})
	}
}

// panicStats 觸發 recoverer
type panicStats struct{}

func (panicStats) Stats(ctx context.Context) (internal.Stats, error) {
	panic(errors.New("boom"))
}

func TestHandler_PanicRecovery(t *testing.T) {
	h := internal.NewHandler(panicStats{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	require.NotPanics(t, func() { h.Routes().ServeHTTP(w, req) })

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandler_WebSocketDisabled(t *testing.T) {
	h := internal.NewHandler(stubStats{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestWebSocketGateway 瀏覽器客戶端與 TCP 客戶端共用同一個事件迴圈
func TestWebSocketGateway(t *testing.T) {
	srv, addr := startServer(t, nil)
	tcpBob := login(t, addr, "bob")

	h := internal.NewHandler(srv, internal.NewWebSocketGateway(srv, testLogger()), testLogger())
	ts := httptest.NewServer(h.Routes())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	readUntil := func(match func(protocol.Message) bool) protocol.Message {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitTimeout)))
		for {
			_, data, err := ws.ReadMessage()
			require.NoError(t, err)
			msg, err := protocol.Decode(data)
			require.NoError(t, err)
			if match(msg) {
				return msg
			}
		}
	}

	welcome := readUntil(func(m protocol.Message) bool { return m.Type == protocol.TypeSystem })
	assert.Contains(t, welcome.String(protocol.FieldContent), "Welcome")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.Encode(protocol.Login("alice", "pw"))))
	readUntil(func(m protocol.Message) bool {
		return m.Type == protocol.TypeSystem && m.String(protocol.FieldContent) == "login successful"
	})

	tcpBob.expectUsers("alice,bob")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, protocol.Encode(protocol.Chat("Lobby", "from the browser"))))
	msg := tcpBob.expectType(protocol.TypeMessage)
	assert.Equal(t, "[alice] from the browser", msg.String(protocol.FieldContent))

	tcpBob.send(protocol.Chat("Lobby", "hello browser"))
	got := readUntil(func(m protocol.Message) bool {
		return m.Type == protocol.TypeMessage && strings.HasPrefix(m.String(protocol.FieldContent), "[bob]")
	})
	assert.Equal(t, "[bob] hello browser", got.String(protocol.FieldContent))

	st, err := srv.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sessions)
}
