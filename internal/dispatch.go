package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
)

// 使用者狀態
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// gated 只有 active 連線可以使用的訊息類型，其他狀態下直接忽略
var gated = map[string]bool{
	protocol.TypeMessage:      true,
	protocol.TypeRichMessage:  true,
	protocol.TypeSwitchRoom:   true,
	protocol.TypeCreateRoom:   true,
	protocol.TypeJoinRoom:     true,
	protocol.TypeLeaveRoom:    true,
	protocol.TypeStatusUpdate: true,
	protocol.TypeKeyExchange:  true,
	protocol.TypeEncrypted:    true,
}

// dispatch 依訊息類型分派
//
// handler panic 只關閉這條連線，不會讓事件迴圈結束。
func (s *Server) dispatch(ctx context.Context, c *Connection, msg protocol.Message) {
	ctx = logger.WithConnID(ctx, c.id)
	if c.username != "" {
		ctx = logger.WithUsername(ctx, c.username)
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "handler panic",
				"type", msg.Type,
				"panic", r)
			s.closeConnection(c, "handler panic")
		}
	}()

	if gated[msg.Type] && c.state != StateActive {
		s.logger.DebugContext(ctx, "ignoring frame from inactive connection",
			"type", msg.Type,
			"state", c.state.String())
		return
	}

	switch msg.Type {
	case protocol.TypeLogin:
		s.handleLogin(ctx, c, msg)
	case protocol.TypeRegister:
		s.handleRegister(ctx, c, msg)
	case protocol.TypeHeartbeat:
		// lastSeen 已在 receive 更新
	case protocol.TypeMessage, protocol.TypeRichMessage:
		s.handleChat(c, msg)
	case protocol.TypeSwitchRoom, protocol.TypeJoinRoom:
		s.handleJoin(c, msg)
	case protocol.TypeCreateRoom:
		s.handleCreateRoom(c, msg)
	case protocol.TypeLeaveRoom:
		s.handleLeave(c)
	case protocol.TypeStatusUpdate:
		s.handleStatus(c, msg)
	case protocol.TypeKeyExchange, protocol.TypeEncrypted:
		s.handleRelay(ctx, c, msg)
	default:
		s.logger.DebugContext(ctx, "ignoring unknown frame type", "type", msg.Type)
	}
}

func (s *Server) handleLogin(ctx context.Context, c *Connection, msg protocol.Message) {
	if c.state == StateActive {
		s.notify(c, "already logged in as "+c.username)
		return
	}

	username := strings.TrimSpace(msg.String(protocol.FieldUsername))
	password := msg.String(protocol.FieldPassword)
	if username == "" || password == "" {
		s.notify(c, "login failed: username and password are required")
		return
	}

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	if err := s.auth.Authenticate(authCtx, username, password); err != nil {
		s.logger.InfoContext(ctx, "login failed", "username", username, "error", err)
		switch {
		case errors.Is(err, apperrors.ErrUnknownUser):
			s.notify(c, "login failed: user does not exist")
		case errors.Is(err, apperrors.ErrInvalidPassword):
			s.notify(c, "login failed: wrong password")
		default:
			s.notify(c, "login error: "+errorMessage(err))
		}
		return
	}

	s.logger.InfoContext(ctx, "login succeeded", "username", username)
	s.notify(c, "login successful")
	s.activate(ctx, c, username)
}

func (s *Server) handleRegister(ctx context.Context, c *Connection, msg protocol.Message) {
	if c.state == StateActive {
		s.notify(c, "already logged in as "+c.username)
		return
	}

	username := strings.TrimSpace(msg.String(protocol.FieldUsername))
	password := msg.String(protocol.FieldPassword)
	if username == "" || password == "" {
		s.notify(c, "registration failed: username and password are required")
		return
	}
	if strings.ContainsAny(username, `",:{}\`) {
		s.notify(c, "registration failed: username contains reserved characters")
		return
	}

	authCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	if err := s.auth.Register(authCtx, username, password); err != nil {
		s.logger.InfoContext(ctx, "registration failed", "username", username, "error", err)
		if errors.Is(err, apperrors.ErrDuplicateUsername) {
			s.notify(c, "registration failed: username already exists")
		} else {
			s.notify(c, "registration error: "+errorMessage(err))
		}
		return
	}

	s.logger.InfoContext(ctx, "user registered", "username", username)
	s.notify(c, "registration successful")
	s.activate(ctx, c, username)
}

// activate 綁定會話並加入大廳
//
// 同名的第二次登入直接覆蓋會話映射，被取代的連線不會收到通知。
func (s *Server) activate(ctx context.Context, c *Connection, username string) {
	if old, ok := s.sessions[username]; ok && old != c {
		s.logger.WarnContext(ctx, "session binding overwritten",
			"username", username,
			"previous_conn_id", old.id)
	}

	c.username = username
	c.state = StateActive
	c.status = StatusOnline
	s.sessions[username] = c

	s.moveTo(c, s.registry.Lobby())
	if c.state == StateActive {
		s.sendTo(c, protocol.RoomList(s.registry.RoomEntries()))
	}
}

func (s *Server) handleChat(c *Connection, msg protocol.Message) {
	room, ok := s.registry.RoomOf(c.id)
	if !ok {
		return
	}

	content := fmt.Sprintf("[%s] %s", c.username, msg.String(protocol.FieldContent))
	var out protocol.Message
	if msg.Type == protocol.TypeRichMessage {
		out = protocol.RichChat(room, content, msg.Bool(protocol.FieldHasEmoji))
	} else {
		out = protocol.Chat(room, content)
	}
	s.dropFailed(s.registry.Broadcast(room, out))
}

// handleJoin 處理 switch_room 與 join_room；不存在的房間自動建立為 open
func (s *Server) handleJoin(c *Connection, msg protocol.Message) {
	name := strings.TrimSpace(msg.String(protocol.FieldRoom))
	if name == "" {
		s.notify(c, "room name is required")
		return
	}

	if _, exists := s.registry.Room(name); !exists {
		created, err := s.registry.EnsureRoom(name, KindOpen, "")
		if err != nil {
			s.notify(c, errorMessage(err))
			return
		}
		if created {
			s.broadcastRoomList()
			if c.state != StateActive {
				return
			}
		}
	}

	if err := s.registry.CheckPassword(name, msg.String(protocol.FieldPassword)); err != nil {
		if errors.Is(err, apperrors.ErrWrongRoomPassword) {
			s.notify(c, fmt.Sprintf("wrong password for room %s", name))
		} else {
			s.notify(c, errorMessage(err))
		}
		return
	}

	s.moveTo(c, name)
}

func (s *Server) handleCreateRoom(c *Connection, msg protocol.Message) {
	name := strings.TrimSpace(msg.String(protocol.FieldRoom))
	kind, err := ParseRoomKind(msg.String(protocol.FieldRoomType))
	if err != nil {
		s.notify(c, errorMessage(err))
		return
	}

	created, err := s.registry.EnsureRoom(name, kind, msg.String(protocol.FieldPassword))
	if err != nil {
		s.notify(c, errorMessage(err))
		return
	}
	if !created {
		s.notify(c, fmt.Sprintf("room %s already exists", name))
		return
	}

	s.notify(c, fmt.Sprintf("room %s created", name))
	s.broadcastRoomList()
	if c.state == StateActive {
		s.moveTo(c, name)
	}
}

// handleLeave 回到大廳；大廳本身不能離開
func (s *Server) handleLeave(c *Connection) {
	room, ok := s.registry.RoomOf(c.id)
	if !ok || room == s.registry.Lobby() {
		s.notify(c, "cannot leave the lobby")
		return
	}
	s.moveTo(c, s.registry.Lobby())
}

func (s *Server) handleStatus(c *Connection, msg protocol.Message) {
	status := msg.String(protocol.FieldStatus)
	switch status {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
	default:
		s.notify(c, fmt.Sprintf("invalid status %q", status))
		return
	}

	c.status = status
	if room, ok := s.registry.RoomOf(c.id); ok {
		s.dropFailed(s.registry.Broadcast(room, protocol.StatusUpdate(c.username, status)))
	}
}

// handleRelay 將金鑰交換與加密負載轉給目標使用者，內容不解讀
func (s *Server) handleRelay(ctx context.Context, c *Connection, msg protocol.Message) {
	target := msg.String(protocol.FieldTarget)
	peer, ok := s.sessions[target]
	if !ok || peer.state != StateActive {
		s.notify(c, fmt.Sprintf("user %s is not online", target))
		return
	}

	s.logger.DebugContext(ctx, "relaying frame", "type", msg.Type, "target", target)
	s.sendTo(peer, msg.With(protocol.FieldFrom, c.username))
}

// moveTo 加入房間並刷新新舊房間的成員列表
func (s *Server) moveTo(c *Connection, name string) {
	result, err := s.registry.Join(c, name)
	if err != nil {
		s.notify(c, errorMessage(err))
		return
	}
	s.dropFailed(result.Failed)

	s.sendUserList(name)
	if result.Changed && result.Previous != "" {
		s.sendUserList(result.Previous)
	}
}

func (s *Server) sendUserList(room string) {
	s.dropFailed(s.registry.Broadcast(room, protocol.UserList(s.registry.MemberUsernames(room))))
}

// broadcastRoomList 推送房間列表給所有 active 連線
func (s *Server) broadcastRoomList() {
	msg := protocol.RoomList(s.registry.RoomEntries())
	for _, c := range s.conns {
		if c.state == StateActive {
			s.sendTo(c, msg)
		}
	}
}

func (s *Server) notify(c *Connection, content string) {
	s.sendTo(c, protocol.System(content))
}

// errorMessage 給客戶端看的錯誤訊息，不帶內部錯誤細節
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return "internal error"
}
