// Package protocol 實現聊天服務的線路格式
//
// 每個訊框是以大括號包住、逗號分隔的 "key":"value" 序列，"type" 永遠在最前面：
//
//	{"type":"message","content":"[alice] hi","room":"Lobby"}
//
// 格式沒有長度前綴，值也不做跳脫；解析器以引號追蹤判斷逗號與冒號是否為分隔符。
// 值中若含有未跳脫的雙引號會破壞分框，呼叫端需自行避免。
package protocol

import (
	"fmt"
	"sort"
	"strings"
)

// 訊息類型
const (
	TypeLogin        = "login"
	TypeRegister     = "register"
	TypeMessage      = "message"
	TypeRichMessage  = "rich_message"
	TypeSwitchRoom   = "switch_room"
	TypeUserList     = "user_list"
	TypeSystem       = "system"
	TypeHeartbeat    = "heartbeat"
	TypeCreateRoom   = "create_room"
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeRoomList     = "room_list"
	TypeStatusUpdate = "status_update"
	TypeNotification = "notification"
	TypeKeyExchange  = "key_exchange"
	TypeEncrypted    = "encrypted"
)

// 欄位名稱
const (
	FieldType      = "type"
	FieldUsername  = "username"
	FieldPassword  = "password"
	FieldRoom      = "room"
	FieldRoomType  = "roomType"
	FieldContent   = "content"
	FieldHasEmoji  = "hasEmoji"
	FieldUsers     = "users"
	FieldRooms     = "rooms"
	FieldStatus    = "status"
	FieldTitle     = "title"
	FieldLevel     = "level"
	FieldPublicKey = "publicKey"
	FieldAlgorithm = "algorithm"
	FieldPayload   = "payload"
	FieldIV        = "iv"
	FieldTarget    = "target"
	FieldFrom      = "from"
)

// Message 線路上的訊息單位
//
// Fields 的值在解碼後可能是 string、bool、int 或 float64；
// 編碼時一律以字串輸出。訊息建立後視為不可變。
type Message struct {
	Type   string
	Fields map[string]any
}

// New 建立訊息，kv 依序為 key、value 成對出現
func New(kind string, kv ...string) Message {
	m := Message{Type: kind, Fields: make(map[string]any, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		m.Fields[kv[i]] = kv[i+1]
	}
	return m
}

// With 回傳多一個欄位的新訊息，原訊息不變
func (m Message) With(key string, value any) Message {
	fields := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		fields[k] = v
	}
	fields[key] = value
	return Message{Type: m.Type, Fields: fields}
}

// Has 欄位是否存在
func (m Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

// String 取得欄位的字串形式，不存在時回傳空字串
func (m Message) String(key string) string {
	v, ok := m.Fields[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool 取得布林欄位，接受 true 或 "true"
func (m Message) Bool(key string) bool {
	switch v := m.Fields[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// Keys 依字母排序的欄位名稱（不含 type）
func (m Message) Keys() []string {
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		if k == FieldType {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Login 登入請求
func Login(username, password string) Message {
	return New(TypeLogin, FieldUsername, username, FieldPassword, password)
}

// Register 註冊請求
func Register(username, password string) Message {
	return New(TypeRegister, FieldUsername, username, FieldPassword, password)
}

// Chat 聊天訊息
func Chat(room, content string) Message {
	return New(TypeMessage, FieldRoom, room, FieldContent, content)
}

// RichChat 富文本訊息（含表情）
func RichChat(room, content string, hasEmoji bool) Message {
	return New(TypeRichMessage, FieldRoom, room, FieldContent, content,
		FieldHasEmoji, fmt.Sprint(hasEmoji))
}

// SwitchRoom 切換房間，password 為空時不帶密碼欄位
func SwitchRoom(room, password string) Message {
	return withOptionalPassword(New(TypeSwitchRoom, FieldRoom, room), password)
}

// CreateRoom 建立房間
func CreateRoom(room, kind, password string) Message {
	return withOptionalPassword(New(TypeCreateRoom, FieldRoom, room, FieldRoomType, kind), password)
}

// JoinRoom 加入房間
func JoinRoom(room, password string) Message {
	return withOptionalPassword(New(TypeJoinRoom, FieldRoom, room), password)
}

// LeaveRoom 離開房間
func LeaveRoom(room string) Message {
	return New(TypeLeaveRoom, FieldRoom, room)
}

// Heartbeat 心跳
func Heartbeat() Message {
	return New(TypeHeartbeat)
}

// System 系統通知
func System(content string) Message {
	return New(TypeSystem, FieldContent, content)
}

// UserList 房間成員列表
func UserList(users []string) Message {
	return New(TypeUserList, FieldUsers, strings.Join(users, ","))
}

// RoomList 房間列表，每項為 "name:type"
func RoomList(entries []string) Message {
	return New(TypeRoomList, FieldRooms, strings.Join(entries, ","))
}

// StatusUpdate 使用者狀態
func StatusUpdate(username, status string) Message {
	m := New(TypeStatusUpdate, FieldStatus, status)
	if username != "" {
		m.Fields[FieldUsername] = username
	}
	return m
}

// Notification 通知訊息，level 為 info、warning 或 error
func Notification(title, content, level string) Message {
	return New(TypeNotification, FieldTitle, title, FieldContent, content, FieldLevel, level)
}

// KeyExchange 端對端加密的金鑰交換訊息
func KeyExchange(publicKey, algorithm, target string) Message {
	return New(TypeKeyExchange, FieldPublicKey, publicKey, FieldAlgorithm, algorithm, FieldTarget, target)
}

// Encrypted 已加密的訊息負載
func Encrypted(payload, iv, target string) Message {
	return New(TypeEncrypted, FieldPayload, payload, FieldIV, iv, FieldTarget, target)
}

func withOptionalPassword(m Message, password string) Message {
	if password != "" {
		m.Fields[FieldPassword] = password
	}
	return m
}

// SplitList 拆開以逗號串接的列表欄位，空字串回傳 nil
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
