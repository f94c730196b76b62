package internal

import (
	"sort"
	"time"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
)

// 系統設計問題：
//   多個房間、每個連線同時只在一個房間，訊息要扇出給房間所有成員。
//
// 設計方案：
//   ✅ 房間只持有成員的反向引用（Member 介面），連線生命週期由 Server 管理
//   ✅ 所有操作都在 Server 的事件迴圈上執行，不需要鎖
//   ✅ 空房間保留（不自動刪除），Lobby 永遠存在

// RoomKind 房間可見性
type RoomKind string

const (
	KindOpen     RoomKind = "open"     // 公開，出現在房間列表
	KindPrivate  RoomKind = "private"  // 不出現在房間列表，知道名稱即可加入
	KindPassword RoomKind = "password" // 需要密碼
)

// ParseRoomKind 解析房間類型，空字串與 public 視為 open
func ParseRoomKind(s string) (RoomKind, error) {
	switch RoomKind(s) {
	case "", KindOpen, "public":
		return KindOpen, nil
	case KindPrivate:
		return KindPrivate, nil
	case KindPassword:
		return KindPassword, nil
	default:
		return "", apperrors.ErrInvalidRoomKind.WithDetails(s)
	}
}

// Member 房間成員
//
// Send 只負責投遞（非阻塞），失敗時由呼叫端決定是否斷線。
type Member interface {
	ID() string
	Username() string
	Send(frame []byte) error
}

// Room 聊天房間
type Room struct {
	Name      string
	Kind      RoomKind
	Password  string // 僅 KindPassword 有值，明文比對
	CreatedAt time.Time

	members map[string]Member // memberID -> Member
}

// NewRoom 創建新房間
func NewRoom(name string, kind RoomKind, password string) *Room {
	if kind != KindPassword {
		password = ""
	}
	return &Room{
		Name:      name,
		Kind:      kind,
		Password:  password,
		CreatedAt: time.Now(),
		members:   make(map[string]Member),
	}
}

// ValidatePassword 驗證密碼，非密碼房間一律通過
func (r *Room) ValidatePassword(password string) bool {
	return r.Kind != KindPassword || r.Password == password
}

// HasMember 是否為成員
func (r *Room) HasMember(id string) bool {
	_, ok := r.members[id]
	return ok
}

// MemberCount 成員數量
func (r *Room) MemberCount() int {
	return len(r.members)
}

// Usernames 成員名稱，依名稱排序；尚未登入的成員不列出
func (r *Room) Usernames() []string {
	names := make([]string, 0, len(r.members))
	for _, m := range r.members {
		if name := m.Username(); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Room) add(m Member) {
	r.members[m.ID()] = m
}

func (r *Room) remove(id string) {
	delete(r.members, id)
}

// deliver 將訊框投遞給每個成員，回傳投遞失敗的成員
//
// 單一成員失敗不影響其他成員。
func (r *Room) deliver(frame []byte) []Member {
	var failed []Member
	for _, m := range r.members {
		if err := m.Send(frame); err != nil {
			failed = append(failed, m)
		}
	}
	return failed
}

// Entry 房間列表項目 "name:type"
func (r *Room) Entry() string {
	return r.Name + ":" + string(r.Kind)
}
