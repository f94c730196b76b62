package internal

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
)

// DefaultLobby 預設大廳名稱
const DefaultLobby = "Lobby"

// Registry 房間目錄
//
// 只在 Server 的事件迴圈上使用，因此沒有鎖。
// Registry 決定成員關係，連線的生命週期由 Server 決定：
// 投遞失敗的成員只會回報給呼叫端，不會在這裡被移除。
type Registry struct {
	rooms      map[string]*Room  // roomName -> Room
	memberRoom map[string]string // memberID -> roomName
	lobby      string
	logger     *slog.Logger
}

// JoinResult 加入房間的結果
type JoinResult struct {
	Room     string   // 新房間
	Previous string   // 原房間，沒有時為空
	Changed  bool     // 是否真的換了房間
	Members  []string // 新房間的成員名稱
	Failed   []Member // 廣播通知時投遞失敗的成員
}

// NewRegistry 創建房間目錄並建立大廳
func NewRegistry(lobby string, logger *slog.Logger) *Registry {
	if lobby == "" {
		lobby = DefaultLobby
	}
	g := &Registry{
		rooms:      make(map[string]*Room),
		memberRoom: make(map[string]string),
		lobby:      lobby,
		logger:     logger,
	}
	g.rooms[lobby] = NewRoom(lobby, KindOpen, "")
	return g
}

// Lobby 大廳名稱
func (g *Registry) Lobby() string {
	return g.lobby
}

// EnsureRoom 房間不存在時建立；已存在時不覆蓋類型與密碼
func (g *Registry) EnsureRoom(name string, kind RoomKind, password string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, `",:{}\`) {
		return false, apperrors.ErrInvalidRoomName.WithDetails(name)
	}
	if _, exists := g.rooms[name]; exists {
		return false, nil
	}
	kind, err := ParseRoomKind(string(kind))
	if err != nil {
		return false, err
	}
	if kind == KindPassword && password == "" {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "password room requires a password")
	}

	g.rooms[name] = NewRoom(name, kind, password)
	g.logger.Info("room created", "room", name, "kind", kind)
	return true, nil
}

// Room 取得房間
func (g *Registry) Room(name string) (*Room, bool) {
	room, ok := g.rooms[name]
	return room, ok
}

// RoomType 房間類型
func (g *Registry) RoomType(name string) (RoomKind, bool) {
	room, ok := g.rooms[name]
	if !ok {
		return "", false
	}
	return room.Kind, true
}

// RoomOf 成員所在的房間
func (g *Registry) RoomOf(memberID string) (string, bool) {
	name, ok := g.memberRoom[memberID]
	return name, ok
}

// CheckPassword 驗證房間密碼
func (g *Registry) CheckPassword(name, password string) error {
	room, ok := g.rooms[name]
	if !ok {
		return apperrors.ErrRoomNotFound.WithDetails(name)
	}
	if !room.ValidatePassword(password) {
		return apperrors.ErrWrongRoomPassword
	}
	return nil
}

// Join 將成員移到指定房間
//
// 密碼由呼叫端事先驗證。流程：離開原房間並通知原房間，加入新房間並通知新房間。
// 已在該房間時不做任何變動，只回傳最新成員列表。
func (g *Registry) Join(m Member, name string) (JoinResult, error) {
	room, ok := g.rooms[name]
	if !ok {
		return JoinResult{}, apperrors.ErrRoomNotFound.WithDetails(name)
	}

	result := JoinResult{Room: name}
	failed := newFailedSet()

	prev, hasPrev := g.memberRoom[m.ID()]
	if hasPrev && prev == name {
		result.Previous = prev
		result.Members = room.Usernames()
		return result, nil
	}

	if hasPrev {
		if old, ok := g.rooms[prev]; ok {
			old.remove(m.ID())
			failed.add(old.deliver(protocol.Encode(protocol.System(leftNotice(m)))))
		}
		result.Previous = prev
	}

	room.add(m)
	g.memberRoom[m.ID()] = name
	failed.add(room.deliver(protocol.Encode(protocol.System(joinedNotice(m)))))

	g.logger.Debug("member joined room",
		"member_id", m.ID(),
		"username", m.Username(),
		"room", name,
		"previous", prev)

	result.Changed = true
	result.Members = room.Usernames()
	result.Failed = failed.list()
	return result, nil
}

// Leave 移除成員的房間關係，不加入其他房間；回傳離開的房間
func (g *Registry) Leave(memberID string) (string, bool) {
	name, ok := g.memberRoom[memberID]
	if !ok {
		return "", false
	}
	delete(g.memberRoom, memberID)
	if room, exists := g.rooms[name]; exists {
		room.remove(memberID)
	}
	return name, true
}

// Broadcast 對房間所有成員投遞訊息，回傳投遞失敗的成員
func (g *Registry) Broadcast(name string, msg protocol.Message) []Member {
	room, ok := g.rooms[name]
	if !ok {
		return nil
	}
	return room.deliver(protocol.Encode(msg))
}

// MemberUsernames 房間成員名稱（單次呼叫內順序固定）
func (g *Registry) MemberUsernames(name string) []string {
	room, ok := g.rooms[name]
	if !ok {
		return nil
	}
	return room.Usernames()
}

// RoomEntries 可公開列出的房間 "name:type"，依名稱排序；private 房間不列出
func (g *Registry) RoomEntries() []string {
	entries := make([]string, 0, len(g.rooms))
	for _, room := range g.rooms {
		if room.Kind == KindPrivate {
			continue
		}
		entries = append(entries, room.Entry())
	}
	sort.Strings(entries)
	return entries
}

// RegistryStats 房間統計
type RegistryStats struct {
	TotalRooms   int            `json:"total_rooms"`
	TotalMembers int            `json:"total_members"`
	ByKind       map[string]int `json:"by_kind"`
	Members      map[string]int `json:"members"`
}

// Stats 獲取統計資訊
func (g *Registry) Stats() RegistryStats {
	stats := RegistryStats{
		TotalRooms: len(g.rooms),
		ByKind:     make(map[string]int),
		Members:    make(map[string]int, len(g.rooms)),
	}
	for name, room := range g.rooms {
		stats.ByKind[string(room.Kind)]++
		stats.Members[name] = room.MemberCount()
		stats.TotalMembers += room.MemberCount()
	}
	return stats
}

func leftNotice(m Member) string {
	if name := m.Username(); name != "" {
		return fmt.Sprintf("%s left the room", name)
	}
	return "a user left the room"
}

func joinedNotice(m Member) string {
	if name := m.Username(); name != "" {
		return fmt.Sprintf("%s joined the room", name)
	}
	return "a user joined the room"
}

// failedSet 去重後的失敗成員
type failedSet struct {
	seen    map[string]bool
	members []Member
}

func newFailedSet() *failedSet {
	return &failedSet{seen: make(map[string]bool)}
}

func (f *failedSet) add(members []Member) {
	for _, m := range members {
		if f.seen[m.ID()] {
			continue
		}
		f.seen[m.ID()] = true
		f.members = append(f.members, m)
	}
}

func (f *failedSet) list() []Member {
	return f.members
}
