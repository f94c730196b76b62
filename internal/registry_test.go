package internal_test

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-group-chat/internal"
	apperrors "github.com/koopa0/system-design/14-group-chat/pkg/errors"
	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger 創建測試用的 logger
func testLogger() *slog.Logger {
	return logger.Discard()
}

// fakeMember 記錄收到的訊框，fail 時拒絕投遞
type fakeMember struct {
	id, name string
	fail     bool

	mu       sync.Mutex
	frames   []protocol.Message
	attempts int
}

func newMember(id, name string) *fakeMember {
	return &fakeMember{id: id, name: name}
}

func (m *fakeMember) ID() string       { return m.id }
func (m *fakeMember) Username() string { return m.name }

func (m *fakeMember) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.fail {
		return errors.New("send queue full")
	}
	m.frames = append(m.frames, protocol.MustDecode(string(frame)))
	return nil
}

func (m *fakeMember) received() []protocol.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Message(nil), m.frames...)
}

func (m *fakeMember) systemNotices() []string {
	var notices []string
	for _, msg := range m.received() {
		if msg.Type == protocol.TypeSystem {
			notices = append(notices, msg.String(protocol.FieldContent))
		}
	}
	return notices
}

func (m *fakeMember) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = nil
	m.attempts = 0
}

func TestParseRoomKind(t *testing.T) {
	tests := []struct {
		in      string
		want    internal.RoomKind
		wantErr bool
	}{
		{in: "", want: internal.KindOpen},
		{in: "open", want: internal.KindOpen},
		{in: "public", want: internal.KindOpen},
		{in: "private", want: internal.KindPrivate},
		{in: "password", want: internal.KindPassword},
		{in: "secret", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := internal.ParseRoomKind(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperrors.ErrInvalidRoomKind))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoom_ValidatePassword(t *testing.T) {
	open := internal.NewRoom("Tech", internal.KindOpen, "ignored")
	assert.Empty(t, open.Password, "password only kept for password rooms")
	assert.True(t, open.ValidatePassword("anything"))

	locked := internal.NewRoom("Vault", internal.KindPassword, "1234")
	assert.True(t, locked.ValidatePassword("1234"))
	assert.False(t, locked.ValidatePassword("12345"))
	assert.False(t, locked.ValidatePassword(""))
	assert.Equal(t, "Vault:password", locked.Entry())
}

func TestNewRegistry(t *testing.T) {
	reg := internal.NewRegistry("", testLogger())

	assert.Equal(t, internal.DefaultLobby, reg.Lobby())
	kind, ok := reg.RoomType("Lobby")
	require.True(t, ok)
	assert.Equal(t, internal.KindOpen, kind)
	assert.Equal(t, []string{"Lobby:open"}, reg.RoomEntries())
}

func TestRegistry_EnsureRoom(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())

	tests := []struct {
		name        string
		room        string
		kind        internal.RoomKind
		password    string
		wantCreated bool
		wantErr     error
	}{
		{name: "new open room", room: "Tech", kind: internal.KindOpen, wantCreated: true},
		{name: "empty kind is open", room: "Music", wantCreated: true},
		{name: "existing room is a no-op", room: "Tech", kind: internal.KindPassword, password: "x"},
		{name: "password room", room: "Vault", kind: internal.KindPassword, password: "1234", wantCreated: true},
		{name: "password room without password", room: "Safe", kind: internal.KindPassword, wantErr: apperrors.New(apperrors.ErrCodeInvalidInput, "")},
		{name: "invalid kind", room: "Odd", kind: "secret", wantErr: apperrors.ErrInvalidRoomKind},
		{name: "empty name", room: "  ", wantErr: apperrors.ErrInvalidRoomName},
		{name: "reserved characters", room: "a,b", wantErr: apperrors.ErrInvalidRoomName},
		{name: "trailing backslash", room: `Tech\`, wantErr: apperrors.ErrInvalidRoomName},
		{name: "public alias", room: "Plaza", kind: "public", wantCreated: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created, err := reg.EnsureRoom(tt.room, tt.kind, tt.password)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCreated, created)
		})
	}

	// 已存在的房間不會被覆蓋
	kind, _ := reg.RoomType("Tech")
	assert.Equal(t, internal.KindOpen, kind)
	assert.NoError(t, reg.CheckPassword("Tech", ""))
	_, exists := reg.Room("Safe")
	assert.False(t, exists)
	kind, _ = reg.RoomType("Plaza")
	assert.Equal(t, internal.KindOpen, kind)
}

func TestRegistry_Join(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	alice := newMember("c1", "alice")
	bob := newMember("c2", "bob")

	res, err := reg.Join(alice, "Lobby")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Empty(t, res.Previous)
	assert.Equal(t, []string{"alice"}, res.Members)
	assert.Equal(t, []string{"alice joined the room"}, alice.systemNotices())

	res, err = reg.Join(bob, "Lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, res.Members)
	assert.Contains(t, alice.systemNotices(), "bob joined the room")

	t.Run("switch notifies both rooms", func(t *testing.T) {
		_, err := reg.EnsureRoom("Tech", internal.KindOpen, "")
		require.NoError(t, err)
		alice.reset()
		bob.reset()

		res, err := reg.Join(alice, "Tech")
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.Equal(t, "Lobby", res.Previous)
		assert.Equal(t, []string{"alice"}, res.Members)

		assert.Equal(t, []string{"alice left the room"}, bob.systemNotices())
		assert.Equal(t, []string{"alice joined the room"}, alice.systemNotices())

		room, _ := reg.RoomOf("c1")
		assert.Equal(t, "Tech", room)
		assert.Equal(t, []string{"bob"}, reg.MemberUsernames("Lobby"))
	})

	t.Run("join same room is idempotent", func(t *testing.T) {
		alice.reset()
		res, err := reg.Join(alice, "Tech")
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Equal(t, []string{"alice"}, res.Members)
		assert.Empty(t, alice.received(), "no notices on a no-op join")

		tech, _ := reg.Room("Tech")
		assert.Equal(t, 1, tech.MemberCount())
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := reg.Join(alice, "Nowhere")
		assert.True(t, apperrors.IsNotFound(err))
		room, _ := reg.RoomOf("c1")
		assert.Equal(t, "Tech", room, "membership unchanged")
	})
}

// TestRegistry_SingleRoomInvariant 任意切換序列後，每個成員恰好在一個房間
func TestRegistry_SingleRoomInvariant(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	rooms := []string{"Lobby", "A", "B", "C"}
	for _, r := range rooms[1:] {
		_, err := reg.EnsureRoom(r, internal.KindOpen, "")
		require.NoError(t, err)
	}

	members := make([]*fakeMember, 5)
	for i := range members {
		members[i] = newMember(fmt.Sprintf("c%d", i), fmt.Sprintf("user%d", i))
	}

	for step := 0; step < 50; step++ {
		m := members[step%len(members)]
		target := rooms[(step*7+3)%len(rooms)]
		_, err := reg.Join(m, target)
		require.NoError(t, err)

		for _, m := range members {
			count := 0
			for _, r := range rooms {
				room, _ := reg.Room(r)
				if room.HasMember(m.ID()) {
					count++
				}
			}
			if _, joined := reg.RoomOf(m.ID()); joined {
				assert.Equal(t, 1, count, "step %d member %s", step, m.ID())
			} else {
				assert.Equal(t, 0, count)
			}
		}
	}

	stats := reg.Stats()
	assert.Equal(t, len(members), stats.TotalMembers)
}

// TestRegistry_BroadcastFanOut N 個成員恰好 N 次投遞，非成員 0 次
func TestRegistry_BroadcastFanOut(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	_, err := reg.EnsureRoom("Tech", internal.KindOpen, "")
	require.NoError(t, err)

	var inRoom []*fakeMember
	for i := 0; i < 4; i++ {
		m := newMember(fmt.Sprintf("t%d", i), fmt.Sprintf("tech%d", i))
		_, err := reg.Join(m, "Tech")
		require.NoError(t, err)
		inRoom = append(inRoom, m)
	}
	outsider := newMember("l1", "lobbyist")
	_, err = reg.Join(outsider, "Lobby")
	require.NoError(t, err)

	for _, m := range inRoom {
		m.reset()
	}
	outsider.reset()

	failed := reg.Broadcast("Tech", protocol.Chat("Tech", "[tech0] hello"))
	assert.Empty(t, failed)

	for _, m := range inRoom {
		assert.Equal(t, 1, m.attempts, m.ID())
	}
	assert.Equal(t, 0, outsider.attempts)
	assert.Nil(t, reg.Broadcast("Nowhere", protocol.System("x")))
}

// TestRegistry_PartialFailure 一個成員失敗不影響其他成員，失敗者回報給呼叫端
func TestRegistry_PartialFailure(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	a, b, c := newMember("a", "a"), newMember("b", "b"), newMember("c", "c")
	for _, m := range []*fakeMember{a, b, c} {
		_, err := reg.Join(m, "Lobby")
		require.NoError(t, err)
		m.reset()
	}
	b.fail = true

	failed := reg.Broadcast("Lobby", protocol.System("ping"))
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID())
	assert.Len(t, a.received(), 1)
	assert.Len(t, c.received(), 1)

	// Registry 不會自己移除失敗的成員
	assert.ElementsMatch(t, []string{"a", "b", "c"}, reg.MemberUsernames("Lobby"))
}

func TestRegistry_JoinReportsFailedOnce(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	_, err := reg.EnsureRoom("Tech", internal.KindOpen, "")
	require.NoError(t, err)

	broken := newMember("x", "broken")
	walker := newMember("w", "walker")
	_, err = reg.Join(broken, "Lobby")
	require.NoError(t, err)
	_, err = reg.Join(walker, "Lobby")
	require.NoError(t, err)
	broken.fail = true

	res, err := reg.Join(walker, "Tech")
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "x", res.Failed[0].ID())
}

func TestRegistry_CheckPassword(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	_, err := reg.EnsureRoom("Vault", internal.KindPassword, "1234")
	require.NoError(t, err)

	assert.NoError(t, reg.CheckPassword("Vault", "1234"))
	assert.True(t, errors.Is(reg.CheckPassword("Vault", "nope"), apperrors.ErrWrongRoomPassword))
	assert.True(t, errors.Is(reg.CheckPassword("Nowhere", ""), apperrors.ErrRoomNotFound))
	assert.NoError(t, reg.CheckPassword("Lobby", "whatever"))
}

func TestRegistry_LeaveAndEntries(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	_, err := reg.EnsureRoom("Hideout", internal.KindPrivate, "")
	require.NoError(t, err)
	_, err = reg.EnsureRoom("Vault", internal.KindPassword, "1234")
	require.NoError(t, err)

	assert.Equal(t, []string{"Lobby:open", "Vault:password"}, reg.RoomEntries())

	m := newMember("c1", "alice")
	_, err = reg.Join(m, "Hideout")
	require.NoError(t, err)

	room, ok := reg.Leave("c1")
	assert.True(t, ok)
	assert.Equal(t, "Hideout", room)
	_, ok = reg.Leave("c1")
	assert.False(t, ok, "leave twice is a no-op")

	// 空房間保留
	hideout, exists := reg.Room("Hideout")
	require.True(t, exists)
	assert.Equal(t, 0, hideout.MemberCount())

	stats := reg.Stats()
	assert.Equal(t, 3, stats.TotalRooms)
	assert.Equal(t, 1, stats.ByKind["private"])
}

func TestRoom_UsernamesSkipsAnonymous(t *testing.T) {
	reg := internal.NewRegistry("Lobby", testLogger())
	_, err := reg.Join(newMember("c1", ""), "Lobby")
	require.NoError(t, err)
	_, err = reg.Join(newMember("c2", "bob"), "Lobby")
	require.NoError(t, err)

	assert.Equal(t, []string{"bob"}, reg.MemberUsernames("Lobby"))
}
