package internal

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSweep_ReaderDone 讀取端已結束但沒有送出 evClosed 的連線由清掃關閉
func TestSweep_ReaderDone(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, logger.Discard())

	deadSide, deadPeer := net.Pipe()
	defer deadPeer.Close()
	liveSide, livePeer := net.Pipe()
	defer livePeer.Close()
	defer liveSide.Close()

	dead := newConnection("dead", deadSide, 8, 0)
	dead.state = StateActive
	dead.username = "alice"
	live := newConnection("live", liveSide, 8, 0)
	live.state = StateActive
	live.username = "bob"

	for _, c := range []*Connection{dead, live} {
		s.conns[c.id] = c
		s.sessions[c.username] = c
		_, err := s.registry.Join(c, s.registry.Lobby())
		require.NoError(t, err)
	}

	dead.readerDone.Store(true)
	s.sweep(time.Now())

	assert.Equal(t, StateClosed, dead.state)
	assert.NotContains(t, s.conns, "dead")
	assert.NotContains(t, s.sessions, "alice")
	_, inRoom := s.registry.RoomOf("dead")
	assert.False(t, inRoom)

	assert.Equal(t, StateActive, live.state)
	assert.Contains(t, s.conns, "live")
	assert.Equal(t, []string{"bob"}, s.registry.MemberUsernames(s.registry.Lobby()))

	// 底層 socket 已關閉
	_ = deadPeer.SetReadDeadline(time.Now().Add(time.Second))
	_, err := deadPeer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// TestLoop_ClosesPendingAccepts 迴圈停止時，還在佇列中的連線也會被關閉
func TestLoop_ClosesPendingAccepts(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil, logger.Discard())

	var peers []net.Conn
	for i := 0; i < 3; i++ {
		serverSide, clientSide := net.Pipe()
		t.Cleanup(func() { _ = clientSide.Close() })
		peers = append(peers, clientSide)
		s.events <- event{kind: evAccept, conn: serverSide}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.loop(ctx)
	s.wg.Wait()

	assert.Empty(t, s.events)
	for i, p := range peers {
		_ = p.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err := io.ReadAll(p)
		assert.NoError(t, err, "peer %d should see end of stream", i)
	}

	_, err := s.Stats(context.Background())
	assert.ErrorIs(t, err, ErrServerStopped)
}
