package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/koopa0/system-design/14-group-chat/internal/client"
	"github.com/koopa0/system-design/14-group-chat/pkg/logger"
	"github.com/koopa0/system-design/14-group-chat/pkg/protocol"
)

const usage = `commands:
  /login <user> <password>      log in
  /register <user> <password>   create an account and log in
  /join <room> [password]       switch room (created if missing)
  /create <room> [open|private|password] [password]
  /leave                        back to the lobby
  /status <online|away|busy|offline>
  /connect                      reconnect after giving up
  /quit
anything else is sent to the current room`

func main() {
	var (
		addr     = flag.String("addr", "localhost:8080", "聊天伺服器位址")
		logLevel = flag.String("log-level", "warn", "日誌級別 (debug, info, warn, error)")
	)
	flag.Parse()

	log := logger.NewWithWriter(os.Stderr, logger.Options{Level: *logLevel})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{Addr: *addr, Logger: log})
	defer c.Close()

	term := &terminal{client: c, room: "Lobby"}
	term.subscribe()

	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cannot connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := term.handle(ctx, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// terminal 把輸入行轉成訊息，並印出收到的事件
type terminal struct {
	client *client.Client

	mu       sync.Mutex
	room     string
	username string
	password string // 重連後自動重新登入
}

func (t *terminal) subscribe() {
	t.client.Subscribe(client.EventMessage, func(ev client.Event) {
		t.print(ev.Message)
	})
	t.client.Subscribe(client.EventDisconnected, func(ev client.Event) {
		fmt.Printf("! connection lost (%v), reconnecting...\n", ev.Err)
	})
	t.client.Subscribe(client.EventReconnected, func(ev client.Event) {
		fmt.Printf("! reconnected after %d attempt(s)\n", ev.Attempt)
		t.mu.Lock()
		username, password := t.username, t.password
		t.mu.Unlock()
		if username != "" {
			_ = t.client.Send(protocol.Login(username, password))
		}
	})
	t.client.Subscribe(client.EventReconnectFailed, func(ev client.Event) {
		fmt.Printf("! giving up after %d attempts: %v (type /connect to retry)\n", ev.Attempt, ev.Err)
	})
	t.client.Subscribe(client.EventConnectionFailed, func(ev client.Event) {
		fmt.Printf("! connect failed: %v\n", ev.Err)
	})
}

func (t *terminal) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}

	var msg protocol.Message
	fields := strings.Fields(line)
	switch cmd := fields[0]; {
	case cmd == "/quit":
		return true
	case cmd == "/help":
		fmt.Println(usage)
		return false
	case cmd == "/connect":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := t.client.Connect(connectCtx); err != nil {
			fmt.Printf("! %v\n", err)
		}
		return false
	case cmd == "/login" || cmd == "/register":
		if len(fields) != 3 {
			fmt.Println("! usage: " + cmd + " <user> <password>")
			return false
		}
		t.mu.Lock()
		t.username, t.password = fields[1], fields[2]
		t.mu.Unlock()
		if cmd == "/login" {
			msg = protocol.Login(fields[1], fields[2])
		} else {
			msg = protocol.Register(fields[1], fields[2])
		}
	case cmd == "/join":
		if len(fields) < 2 {
			fmt.Println("! usage: /join <room> [password]")
			return false
		}
		msg = protocol.JoinRoom(fields[1], arg(fields, 2))
		t.setRoom(fields[1])
	case cmd == "/create":
		if len(fields) < 2 {
			fmt.Println("! usage: /create <room> [open|private|password] [password]")
			return false
		}
		msg = protocol.CreateRoom(fields[1], arg(fields, 2), arg(fields, 3))
		t.setRoom(fields[1])
	case cmd == "/leave":
		msg = protocol.LeaveRoom(t.currentRoom())
		t.setRoom("Lobby")
	case cmd == "/status":
		if len(fields) != 2 {
			fmt.Println("! usage: /status <online|away|busy|offline>")
			return false
		}
		msg = protocol.StatusUpdate("", fields[1])
	case strings.HasPrefix(cmd, "/"):
		fmt.Printf("! unknown command %s\n", cmd)
		return false
	default:
		msg = protocol.Chat(t.currentRoom(), line)
	}

	if err := t.client.Send(msg); err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func (t *terminal) print(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeSystem:
		fmt.Printf("* %s\n", msg.String(protocol.FieldContent))
	case protocol.TypeMessage, protocol.TypeRichMessage:
		if room := msg.String(protocol.FieldRoom); room != "" {
			t.setRoom(room)
		}
		fmt.Println(msg.String(protocol.FieldContent))
	case protocol.TypeUserList:
		fmt.Printf("users: %s\n", strings.Join(protocol.SplitList(msg.String(protocol.FieldUsers)), ", "))
	case protocol.TypeRoomList:
		fmt.Printf("rooms: %s\n", strings.Join(protocol.SplitList(msg.String(protocol.FieldRooms)), ", "))
	case protocol.TypeStatusUpdate:
		fmt.Printf("* %s is %s\n", msg.String(protocol.FieldUsername), msg.String(protocol.FieldStatus))
	case protocol.TypeNotification:
		fmt.Printf("[%s] %s: %s\n", msg.String(protocol.FieldLevel), msg.String(protocol.FieldTitle), msg.String(protocol.FieldContent))
	case protocol.TypeKeyExchange, protocol.TypeEncrypted:
		fmt.Printf("* %s frame from %s\n", msg.Type, msg.String(protocol.FieldFrom))
	}
}

func (t *terminal) setRoom(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.room = room
}

func (t *terminal) currentRoom() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.room
}

func arg(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
