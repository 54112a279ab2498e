// Command relaychat is a terminal client for the relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"marketrelay/pkg/client"
	"marketrelay/pkg/types"
)

func main() {
	endpoint := flag.String("url", "ws://localhost:8080/ws", "relay WebSocket URL")
	pollURL := flag.String("poll", "", "long-poll URL used when the upgrade is refused, e.g. http://localhost:8080/poll")
	token := flag.String("token", os.Getenv("MARKETRELAY_TOKEN"), "bearer token; empty connects anonymously")
	room := flag.String("room", "", `room to join: "conversation:<id>", "support" or "operator"`)
	role := flag.String("role", "", "also join the private role room of this role (buyer, farmer)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	session, err := newChat(*room, types.Role(*role), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(2)
	}

	manager, err := client.New(client.Options{
		Endpoint:  *endpoint,
		PollURL:   *pollURL,
		Token:     *token,
		OnOpen:    func(t client.Transport) { session.onOpen(t) },
		OnClose:   session.onClose,
		OnMessage: session.onFrame,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: %v\n", err)
		os.Exit(2)
	}
	session.sender = manager

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relaychat: connect: %v\n", err)
		os.Exit(1)
	}
	defer manager.Disconnect()

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
			switch strings.TrimSpace(line) {
			case "/quit":
				return
			case "/connect":
				if err := manager.Connect(ctx); err != nil {
					session.printf("! connect failed: %v\n", err)
				}
			default:
				session.input(line)
			}
		}
	}
}

// sender is the slice of the connection manager the chat needs.
type sender interface {
	Emit(eventType string, room types.RoomID, payload any) (string, error)
}

// chat turns terminal input into frames and frames into terminal output.
type chat struct {
	room     types.RoomID
	mode     string // "conversation", "support" or "operator"
	roleRoom types.Role
	out      io.Writer
	sender   sender

	mu      sync.Mutex
	pending map[string]string // client message id -> body awaiting ack
	failed  *failedSend
}

type failedSend struct {
	clientMessageID string
	body            string
}

func newChat(room string, role types.Role, out io.Writer) (*chat, error) {
	c := &chat{roleRoom: role, out: out, pending: make(map[string]string)}
	switch {
	case room == "support" || room == "operator":
		c.mode = room
	case strings.HasPrefix(room, "conversation:"):
		id, err := types.ParseRoomID(room)
		if err != nil {
			return nil, err
		}
		c.mode = "conversation"
		c.room = id
	default:
		return nil, fmt.Errorf(`-room must be "conversation:<id>", "support" or "operator", got %q`, room)
	}
	if role != "" && (!role.Valid() || role == types.RoleAnonymous || role == types.RoleAdmin) {
		return nil, fmt.Errorf("-role %q has no private room", role)
	}
	return c, nil
}

// onOpen re-announces the session after every (re)connect.
func (c *chat) onOpen(t client.Transport) {
	c.printf("* connected over %s\n", t)
	switch c.mode {
	case "conversation":
		c.emit(types.EventJoinConversation, c.target(), nil)
		c.emit(types.EventRequestHistory, c.target(), nil)
	case "support":
		c.emit(types.EventJoinSupport, types.RoomID{}, nil)
	case "operator":
		c.emit(types.EventAdminJoinSupport, types.RoomID{}, nil)
	}
	if c.roleRoom != "" {
		c.emit(types.JoinRoleRoomEvent(c.roleRoom), types.RoomID{}, nil)
	}
}

func (c *chat) onClose(err error) {
	if err == nil {
		c.printf("* disconnected\n")
		return
	}
	c.printf("* offline: %v (type /connect to try again)\n", err)
}

func (c *chat) input(line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case line == "/retry":
		c.retry()
	case line == "/typing":
		c.emit(types.EventTypingStart, c.target(), nil)
	case strings.HasPrefix(line, "/read ") && c.mode == "operator":
		c.emit(types.EventMarkRead, types.RoomID{}, types.CounterpartPayload{CounterpartID: strings.TrimSpace(line[6:])})
	case strings.HasPrefix(line, "/focus ") && c.mode == "operator":
		counterpart := strings.TrimSpace(line[7:])
		c.setTarget(types.SupportRoom(counterpart))
		c.emit(types.EventFocusChat, types.RoomID{}, types.CounterpartPayload{CounterpartID: counterpart})
	default:
		c.send(uuid.NewString(), line)
	}
}

// target is the room messages and typing go to. Support users learn theirs from
// the join ack; operators pick one with /focus.
func (c *chat) target() types.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *chat) setTarget(room types.RoomID) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

func (c *chat) send(clientMessageID, body string) {
	c.mu.Lock()
	c.pending[clientMessageID] = body
	c.mu.Unlock()

	payload := types.SendMessagePayload{Body: body, ClientMessageID: clientMessageID}
	if _, err := c.sender.Emit(types.EventSendMessage, c.target(), payload); err != nil {
		c.fail(clientMessageID, err.Error())
	}
}

// retry resends the last failed body under its original client message id, so a
// send that did persist is not stored twice.
func (c *chat) retry() {
	c.mu.Lock()
	failed := c.failed
	c.failed = nil
	c.mu.Unlock()

	if failed == nil {
		c.printf("! nothing to retry\n")
		return
	}
	c.send(failed.clientMessageID, failed.body)
}

func (c *chat) fail(clientMessageID, reason string) {
	c.mu.Lock()
	body, ok := c.pending[clientMessageID]
	delete(c.pending, clientMessageID)
	if ok {
		c.failed = &failedSend{clientMessageID: clientMessageID, body: body}
	}
	c.mu.Unlock()

	if ok {
		c.printf("! not sent (%s): %q, type /retry to resend\n", reason, body)
		return
	}
	c.printf("! %s\n", reason)
}

func (c *chat) onFrame(frame *types.Frame) {
	switch frame.Type {
	case types.EventMessage:
		var msg types.Message
		if frame.Decode(&msg) == nil {
			c.printMessage(&msg)
		}
	case types.EventHistory:
		var history types.HistoryPayload
		if frame.Decode(&history) == nil {
			for _, msg := range history.Messages {
				c.printMessage(msg)
			}
		}
	case types.EventAck:
		var ack types.AckPayload
		if frame.Decode(&ack) != nil {
			return
		}
		if ack.ClientMessageID != "" {
			c.mu.Lock()
			delete(c.pending, ack.ClientMessageID)
			c.mu.Unlock()
		}
		if room, err := frame.RoomID(); err == nil && c.mode == "support" && room.Kind == types.RoomKindSupport {
			c.setTarget(room)
		}
	case types.EventError:
		var e types.ErrorPayload
		if frame.Decode(&e) != nil {
			return
		}
		reason := e.Code
		if e.Message != "" {
			reason += ": " + e.Message
		}
		if e.ClientMessageID != "" {
			c.fail(e.ClientMessageID, reason)
			return
		}
		c.printf("! %s\n", reason)
	case types.EventTypingStart, types.EventTypingStop:
		var typing types.TypingPayload
		if frame.Decode(&typing) == nil {
			verb := "is typing"
			if frame.Type == types.EventTypingStop {
				verb = "stopped typing"
			}
			c.printf("  %s %s\n", nameOr(typing.DisplayName, typing.UserID), verb)
		}
	case types.EventPresenceJoined, types.EventPresenceLeft:
		var p types.PresencePayload
		if frame.Decode(&p) == nil {
			c.printf("* %s %s\n", nameOr(p.DisplayName, p.UserID), strings.TrimPrefix(frame.Type, "presence-"))
		}
	case types.EventActiveChats:
		var chats types.ActiveChatsPayload
		if frame.Decode(&chats) == nil {
			for _, s := range chats.Chats {
				c.printSummary(s)
			}
		}
	case types.EventChatSummary:
		var s types.ActiveChatSummary
		if frame.Decode(&s) == nil {
			c.printSummary(s)
		}
	case types.EventAlert:
		var alert types.AlertPayload
		if frame.Decode(&alert) == nil {
			c.printf("* alert %s %s\n", alert.Kind, string(alert.Data))
		}
	}
}

func (c *chat) printMessage(msg *types.Message) {
	c.printf("[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), nameOr(msg.SenderName, msg.SenderID), msg.Body)
}

func (c *chat) printSummary(s types.ActiveChatSummary) {
	online := " "
	if s.Online {
		online = "*"
	}
	c.printf("%s %-12s unread=%d  %s\n", online, nameOr(s.DisplayName, s.CounterpartID), s.UnreadCount, s.LastMessage)
}

func (c *chat) emit(eventType string, room types.RoomID, payload any) {
	if _, err := c.sender.Emit(eventType, room, payload); err != nil && !errors.Is(err, client.ErrNotConnected) {
		c.printf("! %s: %v\n", eventType, err)
	}
}

func (c *chat) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func nameOr(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
