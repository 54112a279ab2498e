package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketrelay/internal/inbox"
	"marketrelay/internal/relay"
	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

// Dispatch handles one inbound frame from conn. Failures are reported back to
// the connection as error frames; the returned error is for the transport's logs.
func (h *Hub) Dispatch(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	if frame == nil {
		return types.ErrInvalidFrame
	}

	var err error
	switch frame.Type {
	case types.EventSendMessage:
		err = h.handleSendMessage(ctx, conn, frame)
	case types.EventJoinConversation:
		err = h.handleJoinConversation(ctx, conn, frame)
	case types.EventLeaveConversation:
		err = h.handleLeaveConversation(conn, frame)
	case types.EventJoinSupport:
		err = h.handleJoinSupport(ctx, conn, frame)
	case types.EventAdminJoinSupport:
		err = h.handleAdminJoinSupport(ctx, conn, frame)
	case types.EventRequestHistory:
		err = h.handleRequestHistory(ctx, conn, frame)
	case types.EventTypingStart:
		err = h.handleTyping(conn, frame, true)
	case types.EventTypingStop:
		err = h.handleTyping(conn, frame, false)
	case types.EventMarkRead:
		err = h.handleMarkRead(ctx, conn, frame)
	case types.EventFocusChat:
		err = h.handleFocusChat(ctx, conn, frame)
	default:
		if role, ok := types.ParseJoinRoleRoomEvent(frame.Type); ok {
			err = h.handleJoinRoleRoom(ctx, conn, frame, role)
		} else {
			err = fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
		}
	}

	if err != nil {
		h.replyError(conn, frame, err)
	}
	return err
}

func (h *Hub) handleSendMessage(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	var payload types.SendMessagePayload
	if err := frame.Decode(&payload); err != nil {
		return err
	}
	room, err := frame.RoomID()
	if err != nil {
		return &requestError{err: err, clientMessageID: payload.ClientMessageID}
	}

	who := conn.Identity()
	msg, err := h.relay.Send(ctx, relay.SendRequest{
		ConnectionID:    conn.ID(),
		Sender:          who,
		Room:            room,
		Body:            payload.Body,
		ClientMessageID: payload.ClientMessageID,
	})
	if err != nil {
		return &requestError{err: err, clientMessageID: payload.ClientMessageID}
	}

	// A sent message ends the sender's typing burst.
	h.typing.StopTyping(room, who.UserID)

	return h.reply(conn, frame, types.EventAck, types.AckPayload{
		Status:          "sent",
		MessageID:       msg.ID,
		ClientMessageID: msg.ClientMessageID,
		Sequence:        msg.Sequence,
	})
}

func (h *Hub) handleJoinConversation(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	room, err := roomOfKind(frame, types.RoomKindConversation)
	if err != nil {
		return err
	}
	if err := h.policy.CanJoin(ctx, conn.Identity(), room); err != nil {
		return err
	}
	if _, err := h.rooms.Join(conn.ID(), room); err != nil {
		return err
	}
	return h.ackJoined(conn, frame)
}

func (h *Hub) handleLeaveConversation(conn interfaces.Connection, frame *types.Frame) error {
	room, err := roomOfKind(frame, types.RoomKindConversation)
	if err != nil {
		return err
	}
	h.rooms.Leave(conn.ID(), room)
	h.typing.StopTyping(room, conn.Identity().UserID)
	return h.reply(conn, frame, types.EventAck, types.AckPayload{Status: "left"})
}

// handleJoinSupport subscribes an end user to their own support room and pulls
// every operator already in the pool in with them.
func (h *Hub) handleJoinSupport(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	who := conn.Identity()
	if who.IsOperator() {
		return fmt.Errorf("%w: operators join with %s", ErrForbidden, types.EventAdminJoinSupport)
	}
	room := types.SupportRoom(who.UserID)
	if err := h.policy.CanJoin(ctx, who, room); err != nil {
		return err
	}

	alreadyPresent := h.userInRoom(who.UserID, room)
	if _, err := h.rooms.Join(conn.ID(), room); err != nil {
		return err
	}
	for _, opID := range h.conns.operators() {
		if _, err := h.rooms.Join(opID, room); err != nil {
			slog.Debug("[HUB] operator join skipped", "conn", opID, "room", room.String(), "error", err)
		}
	}

	if !alreadyPresent {
		h.notify(room, types.EventPresenceJoined, types.PresencePayload{UserID: who.UserID, DisplayName: who.DisplayName, Role: who.Role})
		h.inboxes.SetOnline(who.UserID, true)
	}
	// The client does not name its support room, so the ack tells it.
	return h.send(conn, frame.RequestID, types.EventAck, room, types.AckPayload{Status: "joined"})
}

// handleAdminJoinSupport adds an operator connection to the pool: it joins every
// live support room, gets its inbox and receives the active chat list.
func (h *Hub) handleAdminJoinSupport(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	who := conn.Identity()
	if !who.IsOperator() {
		return fmt.Errorf("%w: %s requires an operator", ErrForbidden, types.EventAdminJoinSupport)
	}
	if !h.conns.markOperator(conn.ID()) {
		return ErrConnectionNotFound
	}

	for _, room := range h.rooms.RoomsOfKind(types.RoomKindSupport) {
		if _, err := h.rooms.Join(conn.ID(), room); err != nil {
			return err
		}
	}

	in, summaries, err := h.inboxes.Attach(ctx, conn.ID(), who)
	if err != nil {
		return fmt.Errorf("%w: %w", inbox.ErrHistoryUnavailable, err)
	}
	// Listed conversations whose user is offline still need a subscription so
	// their next message reaches this operator.
	for _, s := range summaries {
		if _, err := h.rooms.Join(conn.ID(), types.SupportRoom(s.CounterpartID)); err != nil {
			return err
		}
	}

	slog.Info("[HUB] operator joined support pool", "conn", conn.ID(), "user", who.UserID, "chats", len(summaries))
	return h.reply(conn, frame, types.EventActiveChats, types.ActiveChatsPayload{Chats: in.Summaries()})
}

func (h *Hub) handleJoinRoleRoom(ctx context.Context, conn interfaces.Connection, frame *types.Frame, role types.Role) error {
	who := conn.Identity()
	room := types.RoleRoom(role, who.UserID)
	if err := h.policy.CanJoin(ctx, who, room); err != nil {
		return err
	}
	if _, err := h.rooms.Join(conn.ID(), room); err != nil {
		return err
	}
	return h.ackJoined(conn, frame)
}

func (h *Hub) handleRequestHistory(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	room, err := frame.RoomID()
	if err != nil {
		return err
	}
	if err := h.policy.CanJoin(ctx, conn.Identity(), room); err != nil {
		return err
	}
	messages, err := h.store.ListMessages(ctx, room)
	if err != nil {
		return fmt.Errorf("%w: %w", inbox.ErrHistoryUnavailable, err)
	}
	payload := types.HistoryPayload{Messages: messages}
	if room.Kind == types.RoomKindSupport {
		payload.CounterpartID = room.ID
	}
	return h.reply(conn, frame, types.EventHistory, payload)
}

func (h *Hub) handleTyping(conn interfaces.Connection, frame *types.Frame, start bool) error {
	room, err := frame.RoomID()
	if err != nil {
		return err
	}
	if !h.rooms.IsSubscribed(conn.ID(), room) {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, room)
	}
	if start {
		h.typing.StartTyping(conn.ID(), room, conn.Identity())
	} else {
		h.typing.StopTyping(room, conn.Identity().UserID)
	}
	return nil
}

func (h *Hub) handleMarkRead(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	return h.withInbox(ctx, conn, frame, (*inbox.Inbox).MarkRead)
}

func (h *Hub) handleFocusChat(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	return h.withInbox(ctx, conn, frame, (*inbox.Inbox).Focus)
}

type inboxAction func(*inbox.Inbox, context.Context, string) (types.ActiveChatSummary, []*types.Message, error)

// withInbox runs an inbox transition and pushes the updated summary, then the
// hydrated history when there is one.
func (h *Hub) withInbox(ctx context.Context, conn interfaces.Connection, frame *types.Frame, action inboxAction) error {
	in, ok := h.inboxes.Get(conn.ID())
	if !ok {
		return inbox.ErrNotOperator
	}
	var payload types.CounterpartPayload
	if len(frame.Payload) > 0 {
		if err := frame.Decode(&payload); err != nil {
			return err
		}
	}

	summary, history, err := action(in, ctx, payload.CounterpartID)
	if summary.CounterpartID != "" {
		if werr := h.send(conn, "", types.EventChatSummary, types.SupportRoom(payload.CounterpartID), summary); werr != nil {
			return werr
		}
	}
	if err != nil {
		return err
	}
	if history == nil {
		return nil
	}
	return h.send(conn, frame.RequestID, types.EventHistory, types.SupportRoom(payload.CounterpartID),
		types.HistoryPayload{CounterpartID: payload.CounterpartID, Messages: history})
}

func roomOfKind(frame *types.Frame, kind types.RoomKind) (types.RoomID, error) {
	room, err := frame.RoomID()
	if err != nil {
		return types.RoomID{}, err
	}
	if room.Kind != kind {
		return types.RoomID{}, fmt.Errorf("%w: %s for %s", ErrWrongRoomKind, room, frame.Type)
	}
	return room, nil
}

func (h *Hub) ackJoined(conn interfaces.Connection, frame *types.Frame) error {
	return h.reply(conn, frame, types.EventAck, types.AckPayload{Status: "joined"})
}

// reply answers frame on conn, echoing its request id and room.
func (h *Hub) reply(conn interfaces.Connection, frame *types.Frame, eventType string, payload any) error {
	out, err := types.NewFrame(eventType, types.RoomID{}, payload)
	if err != nil {
		return err
	}
	out.RequestID = frame.RequestID
	out.Room = frame.Room
	return conn.WriteJSON(out)
}

func (h *Hub) send(conn interfaces.Connection, requestID, eventType string, room types.RoomID, payload any) error {
	out, err := types.NewFrame(eventType, room, payload)
	if err != nil {
		return err
	}
	out.RequestID = requestID
	return conn.WriteJSON(out)
}

func (h *Hub) replyError(conn interfaces.Connection, frame *types.Frame, err error) {
	payload := errorPayload(err)
	if payload.Code == types.CodeInternal {
		slog.Error("[HUB] request failed", "conn", conn.ID(), "type", frame.Type, "error", err)
	} else {
		slog.Debug("[HUB] request rejected", "conn", conn.ID(), "type", frame.Type, "code", payload.Code, "error", err)
	}
	if werr := h.reply(conn, frame, types.EventError, payload); werr != nil && !errors.Is(werr, context.Canceled) {
		slog.Warn("[HUB] error reply not delivered", "conn", conn.ID(), "error", werr)
	}
}
