package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/voice"
	"go.uber.org/zap"
)

const (
	opDispatch = "session.dispatch"
	opMessage  = "session.message"
	opEdit     = "session.edit"
	opDelete   = "session.delete"
	opPush     = "session.push"
)

const (
	outcomeOK       = "ok"
	outcomeRejected = "rejected"
	outcomeFailed   = "failed"
)

// Client-visible failure strings for frame handling.
const (
	messageInvalidFormat     = "Invalid message format"
	messageRateLimited       = "Too many messages, slow down"
	messageContentRequired   = "Message content is required"
	messageSendFailed        = "Failed to send message, try again"
	messageEditFieldsMissing = "Message ID and content are required"
	messageIDRequired        = "Message ID is required"
	messageNotFound          = "Message not found"
	messageEditForbidden     = "You can only edit your own messages"
	messageDeleteForbidden   = "You can only delete your own messages"
	messageEditFailed        = "Failed to edit message, try again"
	messageDeleteFailed      = "Failed to delete message, try again"
	messageDeleteAllFailed   = "Failed to delete messages, try again"
	messageVisibilityInvalid = "isVisible must be a boolean"
	messageVisibilityFailed  = "Failed to update visibility, try again"
	messagePeekingFailed     = "Failed to read peeking users, try again"
	messageIdentityMismatch  = "User identity mismatch"
	messageInvalidVoiceUID   = "A numeric agoraUid is required"
	messageUnknownVoice      = "Unsupported voice action"
	messageUnsupportedType   = "unsupported message type"
)

// readLoop dispatches inbound frames until the transport closes.
func (e *Engine) readLoop(ctx context.Context, conn *Connection) error {
	for {
		raw, err := conn.transport.Read(ctx)
		if err != nil {
			return nil
		}
		conn.markAlive()
		if !conn.limiter.Allow() {
			e.metrics.FrameHandled("unknown", outcomeRejected, 0)
			e.reply(ctx, conn, messageRateLimited)
			continue
		}
		e.dispatch(ctx, conn, raw)
	}
}

func (e *Engine) dispatch(ctx context.Context, conn *Connection, raw []byte) {
	started := time.Now()
	cmd, err := parseCommand(raw)
	if err != nil {
		e.metrics.FrameHandled("malformed", outcomeRejected, time.Since(started))
		e.reply(ctx, conn, messageInvalidFormat)
		return
	}
	var outcome string
	switch typed := cmd.(type) {
	case sendMessageCommand:
		outcome = e.handleMessage(ctx, conn, typed)
	case editMessageCommand:
		outcome = e.handleEdit(ctx, conn, typed)
	case deleteMessageCommand:
		outcome = e.handleDelete(ctx, conn, typed)
	case deleteAllCommand:
		outcome = e.handleDeleteAll(ctx, conn)
	case visibilityCommand:
		outcome = e.handleVisibility(ctx, conn, typed)
	case peekingListCommand:
		outcome = e.handlePeekingList(ctx, conn)
	case voiceActionCommand:
		outcome = e.handleVoiceAction(ctx, conn, typed)
	case unsupportedCommand:
		e.logger.Debug("unsupported frame type",
			zap.String("conn_id", string(conn.ID)),
			zap.String("frame_type", typed.frameType),
		)
		e.reply(ctx, conn, messageUnsupportedType)
		outcome = outcomeRejected
	default:
		e.reply(ctx, conn, messageUnsupportedType)
		outcome = outcomeRejected
	}
	e.metrics.FrameHandled(cmd.name(), outcome, time.Since(started))
}

func (e *Engine) handleMessage(ctx context.Context, conn *Connection, cmd sendMessageCommand) string {
	if !hasContent(cmd.content) {
		e.reply(ctx, conn, messageContentRequired)
		return outcomeRejected
	}
	frame := chat.Frame{
		Type:      chat.FrameTypeMessage,
		RoomID:    conn.RoomID.String(),
		UserID:    conn.UserID.String(),
		Content:   cmd.content,
		Timestamp: e.now(),
		FileMeta:  cmd.fileMeta,
	}
	stored, err := seal.SealFrameBytes(frame, conn.Key)
	if err != nil {
		e.logError(opMessage, "seal_failed", err, conn)
		e.reply(ctx, conn, messageSendFailed)
		return outcomeFailed
	}
	position, err := e.rooms.Log().Append(ctx, conn.RoomID, stored)
	if err != nil {
		e.metrics.AppendFailed(chat.FrameTypeMessage)
		e.logError(opMessage, "append_failed", err, conn)
		e.reply(ctx, conn, messageSendFailed)
		return outcomeFailed
	}
	frame.MessageID = position.String()

	if err := e.publishSealed(ctx, conn.Key, frame); err != nil {
		e.logError(opMessage, "publish_failed", err, conn, zap.String("message_id", frame.MessageID))
	}
	if err := conn.sendJSON(ctx, frame); err != nil && !errors.Is(err, ErrTransportClosed) {
		e.logError(opMessage, "echo_failed", err, conn)
	}
	e.notifyOffline(conn, frame)
	return outcomeOK
}

// notifyOffline pushes frame to members that are not online, in the background.
func (e *Engine) notifyOffline(conn *Connection, frame chat.Frame) {
	if e.notifier == nil {
		return
	}
	roomID, userID := conn.RoomID, conn.UserID
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.pushTimeout)
		defer cancel()
		offline, err := e.rooms.Presence().OfflineMembers(ctx, roomID, userID)
		if err != nil {
			chat.LogFailure(e.logger, "push fan-out failed", opPush, "offline_members_failed", err,
				zap.String("room_id", roomID.String()),
				zap.String("user_id", userID.String()),
			)
			return
		}
		e.notifier.NotifyChatMessage(ctx, frame, offline)
	}()
}

func (e *Engine) handleEdit(ctx context.Context, conn *Connection, cmd editMessageCommand) string {
	messageID := strings.TrimSpace(cmd.messageID)
	if messageID == "" || !hasContent(cmd.content) {
		e.reply(ctx, conn, messageEditFieldsMissing)
		return outcomeRejected
	}
	now := e.now()
	replacement := chat.Frame{
		Type:      chat.FrameTypeMessage,
		RoomID:    conn.RoomID.String(),
		UserID:    conn.UserID.String(),
		Content:   cmd.content,
		Timestamp: now,
		FileMeta:  cmd.fileMeta,
		MessageID: messageID,
	}
	if _, err := e.rooms.EditMessage(ctx, conn.Key, conn.UserID, messageID, replacement); err != nil {
		return e.rejectRewrite(ctx, conn, opEdit, err, messageEditForbidden, messageEditFailed)
	}
	notice, err := chat.NewSystemFrame(conn.RoomID.String(), chat.SystemActionEdit, map[string]any{
		"messageId":  messageID,
		"newMessage": replacement,
	}, now)
	if err != nil {
		e.logError(opEdit, "notice_failed", err, conn)
		return outcomeFailed
	}
	e.announce(ctx, conn, opEdit, notice, true)
	return outcomeOK
}

func (e *Engine) handleDelete(ctx context.Context, conn *Connection, cmd deleteMessageCommand) string {
	messageID := strings.TrimSpace(cmd.messageID)
	if messageID == "" {
		e.reply(ctx, conn, messageIDRequired)
		return outcomeRejected
	}
	if err := e.rooms.DeleteMessage(ctx, conn.Key, conn.UserID, messageID); err != nil {
		return e.rejectRewrite(ctx, conn, opDelete, err, messageDeleteForbidden, messageDeleteFailed)
	}
	notice, err := chat.NewSystemFrame(conn.RoomID.String(), chat.SystemActionDelete, map[string]any{
		"messageId": messageID,
	}, e.now())
	if err != nil {
		e.logError(opDelete, "notice_failed", err, conn)
		return outcomeFailed
	}
	e.announce(ctx, conn, opDelete, notice, true)
	return outcomeOK
}

func (e *Engine) rejectRewrite(ctx context.Context, conn *Connection, operation string, err error, forbidden, failed string) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		e.reply(ctx, conn, messageNotFound)
		return outcomeRejected
	case errors.Is(err, chat.ErrPermissionDenied):
		e.reply(ctx, conn, forbidden)
		return outcomeRejected
	default:
		if errors.Is(err, chat.ErrAppend) {
			e.metrics.AppendFailed(chat.FrameTypeMessage)
		}
		e.logError(operation, "rewrite_failed", err, conn)
		e.reply(ctx, conn, failed)
		return outcomeFailed
	}
}

func (e *Engine) handleDeleteAll(ctx context.Context, conn *Connection) string {
	result := e.rooms.DeleteUserMessages(ctx, conn.Key, conn.UserID)
	if !result.Success {
		e.reply(ctx, conn, messageDeleteAllFailed)
		return outcomeFailed
	}
	notice, err := chat.NewSystemFrame(conn.RoomID.String(), chat.SystemActionDeleteAll, map[string]any{
		"userId": conn.UserID.String(),
		"count":  result.Count,
	}, e.now())
	if err != nil {
		e.logError(opDelete, "notice_failed", err, conn)
		return outcomeFailed
	}
	e.announce(ctx, conn, opDelete, notice, false)
	return outcomeOK
}

// announce broadcasts a sealed notice and optionally echoes it in plaintext to the sender.
func (e *Engine) announce(ctx context.Context, conn *Connection, operation string, notice chat.Frame, echo bool) {
	if err := e.publishSealed(ctx, conn.Key, notice); err != nil {
		e.logError(operation, "publish_failed", err, conn)
	}
	if !echo {
		return
	}
	if err := conn.sendJSON(ctx, notice); err != nil && !errors.Is(err, ErrTransportClosed) {
		e.logError(operation, "echo_failed", err, conn)
	}
}

func (e *Engine) handleVisibility(ctx context.Context, conn *Connection, cmd visibilityCommand) string {
	if cmd.visible == nil {
		e.reply(ctx, conn, messageVisibilityInvalid)
		return outcomeRejected
	}
	if err := e.rooms.Presence().SetPeeking(ctx, conn.RoomID, conn.UserID, *cmd.visible); err != nil {
		e.logError(opDispatch, "visibility_failed", err, conn)
		e.reply(ctx, conn, messageVisibilityFailed)
		return outcomeFailed
	}
	return outcomeOK
}

func (e *Engine) handlePeekingList(ctx context.Context, conn *Connection) string {
	users, err := e.rooms.Presence().PeekingUsers(ctx, conn.RoomID)
	if err != nil {
		e.logError(opDispatch, "peeking_failed", err, conn)
		e.reply(ctx, conn, messagePeekingFailed)
		return outcomeFailed
	}
	others := make([]string, 0, len(users))
	for _, user := range users {
		if user != conn.UserID.String() {
			others = append(others, user)
		}
	}
	frame, err := chat.NewSystemFrame(conn.RoomID.String(), chat.SystemActionPeekingList, map[string]any{
		"users":   others,
		"message": describePeekers(others),
	}, e.now())
	if err != nil {
		e.logError(opDispatch, "peeking_failed", err, conn)
		return outcomeFailed
	}
	if err := conn.sendJSON(ctx, frame); err != nil && !errors.Is(err, ErrTransportClosed) {
		e.logError(opDispatch, "peeking_send_failed", err, conn)
	}
	return outcomeOK
}

func describePeekers(users []string) string {
	switch len(users) {
	case 0:
		return "No one else is currently watching this room"
	case 1:
		return fmt.Sprintf("%s is currently watching this room", users[0])
	default:
		return fmt.Sprintf("%s are currently watching this room", strings.Join(users, ", "))
	}
}

func (e *Engine) handleVoiceAction(ctx context.Context, conn *Connection, cmd voiceActionCommand) string {
	if strings.TrimSpace(cmd.userID) != conn.UserID.String() {
		e.reply(ctx, conn, messageIdentityMismatch)
		return outcomeRejected
	}
	uid, ok := parseAgoraUID(cmd.agoraUID)
	if !ok {
		e.reply(ctx, conn, messageInvalidVoiceUID)
		return outcomeRejected
	}
	state, ok := voice.BroadcastState(cmd.action)
	if !ok {
		e.reply(ctx, conn, messageUnknownVoice)
		return outcomeRejected
	}
	frame := chat.VoiceStateFrame{
		Type:        chat.FrameTypeVoiceState,
		RoomID:      conn.RoomID.String(),
		UserID:      conn.UserID.String(),
		AgoraUID:    uid,
		Action:      state,
		DisplayName: strings.TrimSpace(cmd.displayName),
		Timestamp:   e.now(),
	}
	if err := e.publishJSON(ctx, conn.RoomID, frame); err != nil {
		e.logError(opDispatch, "voice_publish_failed", err, conn)
		return outcomeFailed
	}
	return outcomeOK
}

// reply sends an error frame to the originating connection.
func (e *Engine) reply(ctx context.Context, conn *Connection, message string) {
	if err := conn.sendError(ctx, message, e.now()); err != nil && !errors.Is(err, ErrTransportClosed) {
		e.logError(opDispatch, "error_reply_failed", err, conn)
	}
}
