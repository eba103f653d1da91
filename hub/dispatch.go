package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"syncpad/database"
	"syncpad/protocol"
)

// dispatch routes a client invocation to its handler. Targets are matched
// case-insensitively, arguments are validated strictly per target, and
// unknown targets are rejected rather than ignored.
func (h *Hub) dispatch(conn *Conn, inv *protocol.Invocation) error {
	if conn.userId == 0 {
		return fmt.Errorf("no authenticated user for this connection")
	}

	switch {
	case strings.EqualFold(inv.Target, "SendTextUpdate"):
		var content string
		if err := decodeArgs(inv, &content); err != nil {
			return err
		}
		return h.sendTextUpdate(conn, content)

	case strings.EqualFold(inv.Target, "RequestLatestText"):
		if err := decodeArgs(inv); err != nil {
			return err
		}
		return h.requestLatestText(conn)

	case strings.EqualFold(inv.Target, "RequestFileList"):
		if err := decodeArgs(inv); err != nil {
			return err
		}
		return h.requestFileList(conn)

	case strings.EqualFold(inv.Target, "UpdateFilePosition"):
		var fileId uint
		var posX, posY int
		if err := decodeArgs(inv, &fileId, &posX, &posY); err != nil {
			return err
		}
		return h.updateFilePosition(conn, fileId, posX, posY)

	default:
		return fmt.Errorf("unknown target '%s'", inv.Target)
	}
}

// decodeArgs unmarshals the invocation arguments into dests, enforcing
// exact arity.
func decodeArgs(inv *protocol.Invocation, dests ...interface{}) error {
	if len(inv.Arguments) != len(dests) {
		return fmt.Errorf("%s expects %d arguments, got %d", inv.Target, len(dests), len(inv.Arguments))
	}
	for i, dest := range dests {
		if err := json.Unmarshal(inv.Arguments[i], dest); err != nil {
			return fmt.Errorf("%s argument %d: %v", inv.Target, i, err)
		}
	}
	return nil
}

// sendTextUpdate persists the new text and broadcasts it to the sender's
// other devices. The sender already shows the text it typed, so it never
// receives its own echo.
func (h *Hub) sendTextUpdate(conn *Conn, content string) error {
	message, err := database.UpdateText(h.DB, conn.userId, content)
	if err != nil {
		return fmt.Errorf("failed to save text: %v", err)
	}

	frame, err := protocol.EncodeInvocation("ReceiveTextUpdate", message)
	if err != nil {
		return err
	}
	h.broadcastOthers(conn.userId, conn, frame)
	return nil
}

// requestLatestText replies only to the caller.
func (h *Hub) requestLatestText(conn *Conn) error {
	message, err := database.GetText(h.DB, conn.userId)
	if err != nil {
		return fmt.Errorf("failed to load text: %v", err)
	}
	if message == nil {
		return nil
	}

	frame, err := protocol.EncodeInvocation("ReceiveTextUpdate", message)
	if err != nil {
		return err
	}
	conn.send(frame)
	return nil
}

// requestFileList replies only to the caller.
func (h *Hub) requestFileList(conn *Conn) error {
	files, err := h.Store.ListFiles(conn.userId)
	if err != nil {
		return fmt.Errorf("failed to list files: %v", err)
	}

	frame, err := protocol.EncodeInvocation("ReceiveFileList", files)
	if err != nil {
		return err
	}
	conn.send(frame)
	return nil
}

// updateFilePosition persists the move verbatim and tells the sender's
// other devices. Collision checking on moves is left to clients; only
// fresh uploads go through the allocator.
func (h *Hub) updateFilePosition(conn *Conn, fileId uint, posX int, posY int) error {
	if err := h.Store.UpdatePosition(conn.userId, fileId, posX, posY); err != nil {
		if err == database.ErrNotFound {
			return fmt.Errorf("file %d not found", fileId)
		}
		return fmt.Errorf("failed to move file: %v", err)
	}

	frame, err := protocol.EncodeInvocation("ReceiveFilePositionChanged", fileId, posX, posY)
	if err != nil {
		return err
	}
	h.broadcastOthers(conn.userId, conn, frame)
	return nil
}
