// Package hub is the server side of the sync protocol: it keeps the
// per-user connection groups and fans out state changes to them.
package hub

import (
	"log"
	"sync"

	"gorm.io/gorm"

	"syncpad/database"
	"syncpad/protocol"
)

type Hub struct {
	DB    *gorm.DB
	Store *database.FileStore

	connMessageBuffer int
	logf              func(f string, v ...interface{})
	groupsMu          sync.Mutex
	groups            map[uint]map[*Conn]struct{}
}

func NewHub(DB *gorm.DB, store *database.FileStore) *Hub {
	return &Hub{
		DB:                DB,
		Store:             store,
		connMessageBuffer: 16,
		logf: func(f string, v ...interface{}) {
			log.Printf(f, v...)
		},
		groups: make(map[uint]map[*Conn]struct{}),
	}
}

func (h *Hub) addConn(c *Conn) {
	h.groupsMu.Lock()
	defer h.groupsMu.Unlock()

	group, ok := h.groups[c.userId]
	if !ok {
		group = make(map[*Conn]struct{})
		h.groups[c.userId] = group
	}
	group[c] = struct{}{}
}

func (h *Hub) removeConn(c *Conn) {
	h.groupsMu.Lock()
	defer h.groupsMu.Unlock()

	group, ok := h.groups[c.userId]
	if !ok {
		return
	}
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, c.userId)
	}
}

// GroupSize returns the number of live connections for a user.
func (h *Hub) GroupSize(userId uint) int {
	h.groupsMu.Lock()
	defer h.groupsMu.Unlock()
	return len(h.groups[userId])
}

// broadcastGroup delivers a frame to every connection in the user's
// group, including any connection of the acting device.
func (h *Hub) broadcastGroup(userId uint, frame []byte) {
	h.groupsMu.Lock()
	defer h.groupsMu.Unlock()

	for c := range h.groups[userId] {
		c.send(frame)
	}
}

// broadcastOthers delivers a frame to every connection in the user's
// group except the sender, which already applied the change locally.
func (h *Hub) broadcastOthers(userId uint, sender *Conn, frame []byte) {
	h.groupsMu.Lock()
	defer h.groupsMu.Unlock()

	for c := range h.groups[userId] {
		if c == sender {
			continue
		}
		c.send(frame)
	}
}

// NotifyFileAdded tells the whole group (the uploader's own live
// connections included) about a new file. Uploads arrive over HTTP, so
// there is no hub sender to suppress.
func (h *Hub) NotifyFileAdded(userId uint, file *database.FileItemView) {
	frame, err := protocol.EncodeInvocation("ReceiveFileUpdate", database.FileSyncMessage{
		Action: "added",
		File:   file,
	})
	if err != nil {
		h.logf("failed to encode file-added broadcast: %v", err)
		return
	}
	h.broadcastGroup(userId, frame)
}

// NotifyFileDeleted tells the whole group about a deleted file.
func (h *Hub) NotifyFileDeleted(userId uint, fileId uint) {
	frame, err := protocol.EncodeInvocation("ReceiveFileUpdate", database.FileSyncMessage{
		Action: "deleted",
		FileId: fileId,
	})
	if err != nil {
		h.logf("failed to encode file-deleted broadcast: %v", err)
		return
	}
	h.broadcastGroup(userId, frame)
}
