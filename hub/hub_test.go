package hub

import (
	"encoding/json"
	"testing"
	"time"

	"syncpad/database"
	"syncpad/protocol"
)

func newTestHub(t *testing.T) (*Hub, uint) {
	t.Helper()
	DB := database.SetupDatabase("sqlite", ":memory:", false)
	store, err := database.NewFileStore(DB, t.TempDir(), 24*time.Hour, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	user := database.User{Name: "test", Email: "hub@example.com"}
	if q := DB.Create(&user); q.Error != nil {
		t.Fatalf("Failed to create user: %v", q.Error)
	}

	h := NewHub(DB, store)
	h.logf = func(f string, v ...interface{}) {}
	return h, user.ID
}

func newTestConn(h *Hub, userId uint) *Conn {
	return &Conn{
		hub:       h,
		userId:    userId,
		msgs:      make(chan []byte, h.connMessageBuffer),
		closeSlow: func() {},
	}
}

// invocation builds a decoded invocation the way it arrives off the wire.
func invocation(t *testing.T, target string, args ...interface{}) *protocol.Invocation {
	t.Helper()
	frame, err := protocol.EncodeInvocation(target, args...)
	if err != nil {
		t.Fatalf("EncodeInvocation failed: %v", err)
	}
	dec, err := protocol.Decode(frame[:len(frame)-1])
	if err != nil || dec.Invocation == nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return dec.Invocation
}

func recvInvocation(t *testing.T, c *Conn) *protocol.Invocation {
	t.Helper()
	select {
	case frame := <-c.msgs:
		dec, err := protocol.Decode(frame[:len(frame)-1])
		if err != nil {
			t.Fatalf("Received undecodable frame: %v", err)
		}
		if dec.Invocation == nil {
			t.Fatalf("Expected an invocation, got %+v", dec)
		}
		return dec.Invocation
	default:
		t.Fatal("Expected a frame, got none")
		return nil
	}
}

func assertNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case frame := <-c.msgs:
		t.Fatalf("Expected no frame, got %s", frame)
	default:
	}
}

func TestGroupMembership(t *testing.T) {
	h, userId := newTestHub(t)

	a := newTestConn(h, userId)
	b := newTestConn(h, userId)
	h.addConn(a)
	h.addConn(b)

	if got := h.GroupSize(userId); got != 2 {
		t.Errorf("Expected group size 2, got %d", got)
	}

	h.removeConn(a)
	if got := h.GroupSize(userId); got != 1 {
		t.Errorf("Expected group size 1, got %d", got)
	}

	h.removeConn(b)
	if got := h.GroupSize(userId); got != 0 {
		t.Errorf("Expected empty group, got %d", got)
	}
}

func TestSendTextUpdate_NoEchoToSender(t *testing.T) {
	h, userId := newTestHub(t)

	sender := newTestConn(h, userId)
	other := newTestConn(h, userId)
	third := newTestConn(h, userId)
	stranger := newTestConn(h, userId+1)
	for _, c := range []*Conn{sender, other, third, stranger} {
		h.addConn(c)
	}

	if err := h.dispatch(sender, invocation(t, "SendTextUpdate", "hello devices")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	for _, c := range []*Conn{other, third} {
		inv := recvInvocation(t, c)
		if inv.Target != "ReceiveTextUpdate" {
			t.Fatalf("Expected ReceiveTextUpdate, got %s", inv.Target)
		}
		var message database.TextSyncMessage
		if err := json.Unmarshal(inv.Arguments[0], &message); err != nil {
			t.Fatalf("Bad argument: %v", err)
		}
		if message.Content != "hello devices" {
			t.Errorf("Expected broadcast content, got %q", message.Content)
		}
		if message.SenderId != userId {
			t.Errorf("Expected sender id %d, got %d", userId, message.SenderId)
		}
	}

	assertNoFrame(t, sender)
	assertNoFrame(t, stranger)

	// The text is persisted, not just relayed.
	message, err := database.GetText(h.DB, userId)
	if err != nil || message == nil {
		t.Fatalf("Expected persisted text, got %+v (err %v)", message, err)
	}
	if message.Content != "hello devices" {
		t.Errorf("Expected persisted content, got %q", message.Content)
	}
}

func TestRequestLatestText_CallerOnly(t *testing.T) {
	h, userId := newTestHub(t)

	caller := newTestConn(h, userId)
	other := newTestConn(h, userId)
	h.addConn(caller)
	h.addConn(other)

	// Nothing stored yet: no reply at all.
	if err := h.dispatch(caller, invocation(t, "RequestLatestText")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	assertNoFrame(t, caller)

	if _, err := database.UpdateText(h.DB, userId, "stored text"); err != nil {
		t.Fatalf("UpdateText failed: %v", err)
	}

	if err := h.dispatch(caller, invocation(t, "RequestLatestText")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	inv := recvInvocation(t, caller)
	if inv.Target != "ReceiveTextUpdate" {
		t.Errorf("Expected ReceiveTextUpdate, got %s", inv.Target)
	}
	assertNoFrame(t, other)
}

func TestRequestFileList_CallerOnly(t *testing.T) {
	h, userId := newTestHub(t)

	caller := newTestConn(h, userId)
	other := newTestConn(h, userId)
	h.addConn(caller)
	h.addConn(other)

	if _, err := h.Store.Upload(userId, "a.txt", []byte("a"), "text/plain", false); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := h.dispatch(caller, invocation(t, "RequestFileList")); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	inv := recvInvocation(t, caller)
	if inv.Target != "ReceiveFileList" {
		t.Fatalf("Expected ReceiveFileList, got %s", inv.Target)
	}
	var files []database.FileItemView
	if err := json.Unmarshal(inv.Arguments[0], &files); err != nil {
		t.Fatalf("Bad argument: %v", err)
	}
	if len(files) != 1 || files[0].FileName != "a.txt" {
		t.Errorf("Expected the uploaded file, got %+v", files)
	}
	assertNoFrame(t, other)
}

func TestUpdateFilePosition_BroadcastsToOthers(t *testing.T) {
	h, userId := newTestHub(t)

	sender := newTestConn(h, userId)
	other := newTestConn(h, userId)
	h.addConn(sender)
	h.addConn(other)

	view, err := h.Store.Upload(userId, "a.txt", []byte("a"), "text/plain", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := h.dispatch(sender, invocation(t, "UpdateFilePosition", view.Id, 3, 1)); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	inv := recvInvocation(t, other)
	if inv.Target != "ReceiveFilePositionChanged" {
		t.Fatalf("Expected ReceiveFilePositionChanged, got %s", inv.Target)
	}
	if len(inv.Arguments) != 3 {
		t.Fatalf("Expected 3 arguments, got %d", len(inv.Arguments))
	}
	var fileId uint
	var posX, posY int
	json.Unmarshal(inv.Arguments[0], &fileId)
	json.Unmarshal(inv.Arguments[1], &posX)
	json.Unmarshal(inv.Arguments[2], &posY)
	if fileId != view.Id || posX != 3 || posY != 1 {
		t.Errorf("Expected (%d,3,1), got (%d,%d,%d)", view.Id, fileId, posX, posY)
	}
	assertNoFrame(t, sender)

	views, _ := h.Store.ListFiles(userId)
	if views[0].PositionX != 3 || views[0].PositionY != 1 {
		t.Errorf("Expected persisted position (3,1), got (%d,%d)", views[0].PositionX, views[0].PositionY)
	}
}

func TestUpdateFilePosition_UnknownFile(t *testing.T) {
	h, userId := newTestHub(t)
	sender := newTestConn(h, userId)
	h.addConn(sender)

	if err := h.dispatch(sender, invocation(t, "UpdateFilePosition", 9999, 0, 0)); err == nil {
		t.Error("Expected an error for an unknown file")
	}
}

func TestDispatch_CaseInsensitiveTargets(t *testing.T) {
	h, userId := newTestHub(t)
	sender := newTestConn(h, userId)
	h.addConn(sender)

	if err := h.dispatch(sender, invocation(t, "sendtextupdate", "lower case")); err != nil {
		t.Fatalf("Expected case-insensitive target match, got %v", err)
	}

	message, _ := database.GetText(h.DB, userId)
	if message == nil || message.Content != "lower case" {
		t.Errorf("Expected the update to be applied, got %+v", message)
	}
}

func TestDispatch_UnknownTarget(t *testing.T) {
	h, userId := newTestHub(t)
	sender := newTestConn(h, userId)

	if err := h.dispatch(sender, invocation(t, "DropAllTables")); err == nil {
		t.Error("Expected an error for an unknown target")
	}
}

func TestDispatch_WrongArity(t *testing.T) {
	h, userId := newTestHub(t)
	sender := newTestConn(h, userId)

	if err := h.dispatch(sender, invocation(t, "SendTextUpdate")); err == nil {
		t.Error("Expected an error for missing arguments")
	}
	if err := h.dispatch(sender, invocation(t, "SendTextUpdate", "a", "b")); err == nil {
		t.Error("Expected an error for extra arguments")
	}
	if err := h.dispatch(sender, invocation(t, "UpdateFilePosition", 1, 2)); err == nil {
		t.Error("Expected an error for too few position arguments")
	}
}

func TestDispatch_RequiresUser(t *testing.T) {
	h, _ := newTestHub(t)
	anon := newTestConn(h, 0)

	if err := h.dispatch(anon, invocation(t, "RequestLatestText")); err == nil {
		t.Error("Expected an error for a connection without a user")
	}
}

func TestNotifyFileAdded_ReachesWholeGroup(t *testing.T) {
	h, userId := newTestHub(t)

	a := newTestConn(h, userId)
	b := newTestConn(h, userId)
	stranger := newTestConn(h, userId+1)
	for _, c := range []*Conn{a, b, stranger} {
		h.addConn(c)
	}

	view, err := h.Store.Upload(userId, "pic.png", []byte("png"), "image/png", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	h.NotifyFileAdded(userId, view)

	// Uploads come in over HTTP, so every live connection of the user
	// gets the news, the uploader's own included.
	for _, c := range []*Conn{a, b} {
		inv := recvInvocation(t, c)
		if inv.Target != "ReceiveFileUpdate" {
			t.Fatalf("Expected ReceiveFileUpdate, got %s", inv.Target)
		}
		var message database.FileSyncMessage
		if err := json.Unmarshal(inv.Arguments[0], &message); err != nil {
			t.Fatalf("Bad argument: %v", err)
		}
		if message.Action != "added" || message.File == nil || message.File.FileName != "pic.png" {
			t.Errorf("Unexpected payload: %+v", message)
		}
	}
	assertNoFrame(t, stranger)
}

func TestNotifyFileDeleted_ReachesWholeGroup(t *testing.T) {
	h, userId := newTestHub(t)

	a := newTestConn(h, userId)
	b := newTestConn(h, userId)
	h.addConn(a)
	h.addConn(b)

	h.NotifyFileDeleted(userId, 42)

	for _, c := range []*Conn{a, b} {
		inv := recvInvocation(t, c)
		var message database.FileSyncMessage
		if err := json.Unmarshal(inv.Arguments[0], &message); err != nil {
			t.Fatalf("Bad argument: %v", err)
		}
		if message.Action != "deleted" || message.FileId != 42 {
			t.Errorf("Unexpected payload: %+v", message)
		}
	}
}

func TestSend_ClosesSlowConnection(t *testing.T) {
	h, userId := newTestHub(t)

	closed := make(chan struct{})
	c := &Conn{
		hub:       h,
		userId:    userId,
		msgs:      make(chan []byte, 1),
		closeSlow: func() { close(closed) },
	}

	c.send([]byte("one"))
	c.send([]byte("two"))

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Error("Expected the overflowing connection to be closed")
	}
}
