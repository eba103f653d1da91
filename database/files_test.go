package database

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	DB := SetupDatabase("sqlite", ":memory:", false)
	store, err := NewFileStore(DB, t.TempDir(), 24*time.Hour, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	return store
}

func newTestUser(t *testing.T, store *FileStore, email string) uint {
	t.Helper()
	user := User{Name: "test", Email: email}
	if q := store.DB.Create(&user); q.Error != nil {
		t.Fatalf("Failed to create user: %v", q.Error)
	}
	return user.ID
}

func singleContent(t *testing.T, store *FileStore) FileContent {
	t.Helper()
	var contents []FileContent
	if q := store.DB.Find(&contents); q.Error != nil {
		t.Fatalf("Failed to load contents: %v", q.Error)
	}
	if len(contents) != 1 {
		t.Fatalf("Expected exactly 1 content row, got %d", len(contents))
	}
	return contents[0]
}

func TestUpload_DeduplicatesByContent(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "dedup@example.com")
	data := []byte("same bytes")

	if _, err := store.Upload(userId, "a.txt", data, "text/plain", false); err != nil {
		t.Fatalf("First upload failed: %v", err)
	}
	if _, err := store.Upload(userId, "b.txt", data, "text/plain", false); err != nil {
		t.Fatalf("Second upload failed: %v", err)
	}

	content := singleContent(t, store)
	if content.ReferenceCount != 2 {
		t.Errorf("Expected reference count 2, got %d", content.ReferenceCount)
	}

	if _, err := os.Stat(store.blobPath(content.ContentHash)); err != nil {
		t.Errorf("Expected one shared blob on disk: %v", err)
	}
}

func TestUpload_SameNameConflict(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "conflict@example.com")

	if _, err := store.Upload(userId, "notes.txt", []byte("v1"), "text/plain", false); err != nil {
		t.Fatalf("First upload failed: %v", err)
	}

	_, err := store.Upload(userId, "notes.txt", []byte("v2"), "text/plain", false)
	if !errors.Is(err, ErrFileExists) {
		t.Fatalf("Expected ErrFileExists, got %v", err)
	}

	// The rejected upload must not have mutated anything.
	views, err := store.ListFiles(userId)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("Expected 1 active file, got %d", len(views))
	}
	if views[0].FileSize != 2 {
		t.Errorf("Expected the original file to survive, got size %d", views[0].FileSize)
	}

	content := singleContent(t, store)
	if content.ReferenceCount != 1 {
		t.Errorf("Expected reference count 1 after rejected upload, got %d", content.ReferenceCount)
	}
}

func TestUpload_SameNameOtherUser(t *testing.T) {
	store := newTestStore(t)
	userA := newTestUser(t, store, "a@example.com")
	userB := newTestUser(t, store, "b@example.com")

	if _, err := store.Upload(userA, "notes.txt", []byte("a"), "text/plain", false); err != nil {
		t.Fatalf("Upload for first user failed: %v", err)
	}
	if _, err := store.Upload(userB, "notes.txt", []byte("b"), "text/plain", false); err != nil {
		t.Errorf("Name conflicts must be scoped per user, got %v", err)
	}
}

func TestUpload_Overwrite(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "overwrite@example.com")

	first, err := store.Upload(userId, "notes.txt", []byte("old content"), "text/plain", false)
	if err != nil {
		t.Fatalf("First upload failed: %v", err)
	}

	second, err := store.Upload(userId, "notes.txt", []byte("new and longer content"), "text/plain", true)
	if err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	if second.Id == first.Id {
		t.Error("Expected the overwrite to create a new record")
	}

	views, err := store.ListFiles(userId)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("Expected 1 active file after overwrite, got %d", len(views))
	}
	if views[0].FileSize != int64(len("new and longer content")) {
		t.Errorf("Expected the new content size, got %d", views[0].FileSize)
	}

	// The old blob lost its only reference, the new one holds one.
	var oldContent, newContent FileContent
	if q := store.DB.First(&oldContent, "file_size = ?", len("old content")); q.Error != nil {
		t.Fatalf("Old content row missing: %v", q.Error)
	}
	if q := store.DB.First(&newContent, "file_size = ?", len("new and longer content")); q.Error != nil {
		t.Fatalf("New content row missing: %v", q.Error)
	}
	if oldContent.ReferenceCount != 0 {
		t.Errorf("Expected old reference count 0, got %d", oldContent.ReferenceCount)
	}
	if newContent.ReferenceCount != 1 {
		t.Errorf("Expected new reference count 1, got %d", newContent.ReferenceCount)
	}
}

func TestUpload_RewritesMissingBlob(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "selfheal@example.com")
	data := []byte("heal me")

	if _, err := store.Upload(userId, "a.txt", data, "text/plain", false); err != nil {
		t.Fatalf("First upload failed: %v", err)
	}

	content := singleContent(t, store)
	if err := os.Remove(store.blobPath(content.ContentHash)); err != nil {
		t.Fatalf("Failed to remove blob: %v", err)
	}

	if _, err := store.Upload(userId, "b.txt", data, "text/plain", false); err != nil {
		t.Fatalf("Second upload failed: %v", err)
	}
	if _, err := os.Stat(store.blobPath(content.ContentHash)); err != nil {
		t.Errorf("Expected the blob to be rewritten: %v", err)
	}
}

func TestNextFreePosition_RowMajorFirstFit(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "grid@example.com")

	expected := [][2]int{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {0, 1}}
	var ids []uint
	for i, pos := range expected {
		view, err := store.Upload(userId, string(rune('a'+i))+".txt", []byte{byte(i)}, "text/plain", false)
		if err != nil {
			t.Fatalf("Upload %d failed: %v", i, err)
		}
		if view.PositionX != pos[0] || view.PositionY != pos[1] {
			t.Errorf("Upload %d: expected position (%d,%d), got (%d,%d)",
				i, pos[0], pos[1], view.PositionX, view.PositionY)
		}
		ids = append(ids, view.Id)
	}

	// Freeing a cell in the middle makes it the next allocation.
	if err := store.Delete(userId, ids[1]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	view, err := store.Upload(userId, "f.txt", []byte("f"), "text/plain", false)
	if err != nil {
		t.Fatalf("Upload after delete failed: %v", err)
	}
	if view.PositionX != 1 || view.PositionY != 0 {
		t.Errorf("Expected the freed cell (1,0), got (%d,%d)", view.PositionX, view.PositionY)
	}
}

func TestDelete_ReleasesReferenceKeepsBlob(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "delete@example.com")
	data := []byte("shared")

	a, err := store.Upload(userId, "a.txt", data, "text/plain", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := store.Upload(userId, "b.txt", data, "text/plain", false); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := store.Delete(userId, a.Id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	content := singleContent(t, store)
	if content.ReferenceCount != 1 {
		t.Errorf("Expected reference count 1 after delete, got %d", content.ReferenceCount)
	}
	if _, err := os.Stat(store.blobPath(content.ContentHash)); err != nil {
		t.Errorf("Delete must not touch the blob: %v", err)
	}

	if err := store.Delete(userId, a.Id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an already deleted file, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "open@example.com")
	data := []byte("file body")

	view, err := store.Upload(userId, "a.txt", data, "text/plain", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	f, item, err := store.Open(userId, view.Id)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("Expected %q, got %q", data, got)
	}
	if item.MimeType != "text/plain" {
		t.Errorf("Expected mime type text/plain, got %s", item.MimeType)
	}

	other := newTestUser(t, store, "other@example.com")
	if _, _, err := store.Open(other, view.Id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for another user's file, got %v", err)
	}
}

func TestUpdatePosition(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "move@example.com")

	view, err := store.Upload(userId, "a.txt", []byte("a"), "text/plain", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := store.UpdatePosition(userId, view.Id, 2, 5); err != nil {
		t.Fatalf("UpdatePosition failed: %v", err)
	}

	views, _ := store.ListFiles(userId)
	if views[0].PositionX != 2 || views[0].PositionY != 5 {
		t.Errorf("Expected position (2,5), got (%d,%d)", views[0].PositionX, views[0].PositionY)
	}

	if err := store.UpdatePosition(userId, 9999, 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown file, got %v", err)
	}
}

func TestCleanup_GraceWindowProtectsBlobs(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "gc@example.com")
	data := []byte("short lived")

	view, err := store.Upload(userId, "a.txt", data, "text/plain", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if err := store.Delete(userId, view.Id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Within the grace period nothing may be reclaimed, even with zero
	// references and even across repeated passes.
	for i := 0; i < 3; i++ {
		if err := store.Cleanup(); err != nil {
			t.Fatalf("Cleanup failed: %v", err)
		}
	}
	content := singleContent(t, store)
	if content.ReferenceCount != 0 {
		t.Fatalf("Expected reference count 0, got %d", content.ReferenceCount)
	}
	if _, err := os.Stat(store.blobPath(content.ContentHash)); err != nil {
		t.Errorf("Blob reclaimed inside the grace period: %v", err)
	}

	// Push the record and the blob's last access past the grace period.
	past := time.Now().Add(-8 * 24 * time.Hour)
	store.DB.Model(&FileItem{}).Where("id = ?", view.Id).Updates(map[string]interface{}{
		"deleted_at": past,
		"expires_at": past,
	})
	store.DB.Model(&FileContent{}).Where("content_hash = ?", content.ContentHash).
		Update("last_accessed_at", past)

	if err := store.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	var items, contents int64
	store.DB.Model(&FileItem{}).Count(&items)
	store.DB.Model(&FileContent{}).Count(&contents)
	if items != 0 || contents != 0 {
		t.Errorf("Expected all rows reclaimed, got %d items and %d contents", items, contents)
	}
	if _, err := os.Stat(store.blobPath(content.ContentHash)); !os.IsNotExist(err) {
		t.Errorf("Expected the blob to be removed, got %v", err)
	}
}

func TestCleanup_ExpiredItemReleasesReferenceOnce(t *testing.T) {
	store := newTestStore(t)
	userId := newTestUser(t, store, "refs@example.com")
	data := []byte("counted")

	a, err := store.Upload(userId, "a.txt", data, "text/plain", false)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, err := store.Upload(userId, "b.txt", data, "text/plain", false); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	// a was soft-deleted (reference already released); b expires.
	if err := store.Delete(userId, a.Id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	store.DB.Model(&FileItem{}).
		Where("file_name = ?", "b.txt").
		Update("expires_at", time.Now().Add(-time.Hour))

	if err := store.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	content := singleContent(t, store)
	if content.ReferenceCount != 0 {
		t.Errorf("Expected reference count 0 (never negative), got %d", content.ReferenceCount)
	}

	// a's record is still inside its grace window.
	var items int64
	store.DB.Model(&FileItem{}).Count(&items)
	if items != 1 {
		t.Errorf("Expected the soft-deleted record to survive, got %d items", items)
	}
}
