package database

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrFileExists signals a same-name conflict without overwrite. It is
	// returned as a normal failed response, not a 5xx, so clients can
	// prompt for overwrite.
	ErrFileExists = errors.New("FILE_EXISTS")
	ErrNotFound   = errors.New("file not found")
)

// gridColumns is the fixed width of the file tile grid.
const gridColumns = 4

// FileItem is the per-upload metadata record. Deletion is logical first
// (IsDeleted + DeletedAt); the cleanup pass hard-deletes later.
type FileItem struct {
	Model
	UserId      uint `gorm:"index"`
	User        User `gorm:"foreignKey:UserId;references:ID;constraint:OnUpdate:CASCADE,OnDelete:NO ACTION;"`
	FileName    string
	FileSize    int64
	ContentHash string `gorm:"index"`
	MimeType    string
	UploadedAt  time.Time
	ExpiresAt   time.Time `gorm:"index"`
	IsDeleted   bool      `gorm:"index"`
	DeletedAt   *time.Time
	PositionX   int
	PositionY   int
}

// FileContent is one deduplicated blob. ReferenceCount tracks how many
// non-deleted FileItems point at it; rows with no references are kept for
// the grace period as a dedup/undo cache before the bytes are reclaimed.
type FileContent struct {
	Model
	ContentHash    string `gorm:"uniqueIndex"`
	ReferenceCount int
	FileSize       int64
	LastAccessedAt time.Time `gorm:"index"`
}

// FileItemView is the wire view of a FileItem, shared by the HTTP surface
// and the hub broadcasts.
type FileItemView struct {
	Id         uint      `json:"id"`
	FileName   string    `json:"fileName"`
	FileSize   int64     `json:"fileSize"`
	MimeType   string    `json:"mimeType"`
	UploadedAt time.Time `json:"uploadedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	PositionX  int       `json:"positionX"`
	PositionY  int       `json:"positionY"`
}

// FileSyncMessage is the payload of ReceiveFileUpdate broadcasts.
type FileSyncMessage struct {
	Action string        `json:"action"`
	File   *FileItemView `json:"file,omitempty"`
	FileId uint          `json:"fileId,omitempty"`
}

func (f *FileItem) View() FileItemView {
	return FileItemView{
		Id:         f.ID,
		FileName:   f.FileName,
		FileSize:   f.FileSize,
		MimeType:   f.MimeType,
		UploadedAt: f.UploadedAt,
		ExpiresAt:  f.ExpiresAt,
		PositionX:  f.PositionX,
		PositionY:  f.PositionY,
	}
}

// FileStore implements the deduplicated, reference-counted blob store on
// top of the FileItem/FileContent tables and a sharded directory tree.
type FileStore struct {
	DB          *gorm.DB
	StoragePath string
	FileTTL     time.Duration
	GracePeriod time.Duration
}

func NewFileStore(DB *gorm.DB, storagePath string, fileTTL time.Duration, gracePeriod time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(storagePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileStore{
		DB:          DB,
		StoragePath: storagePath,
		FileTTL:     fileTTL,
		GracePeriod: gracePeriod,
	}, nil
}

// blobPath shards blobs two directory levels deep by hash prefix.
func (s *FileStore) blobPath(hash string) string {
	return filepath.Join(s.StoragePath, hash[:2], hash[2:4], hash+".bin")
}

// lockForUpdate adds a row lock on backends that support it. SQLite
// serializes writers on its own and rejects FOR UPDATE.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// ListFiles returns the user's active files in grid order.
func (s *FileStore) ListFiles(userId uint) ([]FileItemView, error) {
	var items []FileItem
	q := s.DB.Where("user_id = ? AND is_deleted = ?", userId, false).
		Order("position_y, position_x").
		Find(&items)
	if q.Error != nil {
		return nil, q.Error
	}

	views := make([]FileItemView, 0, len(items))
	for i := range items {
		views = append(views, items[i].View())
	}
	return views, nil
}

// FileExists reports whether the user has an active file with that name.
func (s *FileStore) FileExists(userId uint, fileName string) (bool, error) {
	var count int64
	q := s.DB.Model(&FileItem{}).
		Where("user_id = ? AND file_name = ? AND is_deleted = ?", userId, fileName, false).
		Count(&count)
	return count > 0, q.Error
}

// Upload stores a file under the user's name, deduplicating content by
// SHA-256. A same-name conflict without overwrite returns ErrFileExists
// with no state mutated. All row mutations run in one transaction so a
// concurrent identical upload cannot double-count or orphan a refcount.
func (s *FileStore) Upload(userId uint, fileName string, data []byte, mimeType string, overwrite bool) (*FileItemView, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	now := time.Now()

	var item FileItem
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var existing *FileItem
		var found FileItem
		q := lockForUpdate(tx).First(&found, "user_id = ? AND file_name = ? AND is_deleted = ?", userId, fileName, false)
		if q.Error == nil {
			existing = &found
		} else if !errors.Is(q.Error, gorm.ErrRecordNotFound) {
			return q.Error
		}

		if existing != nil && !overwrite {
			return ErrFileExists
		}

		content, err := s.ensureContent(tx, hash, data)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"reference_count":  gorm.Expr("reference_count + 1"),
			"last_accessed_at": now,
		}
		if q := tx.Model(content).Updates(updates); q.Error != nil {
			return q.Error
		}

		// The replaced record keeps its own hash; its blob is released
		// independently of the new upload's.
		if existing != nil {
			if err := softDeleteItem(tx, existing); err != nil {
				return err
			}
		}

		posX, posY, err := nextFreePosition(tx, userId)
		if err != nil {
			return err
		}

		item = FileItem{
			UserId:      userId,
			FileName:    fileName,
			FileSize:    int64(len(data)),
			ContentHash: hash,
			MimeType:    mimeType,
			UploadedAt:  now,
			ExpiresAt:   now.Add(s.FileTTL),
			IsDeleted:   false,
			PositionX:   posX,
			PositionY:   posY,
		}
		return tx.Create(&item).Error
	})
	if err != nil {
		return nil, err
	}

	view := item.View()
	return &view, nil
}

// ensureContent looks up the blob row for hash, creating it (and the
// physical file) if needed. A missing physical file for a known hash is
// rewritten from the uploader's bytes.
func (s *FileStore) ensureContent(tx *gorm.DB, hash string, data []byte) (*FileContent, error) {
	var content FileContent
	q := lockForUpdate(tx).First(&content, "content_hash = ?", hash)
	if errors.Is(q.Error, gorm.ErrRecordNotFound) {
		if err := s.writeBlob(hash, data); err != nil {
			return nil, err
		}
		content = FileContent{
			ContentHash:    hash,
			ReferenceCount: 0,
			FileSize:       int64(len(data)),
			LastAccessedAt: time.Now(),
		}
		if q := tx.Create(&content); q.Error != nil {
			// Lost the race against a concurrent identical upload; the
			// winner's row is authoritative.
			if q := lockForUpdate(tx).First(&content, "content_hash = ?", hash); q.Error != nil {
				return nil, q.Error
			}
		}
		return &content, nil
	}
	if q.Error != nil {
		return nil, q.Error
	}

	if _, err := os.Stat(s.blobPath(hash)); os.IsNotExist(err) {
		log.Printf("Blob %s missing on disk, rewriting from upload", hash)
		if err := s.writeBlob(hash, data); err != nil {
			return nil, err
		}
	}
	return &content, nil
}

func (s *FileStore) writeBlob(hash string, data []byte) error {
	path := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// Open returns the backing file for an active FileItem and refreshes the
// blob's LastAccessedAt. The caller closes the file.
func (s *FileStore) Open(userId uint, fileId uint) (*os.File, *FileItem, error) {
	var item FileItem
	q := s.DB.First(&item, "id = ? AND user_id = ? AND is_deleted = ?", fileId, userId, false)
	if errors.Is(q.Error, gorm.ErrRecordNotFound) {
		return nil, nil, ErrNotFound
	}
	if q.Error != nil {
		return nil, nil, q.Error
	}

	f, err := os.Open(s.blobPath(item.ContentHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	s.DB.Model(&FileContent{}).
		Where("content_hash = ?", item.ContentHash).
		Update("last_accessed_at", time.Now())

	return f, &item, nil
}

// Delete soft-deletes an active FileItem and releases its blob reference.
// No physical bytes are touched here; reclamation is the cleanup pass's job.
func (s *FileStore) Delete(userId uint, fileId uint) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var item FileItem
		q := lockForUpdate(tx).First(&item, "id = ? AND user_id = ? AND is_deleted = ?", fileId, userId, false)
		if errors.Is(q.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if q.Error != nil {
			return q.Error
		}
		return softDeleteItem(tx, &item)
	})
}

func softDeleteItem(tx *gorm.DB, item *FileItem) error {
	now := time.Now()
	updates := map[string]interface{}{
		"is_deleted": true,
		"deleted_at": now,
	}
	if q := tx.Model(item).Updates(updates); q.Error != nil {
		return q.Error
	}

	q := tx.Model(&FileContent{}).
		Where("content_hash = ?", item.ContentHash).
		Update("reference_count", gorm.Expr("reference_count - 1"))
	return q.Error
}

// UpdatePosition moves a file tile. Coordinates are accepted verbatim;
// collision avoidance on moves is the client's concern.
func (s *FileStore) UpdatePosition(userId uint, fileId uint, posX int, posY int) error {
	q := s.DB.Model(&FileItem{}).
		Where("id = ? AND user_id = ? AND is_deleted = ?", fileId, userId, false).
		Updates(map[string]interface{}{
			"position_x": posX,
			"position_y": posY,
		})
	if q.Error != nil {
		return q.Error
	}
	if q.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// nextFreePosition scans the user's occupied cells row-major and returns
// the first free one on the 4-column grid.
func nextFreePosition(tx *gorm.DB, userId uint) (int, int, error) {
	var items []FileItem
	q := tx.Select("position_x", "position_y").
		Where("user_id = ? AND is_deleted = ?", userId, false).
		Find(&items)
	if q.Error != nil {
		return 0, 0, q.Error
	}

	occupied := make(map[[2]int]bool, len(items))
	for _, item := range items {
		occupied[[2]int{item.PositionX, item.PositionY}] = true
	}

	for y := 0; ; y++ {
		for x := 0; x < gridColumns; x++ {
			if !occupied[[2]int{x, y}] {
				return x, y, nil
			}
		}
	}
}

// Cleanup is the file GC pass: hard-delete expired or long-soft-deleted
// FileItems, then reclaim blobs that have had no references for longer
// than the grace period.
func (s *FileStore) Cleanup() error {
	now := time.Now()

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var expired []FileItem
		q := lockForUpdate(tx).
			Where("expires_at < ? OR (is_deleted = ? AND deleted_at < ?)", now, true, now.Add(-s.GracePeriod)).
			Find(&expired)
		if q.Error != nil {
			return q.Error
		}

		for i := range expired {
			item := &expired[i]
			// Soft-deleted items already released their reference.
			if !item.IsDeleted {
				q := tx.Model(&FileContent{}).
					Where("content_hash = ?", item.ContentHash).
					Update("reference_count", gorm.Expr("reference_count - 1"))
				if q.Error != nil {
					return q.Error
				}
			}
			if q := tx.Delete(item); q.Error != nil {
				return q.Error
			}
		}

		if len(expired) > 0 {
			log.Printf("File cleanup: removed %d expired file records", len(expired))
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.DB.Transaction(func(tx *gorm.DB) error {
		var orphans []FileContent
		q := lockForUpdate(tx).
			Where("reference_count <= 0 AND last_accessed_at < ?", now.Add(-s.GracePeriod)).
			Find(&orphans)
		if q.Error != nil {
			return q.Error
		}

		for i := range orphans {
			content := &orphans[i]
			if err := os.Remove(s.blobPath(content.ContentHash)); err != nil && !os.IsNotExist(err) {
				return err
			}
			if q := tx.Delete(content); q.Error != nil {
				return q.Error
			}
		}

		if len(orphans) > 0 {
			log.Printf("File cleanup: reclaimed %d orphaned blobs", len(orphans))
		}
		return nil
	})
}
