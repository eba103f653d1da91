package database

import (
	"time"

	"gorm.io/gorm"
)

// TextContent holds the shared text buffer, one row per user.
type TextContent struct {
	Model
	UserId           uint `gorm:"uniqueIndex"`
	User             User `gorm:"foreignKey:UserId;references:ID;constraint:OnUpdate:CASCADE,OnDelete:NO ACTION;"`
	Content          string
	ContentUpdatedAt time.Time
	LastAccessedAt   time.Time `gorm:"index"`
}

// TextSyncMessage is the wire view of a text state, shared by the
// HTTP surface and the hub broadcasts.
type TextSyncMessage struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	SenderId  uint      `json:"senderId"`
}

// GetText returns the user's text and refreshes LastAccessedAt.
// Returns nil without error if the user has no text yet.
func GetText(DB *gorm.DB, userId uint) (*TextSyncMessage, error) {
	var text TextContent
	q := DB.First(&text, "user_id = ?", userId)
	if q.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if q.Error != nil {
		return nil, q.Error
	}

	if q := DB.Model(&text).Update("last_accessed_at", time.Now()); q.Error != nil {
		return nil, q.Error
	}

	return &TextSyncMessage{
		Content:   text.Content,
		UpdatedAt: text.ContentUpdatedAt,
		SenderId:  userId,
	}, nil
}

// UpdateText replaces the user's text, creating the row on first use.
func UpdateText(DB *gorm.DB, userId uint, content string) (*TextSyncMessage, error) {
	now := time.Now()

	var text TextContent
	q := DB.First(&text, "user_id = ?", userId)
	if q.Error == gorm.ErrRecordNotFound {
		text = TextContent{
			UserId:           userId,
			Content:          content,
			ContentUpdatedAt: now,
			LastAccessedAt:   now,
		}
		if q := DB.Create(&text); q.Error != nil {
			return nil, q.Error
		}
	} else if q.Error != nil {
		return nil, q.Error
	} else {
		updates := map[string]interface{}{
			"content":            content,
			"content_updated_at": now,
			"last_accessed_at":   now,
		}
		if q := DB.Model(&text).Updates(updates); q.Error != nil {
			return nil, q.Error
		}
	}

	return &TextSyncMessage{
		Content:   content,
		UpdatedAt: now,
		SenderId:  userId,
	}, nil
}

// CleanupStaleText wipes the content of texts untouched for longer than
// ttl. The rows are kept so a returning user finds an empty pad, not an
// error.
func CleanupStaleText(DB *gorm.DB, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl)
	q := DB.Model(&TextContent{}).
		Where("last_accessed_at < ? AND content <> ''", cutoff).
		Updates(map[string]interface{}{
			"content":            "",
			"content_updated_at": time.Now(),
		})
	return q.RowsAffected, q.Error
}
