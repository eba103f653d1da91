package scheduler

import (
	"log"
	"time"

	"gorm.io/gorm"

	"syncpad/database"
)

// CleanupTasks builds the two storage maintenance passes: the file GC
// that expires metadata and reclaims orphaned blobs, and the text GC
// that wipes abandoned pads.
func CleanupTasks(
	DB *gorm.DB,
	store *database.FileStore,
	fileGCInterval time.Duration,
	textGCInterval time.Duration,
	textTTL time.Duration,
) []Task {
	return []Task{
		{
			Name:        "file-cleanup",
			Description: "Hard-delete expired file records and reclaim orphaned blobs",
			Interval:    fileGCInterval,
			Enabled:     true,
			Handler:     store.Cleanup,
		},
		{
			Name:        "text-cleanup",
			Description: "Wipe text content untouched for the grace period",
			Interval:    textGCInterval,
			Enabled:     true,
			Handler: func() error {
				cleaned, err := database.CleanupStaleText(DB, textTTL)
				if err != nil {
					return err
				}
				if cleaned > 0 {
					log.Printf("Text cleanup: wiped %d stale texts", cleaned)
				}
				return nil
			},
		},
		{
			Name:        "session-cleanup",
			Description: "Remove expired sessions",
			Interval:    textGCInterval,
			Enabled:     true,
			Handler: func() error {
				q := DB.Unscoped().Where("expiry < ?", time.Now()).Delete(&database.Session{})
				if q.Error != nil {
					return q.Error
				}
				if q.RowsAffected > 0 {
					log.Printf("Cleaned %d expired sessions", q.RowsAffected)
				}
				return nil
			},
		},
	}
}
