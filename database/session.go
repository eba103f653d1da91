package database

import (
	"time"

	"gorm.io/gorm"
)

type Session struct {
	gorm.Model
	UserId uint      `json:"UserId" gorm:"index"`
	User   User      `json:"User" gorm:"foreignKey:UserId;references:ID;constraint:OnUpdate:CASCADE,OnDelete:NO ACTION;"`
	Token  string    `gorm:"column:token;primaryKey;type:varchar(43)"`
	Expiry time.Time `gorm:"column:expiry;index"`
}

func CreateSession(DB *gorm.DB, user *User, token string, expiry time.Time) (*Session, error) {
	session := Session{
		UserId: user.ID,
		Token:  token,
		Expiry: expiry,
	}
	if q := DB.Create(&session); q.Error != nil {
		return nil, q.Error
	}
	return &session, nil
}

// GetSessionUser resolves a session token to its user, rejecting expired sessions.
func GetSessionUser(DB *gorm.DB, token string) (*User, error) {
	var session Session
	if q := DB.Preload("User").First(&session, "token = ? AND expiry > ?", token, time.Now()); q.Error != nil {
		return nil, q.Error
	}
	return &session.User, nil
}

func DeleteSession(DB *gorm.DB, token string) error {
	return DB.Unscoped().Delete(&Session{}, "token = ?", token).Error
}
