package database

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type User struct {
	Model
	Name         string `json:"name"`
	Email        string `json:"email" gorm:"uniqueIndex"`
	PasswordHash string `json:"-"`
}

func RegisterUser(DB *gorm.DB, name string, email string, password []byte) (*User, error) {
	var existing User
	q := DB.First(&existing, "email = ?", email)
	if q.Error == nil {
		return nil, fmt.Errorf("user with email '%s' already exists", email)
	}
	if !errors.Is(q.Error, gorm.ErrRecordNotFound) {
		return nil, q.Error
	}

	hashedPassword, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hashedPassword),
	}

	if q := DB.Create(&user); q.Error != nil {
		return nil, q.Error
	}

	return &user, nil
}

func AuthenticateUser(DB *gorm.DB, email string, password []byte) (*User, error) {
	var user User
	if q := DB.First(&user, "email = ?", email); q.Error != nil {
		return nil, q.Error
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), password); err != nil {
		return nil, err
	}

	return &user, nil
}
