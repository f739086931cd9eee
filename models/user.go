package models

import (
	"context"
	"errors"
	"time"

	"github.com/voicelink/agentdash_backend/config"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleOperator UserRole = "O"
	UserRoleViewer   UserRole = "V"
)

type User struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"index" json:"organization_id"`
	Username       string    `gorm:"size:100;not null;unique" json:"username" binding:"required"`
	Name           string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email          *string   `gorm:"size:100;unique" json:"email"`
	Password       string    `gorm:"size:255;not null" json:"-"`
	IsActive       *bool     `gorm:"not null" json:"is_active"`
	Role           UserRole  `gorm:"type:enum('A', 'O', 'V');default:V" json:"role"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetUserByUsername fetches a user, Redis-cached; cache misses fall back to DB.
func GetUserByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}

	var user User
	if exists, err := config.GetRedisObject("User:"+username, &user); err == nil && exists {
		return &user, nil
	}

	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Model(&User{}).Where("username = ?", username).Take(&user).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject("User:"+username, user, 10*time.Minute)
	return &user, nil
}
