package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/voicelink/agentdash_backend/config"
	"gorm.io/gorm"
)

type Organization struct {
	ID        uuid.UUID `gorm:"type:char(36);primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Plan      string    `gorm:"size:50;default:free" json:"plan"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *Organization) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// GetOrganizationById fetches an organization, Redis-cached.
func GetOrganizationById(ctx context.Context, organizationId string) (*Organization, error) {
	if organizationId == "" {
		return nil, errors.New("organization id is required")
	}

	var org Organization
	key := "Organization:" + organizationId
	if exists, err := config.GetRedisObject(key, &org); err == nil && exists {
		return &org, nil
	}

	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Where("id = ?", organizationId).Take(&org).Error; err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(key, org, 10*time.Minute)
	return &org, nil
}
