package models

import "time"

// Agent maps a locally registered voice agent to the provider's external
// agent identifier. The sync engine treats these as read-only input.
type Agent struct {
	ID              int       `gorm:"primary_key" json:"id"`
	OrganizationId  string    `gorm:"uniqueIndex:idx_agent_external,priority:1;not null" json:"organization_id"`
	Provider        string    `gorm:"uniqueIndex:idx_agent_external,priority:2;size:50;not null" json:"provider"`
	ExternalAgentId string    `gorm:"uniqueIndex:idx_agent_external,priority:3;size:128;not null" json:"external_agent_id" binding:"required"`
	Name            string    `gorm:"size:255;not null" json:"name" binding:"required"`
	VoiceName       string    `gorm:"size:100" json:"voice_name"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
