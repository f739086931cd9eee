package models

import "time"

const (
	IntegrationProviderElevenLabs = "elevenlabs"
)

// Integration lifecycle. A new key submission starts INACTIVE; a successful
// connectivity test promotes it to ACTIVE (or PENDING_APPROVAL when the
// platform requires admin approval first); any authentication failure during
// sync or re-test demotes it to ERROR.
const (
	IntegrationStatusInactive        = "INACTIVE"
	IntegrationStatusPendingApproval = "PENDING_APPROVAL"
	IntegrationStatusActive          = "ACTIVE"
	IntegrationStatusError           = "ERROR"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

type Integration struct {
	ID             uint   `gorm:"primary_key" json:"id"`
	OrganizationId string `gorm:"uniqueIndex:idx_integration_provider,priority:1;not null" json:"organization_id"`
	Provider       string `gorm:"uniqueIndex:idx_integration_provider,priority:2;size:50;not null" json:"provider"`
	Status         string `gorm:"size:20;not null" json:"status"`
	// EncryptedApiKey holds the vault blob; the plaintext key exists only
	// inside a single sync run or connectivity test.
	EncryptedApiKey   string     `gorm:"type:text" json:"-"`
	LastTestedAt      *time.Time `json:"last_tested_at"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	OrganizationId string     `gorm:"index;not null" json:"organization_id"`
	IntegrationId  uint       `gorm:"index;not null" json:"integration_id"`
	Provider       string     `gorm:"index;size:50;not null" json:"provider"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy    string     `gorm:"size:20" json:"triggered_by"`
	Listed         int        `json:"listed"`
	NewCount       int        `json:"new_count"`
	SyncedCount    int        `json:"synced_count"`
	SkippedCount   int        `json:"skipped_count"`
	ErrorCount     int        `json:"error_count"`
	ParentRunId    *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncError struct {
	ID             uint      `gorm:"primary_key" json:"id"`
	SyncRunId      uint      `gorm:"index;not null" json:"sync_run_id"`
	OrganizationId string    `gorm:"index;not null" json:"organization_id"`
	ExternalId     string    `gorm:"size:128" json:"external_id"`
	ErrorCode      string    `gorm:"size:64" json:"error_code"`
	StatusCode     int       `json:"status_code"`
	Message        string    `gorm:"type:text" json:"message"`
	Retryable      bool      `gorm:"default:false" json:"retryable"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
