package elevensync

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/voicelink/agentdash_backend/models"
)

// Store is the persistence surface the engine consumes. The production
// implementation wraps gorm; tests substitute an in-memory fake.
type Store interface {
	GetIntegration(ctx context.Context, organizationID, provider string) (*models.Integration, error)
	GetAgents(ctx context.Context, organizationID, provider string) ([]models.Agent, error)
	FindConversationByExternalID(ctx context.Context, organizationID, provider, externalID string) (*models.ConversationRecord, error)
	InsertConversationRecord(ctx context.Context, record *models.ConversationRecord) error
	UpdateIntegrationStatus(ctx context.Context, organizationID, provider, status string) error
	TouchIntegrationSync(ctx context.Context, organizationID, provider string, success bool) error

	CreateSyncRun(ctx context.Context, run *models.IntegrationSyncRun) error
	FinishSyncRun(ctx context.Context, run *models.IntegrationSyncRun) error
	CreateSyncError(ctx context.Context, syncErr *models.IntegrationSyncError) error
}

// ErrNotFound is returned by lookups when no row matches. The dedup filter
// relies on it to distinguish "new conversation" from a real query failure.
var ErrNotFound = errors.New("record not found")

type gormStore struct {
	db func() *gorm.DB
}

// NewStore builds the gorm-backed Store. The db accessor is resolved lazily
// per call; the connection pool is established after the HTTP server starts
// listening.
func NewStore(db func() *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetIntegration(ctx context.Context, organizationID, provider string) (*models.Integration, error) {
	var integration models.Integration
	err := s.db().WithContext(ctx).
		Where("organization_id = ? AND provider = ?", organizationID, provider).
		First(&integration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

func (s *gormStore) GetAgents(ctx context.Context, organizationID, provider string) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db().WithContext(ctx).
		Where("organization_id = ? AND provider = ?", organizationID, provider).
		Find(&agents).Error
	if err != nil {
		return nil, err
	}
	return agents, nil
}

func (s *gormStore) FindConversationByExternalID(ctx context.Context, organizationID, provider, externalID string) (*models.ConversationRecord, error) {
	var record models.ConversationRecord
	err := s.db().WithContext(ctx).
		Where("organization_id = ? AND provider = ? AND external_conversation_id = ?", organizationID, provider, externalID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *gormStore) InsertConversationRecord(ctx context.Context, record *models.ConversationRecord) error {
	return s.db().WithContext(ctx).Create(record).Error
}

func (s *gormStore) UpdateIntegrationStatus(ctx context.Context, organizationID, provider, status string) error {
	return s.db().WithContext(ctx).
		Model(&models.Integration{}).
		Where("organization_id = ? AND provider = ?", organizationID, provider).
		Update("status", status).Error
}

// TouchIntegrationSync stamps last_sync_at on every run and
// last_success_sync_at when the run reached the provider successfully.
func (s *gormStore) TouchIntegrationSync(ctx context.Context, organizationID, provider string, success bool) error {
	now := time.Now().UTC()
	updates := map[string]any{"last_sync_at": now}
	if success {
		updates["last_success_sync_at"] = now
	}
	return s.db().WithContext(ctx).
		Model(&models.Integration{}).
		Where("organization_id = ? AND provider = ?", organizationID, provider).
		Updates(updates).Error
}

func (s *gormStore) CreateSyncRun(ctx context.Context, run *models.IntegrationSyncRun) error {
	return s.db().WithContext(ctx).Create(run).Error
}

func (s *gormStore) FinishSyncRun(ctx context.Context, run *models.IntegrationSyncRun) error {
	return s.db().WithContext(ctx).Save(run).Error
}

func (s *gormStore) CreateSyncError(ctx context.Context, syncErr *models.IntegrationSyncError) error {
	return s.db().WithContext(ctx).Create(syncErr).Error
}

// isDuplicateKey detects the unique-index violation raised when two workers
// race to insert the same conversation. The loser counts it as skipped.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "duplicate key")
}
