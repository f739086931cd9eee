package elevensync

import (
	"time"

	"github.com/voicelink/agentdash_backend/models"
)

// ConnectRequest carries the provider API key submitted by an operator. The
// key is encrypted before it ever touches the database and is never echoed
// back.
type ConnectRequest struct {
	ApiKey string `json:"api_key" binding:"required"`
}

// StatusResponse describes the integration to the dashboard without exposing
// key material.
type StatusResponse struct {
	Connected         bool       `json:"connected"`
	Provider          string     `json:"provider"`
	Status            string     `json:"status"`
	LastTestedAt      *time.Time `json:"last_tested_at"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
}

// SyncSummaryResponse is the body of every completed sync trigger.
type SyncSummaryResponse struct {
	Message        string `json:"message"`
	TotalSynced    int    `json:"totalSynced"`
	TotalErrors    int    `json:"totalErrors"`
	TotalSkipped   int    `json:"totalSkipped"`
	TotalProcessed int    `json:"totalProcessed"`
	TimeMs         int64  `json:"timeMs"`
}

func summaryFromRun(message string, run *models.IntegrationSyncRun) SyncSummaryResponse {
	return SyncSummaryResponse{
		Message:        message,
		TotalSynced:    run.SyncedCount,
		TotalErrors:    run.ErrorCount,
		TotalSkipped:   run.SkippedCount,
		TotalProcessed: run.Listed,
		TimeMs:         run.DurationMs,
	}
}

// SyncRunDetailResponse pairs a run with its recorded per-item errors.
type SyncRunDetailResponse struct {
	Run    models.IntegrationSyncRun     `json:"run"`
	Errors []models.IntegrationSyncError `json:"errors"`
}

// PubSubPushEnvelope is the wrapper Google Pub/Sub push subscriptions wrap
// around the published payload.
type PubSubPushEnvelope struct {
	Message struct {
		Data      []byte `json:"data"`
		MessageId string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// SyncPubSubPayload is the message published to request a background sync.
type SyncPubSubPayload struct {
	OrganizationId string `json:"organization_id"`
	Provider       string `json:"provider"`
	TriggeredBy    string `json:"triggered_by"`
	ParentRunId    *uint  `json:"parent_run_id,omitempty"`
	CorrelationId  string `json:"correlation_id,omitempty"`
}
