package elevensync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/utils"
	"github.com/voicelink/agentdash_backend/vault"
)

const defaultSyncTopic = "conversation-sync"

func syncTopicName() string {
	if v := strings.TrimSpace(os.Getenv("SYNC_PUBSUB_TOPIC")); v != "" {
		return v
	}
	return defaultSyncTopic
}

// PublishSyncRun queues a background sync request on Pub/Sub. The push
// subscription delivers it to PubSubPush, possibly on another instance.
func PublishSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, syncTopicName())
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = result.Get(ctx)
	return err
}

// SyncAsync queues a sync instead of running it in the request. Useful for
// large backfills that would outlive an HTTP timeout.
func (h *Handler) SyncAsync(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	payload := SyncPubSubPayload{
		OrganizationId: org,
		Provider:       models.IntegrationProviderElevenLabs,
		TriggeredBy:    models.SyncTriggeredManual,
	}
	if correlationID, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		payload.CorrelationId = correlationID
	}

	if err := PublishSyncRun(c.Request.Context(), payload); err != nil {
		config.LogError(h.logger, "elevensync", "SyncAsync", "publish", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue sync"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "sync queued"})
}

// PubSubPush receives Pub/Sub push deliveries and executes the sync run.
// Anything that re-delivery cannot fix is acked with 200 so the message does
// not loop; only infrastructure failures answer 5xx to request a retry.
func (h *Handler) PubSubPush(c *gin.Context) {
	var envelope PubSubPushEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid push envelope"})
		return
	}

	var payload SyncPubSubPayload
	if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
		config.LogError(h.logger, "elevensync", "PubSubPush", "decode payload", envelope.Message.MessageId, err)
		c.JSON(http.StatusOK, gin.H{"message": "undecodable payload dropped"})
		return
	}
	if payload.OrganizationId == "" || payload.Provider == "" {
		c.JSON(http.StatusOK, gin.H{"message": "incomplete payload dropped"})
		return
	}

	ctx := c.Request.Context()
	if payload.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, payload.CorrelationId)
	}
	triggeredBy := payload.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredSystem
	}

	run, err := h.engine.Run(ctx, payload.OrganizationId, payload.Provider, triggeredBy, payload.ParentRunId)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, summaryFromRun("sync completed", run))
	case errors.Is(err, ErrSyncInProgress),
		errors.Is(err, ErrNoIntegration),
		errors.Is(err, ErrIntegrationNotActive),
		errors.Is(err, vault.ErrCredential):
		// Redelivering the same message would hit the same wall.
		c.JSON(http.StatusOK, gin.H{"message": "sync not runnable: " + err.Error()})
	case run != nil:
		// Listing aborted; the run record holds the partial counts. Ask for
		// a redelivery only when a retry could help.
		if IsRetryable(err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summaryFromRun("sync aborted: "+err.Error(), run))
	default:
		config.LogError(h.logger, "elevensync", "PubSubPush", "run failed", payload.OrganizationId, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
