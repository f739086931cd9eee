package elevensync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/utils"
	"github.com/voicelink/agentdash_backend/vault"
)

// Handler exposes the integration lifecycle and sync triggers over HTTP.
type Handler struct {
	engine *Engine
	store  Store
	vault  *vault.Vault
	db     func() *gorm.DB
	logger *logrus.Logger
}

func NewHandler(engine *Engine, store Store, v *vault.Vault, db func() *gorm.DB, logger *logrus.Logger) *Handler {
	return &Handler{engine: engine, store: store, vault: v, db: db, logger: logger}
}

func orgFromRequest(c *gin.Context) (string, bool) {
	org, ok := utils.GetOrganizationIdFromContext(c.Request.Context())
	if !ok || org == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "organization could not be resolved from the session"})
		return "", false
	}
	return org, true
}

func statusResponse(integration *models.Integration) StatusResponse {
	return StatusResponse{
		Connected:         integration.Status == models.IntegrationStatusActive,
		Provider:          integration.Provider,
		Status:            integration.Status,
		LastTestedAt:      integration.LastTestedAt,
		LastSyncAt:        integration.LastSyncAt,
		LastSuccessSyncAt: integration.LastSuccessSyncAt,
	}
}

// Status reports the integration state for the dashboard. A missing
// integration is not an error; it renders as a disconnected card.
func (h *Handler) Status(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	integration, err := h.store.GetIntegration(c.Request.Context(), org, models.IntegrationProviderElevenLabs)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusOK, StatusResponse{Connected: false, Provider: models.IntegrationProviderElevenLabs, Status: models.IntegrationStatusInactive})
		return
	}
	if err != nil {
		config.LogError(h.logger, "elevensync", "Status", "load integration", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load integration"})
		return
	}
	c.JSON(http.StatusOK, statusResponse(integration))
}

// Connect stores a new provider API key. The key is verified with a live
// call before it is accepted, then encrypted at rest.
func (h *Handler) Connect(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ShapeValidationErrors(verr)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := h.engine.newClient(req.ApiKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	testCtx, cancel := context.WithTimeout(c.Request.Context(), TestCallTimeout)
	defer cancel()
	if err := client.Verify(testCtx); err != nil {
		config.LogError(h.logger, "elevensync", "Connect", "verify api key", org, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "the provider rejected this api key"})
		return
	}

	encrypted, err := h.vault.EncryptString(req.ApiKey)
	if err != nil {
		config.LogError(h.logger, "elevensync", "Connect", "encrypt api key", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store credentials"})
		return
	}

	status := models.IntegrationStatusActive
	if config.IntegrationApprovalRequired() {
		status = models.IntegrationStatusPendingApproval
	}
	now := time.Now().UTC()

	integration, err := h.store.GetIntegration(c.Request.Context(), org, models.IntegrationProviderElevenLabs)
	switch {
	case errors.Is(err, ErrNotFound):
		integration = &models.Integration{
			OrganizationId:  org,
			Provider:        models.IntegrationProviderElevenLabs,
			Status:          status,
			EncryptedApiKey: encrypted,
			LastTestedAt:    &now,
		}
		if err := h.db().WithContext(c.Request.Context()).Create(integration).Error; err != nil {
			config.LogError(h.logger, "elevensync", "Connect", "create integration", org, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store integration"})
			return
		}
	case err != nil:
		config.LogError(h.logger, "elevensync", "Connect", "load integration", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load integration"})
		return
	default:
		integration.Status = status
		integration.EncryptedApiKey = encrypted
		integration.LastTestedAt = &now
		if err := h.db().WithContext(c.Request.Context()).Save(integration).Error; err != nil {
			config.LogError(h.logger, "elevensync", "Connect", "update integration", org, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store integration"})
			return
		}
	}

	c.JSON(http.StatusOK, statusResponse(integration))
}

// Test re-verifies the stored credentials. Success recovers an ERROR
// integration; an authentication failure demotes it.
func (h *Handler) Test(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	integration, err := h.store.GetIntegration(c.Request.Context(), org, models.IntegrationProviderElevenLabs)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoIntegration.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load integration"})
		return
	}

	apiKey, err := h.vault.DecryptString(integration.EncryptedApiKey)
	if err != nil {
		config.LogError(h.logger, "elevensync", "Test", "credential decryption", org, err)
		h.demote(c.Request.Context(), integration)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "stored credentials could not be decrypted, reconnect the integration"})
		return
	}

	client, err := h.engine.newClient(apiKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	testCtx, cancel := context.WithTimeout(c.Request.Context(), TestCallTimeout)
	defer cancel()

	now := time.Now().UTC()
	integration.LastTestedAt = &now
	if err := client.Verify(testCtx); err != nil {
		config.LogError(h.logger, "elevensync", "Test", "verify api key", org, err)
		if IsAuthFailure(err) {
			integration.Status = models.IntegrationStatusError
		}
		if dbErr := h.db().WithContext(c.Request.Context()).Save(integration).Error; dbErr != nil {
			config.LogError(h.logger, "elevensync", "Test", "update integration", org, dbErr)
		}
		c.JSON(http.StatusOK, gin.H{"ok": false, "integration": statusResponse(integration)})
		return
	}

	if integration.Status == models.IntegrationStatusError {
		integration.Status = models.IntegrationStatusActive
	}
	if err := h.db().WithContext(c.Request.Context()).Save(integration).Error; err != nil {
		config.LogError(h.logger, "elevensync", "Test", "update integration", org, err)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "integration": statusResponse(integration)})
}

// Approve promotes a PENDING_APPROVAL integration. Platform admins only.
func (h *Handler) Approve(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		return
	}

	integration, err := h.store.GetIntegration(c.Request.Context(), org, models.IntegrationProviderElevenLabs)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoIntegration.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load integration"})
		return
	}
	if integration.Status != models.IntegrationStatusPendingApproval {
		c.JSON(http.StatusConflict, gin.H{"error": "integration is not awaiting approval"})
		return
	}

	if err := h.store.UpdateIntegrationStatus(c.Request.Context(), org, integration.Provider, models.IntegrationStatusActive); err != nil {
		config.LogError(h.logger, "elevensync", "Approve", "update integration", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update integration"})
		return
	}
	integration.Status = models.IntegrationStatusActive
	c.JSON(http.StatusOK, statusResponse(integration))
}

// Disconnect deactivates the integration and discards the stored key blob.
// Persisted conversation records are kept.
func (h *Handler) Disconnect(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	integration, err := h.store.GetIntegration(c.Request.Context(), org, models.IntegrationProviderElevenLabs)
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrNoIntegration.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load integration"})
		return
	}

	integration.Status = models.IntegrationStatusInactive
	integration.EncryptedApiKey = ""
	if err := h.db().WithContext(c.Request.Context()).Save(integration).Error; err != nil {
		config.LogError(h.logger, "elevensync", "Disconnect", "update integration", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update integration"})
		return
	}
	c.JSON(http.StatusOK, statusResponse(integration))
}

// Sync triggers one synchronous run and always answers with a summary once
// listing has started. Only preflight failures map to 4xx.
func (h *Handler) Sync(c *gin.Context) {
	h.runSync(c, models.SyncTriggeredManual, nil)
}

// RetryRun re-runs a sync linked to a previous run. Items already persisted
// are skipped by the dedup filter, so only the failed ones do new work.
func (h *Handler) RetryRun(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	runID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	var parent models.IntegrationSyncRun
	err = h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND id = ?", org, runID).
		First(&parent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load sync run"})
		return
	}

	parentID := parent.ID
	h.runSync(c, models.SyncTriggeredRetry, &parentID)
}

func (h *Handler) runSync(c *gin.Context, triggeredBy string, parentRunID *uint) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	provider := models.IntegrationProviderElevenLabs

	// Cross-instance guard. The in-process single-flight map still protects
	// a deployment without Redis.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(c.Request.Context(), "elevensync:run:"+org+":"+provider, 10*time.Minute, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			c.JSON(http.StatusConflict, gin.H{"error": ErrSyncInProgress.Error()})
			return
		}
		if err == nil {
			defer lock.Release(context.Background())
		}
	}

	run, err := h.engine.Run(c.Request.Context(), org, provider, triggeredBy, parentRunID)
	if err != nil && run == nil {
		switch {
		case errors.Is(err, ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, ErrNoIntegration):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, ErrIntegrationNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, vault.ErrCredential):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "stored credentials could not be decrypted, reconnect the integration"})
		default:
			config.LogError(h.logger, "elevensync", "runSync", "run failed", org, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync could not be started"})
		}
		return
	}

	message := "sync completed"
	if err != nil {
		message = "sync aborted while listing conversations: " + err.Error()
	} else if run.ErrorCount > 0 {
		message = "sync completed with errors"
	}
	c.JSON(http.StatusOK, summaryFromRun(message, run))
}

// History lists recent sync runs for the organization, newest first.
func (h *Handler) History(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var runs []models.IntegrationSyncRun
	err := h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND provider = ?", org, models.IntegrationProviderElevenLabs).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		config.LogError(h.logger, "elevensync", "History", "list runs", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list sync runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// RunDetail returns one run with its recorded per-item errors.
func (h *Handler) RunDetail(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	runID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	var run models.IntegrationSyncRun
	err = h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND id = ?", org, runID).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load sync run"})
		return
	}

	var syncErrors []models.IntegrationSyncError
	if err := h.db().WithContext(c.Request.Context()).
		Where("sync_run_id = ?", run.ID).
		Order("id ASC").
		Find(&syncErrors).Error; err != nil {
		config.LogError(h.logger, "elevensync", "RunDetail", "list errors", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load sync errors"})
		return
	}

	c.JSON(http.StatusOK, SyncRunDetailResponse{Run: run, Errors: syncErrors})
}

func (h *Handler) demote(ctx context.Context, integration *models.Integration) {
	if err := h.store.UpdateIntegrationStatus(ctx, integration.OrganizationId, integration.Provider, models.IntegrationStatusError); err != nil {
		config.LogError(h.logger, "elevensync", "demote", "update integration", integration.OrganizationId, err)
	}
}
