package dashboard

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/utils"
)

type agentRequest struct {
	ExternalAgentId string `json:"external_agent_id" binding:"required"`
	Name            string `json:"name" binding:"required"`
	VoiceName       string `json:"voice_name"`
	IsActive        *bool  `json:"is_active"`
}

func bindAgent(c *gin.Context) (*agentRequest, bool) {
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ShapeValidationErrors(verr)})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

// ListAgents returns the organization's registered voice agents.
func (h *Handler) ListAgents(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	var agents []models.Agent
	err := h.db().WithContext(c.Request.Context()).
		Where("organization_id = ?", org).
		Order("name ASC").
		Find(&agents).Error
	if err != nil {
		config.LogError(h.logger, "dashboard", "ListAgents", "query", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list agents"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// CreateAgent registers a provider agent so synced conversations can be
// attributed to it.
func (h *Handler) CreateAgent(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	req, ok := bindAgent(c)
	if !ok {
		return
	}

	if err := utils.ValidateUnique[models.Agent](c.Request.Context(), org, "external_agent_id", req.ExternalAgentId, 0); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "an agent with this external id already exists"})
		return
	}

	agent := models.Agent{
		OrganizationId:  org,
		Provider:        models.IntegrationProviderElevenLabs,
		ExternalAgentId: req.ExternalAgentId,
		Name:            req.Name,
		VoiceName:       req.VoiceName,
		IsActive:        utils.NewTrue(),
	}
	if req.IsActive != nil {
		agent.IsActive = req.IsActive
	}
	if err := h.db().WithContext(c.Request.Context()).Create(&agent).Error; err != nil {
		config.LogError(h.logger, "dashboard", "CreateAgent", "insert", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create agent"})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// UpdateAgent edits a registered agent.
func (h *Handler) UpdateAgent(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	agentID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}
	req, ok := bindAgent(c)
	if !ok {
		return
	}

	var agent models.Agent
	err = h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND id = ?", org, agentID).
		First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load agent"})
		return
	}

	if err := utils.ValidateUnique[models.Agent](c.Request.Context(), org, "external_agent_id", req.ExternalAgentId, agent.ID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "an agent with this external id already exists"})
		return
	}

	agent.ExternalAgentId = req.ExternalAgentId
	agent.Name = req.Name
	agent.VoiceName = req.VoiceName
	if req.IsActive != nil {
		agent.IsActive = req.IsActive
	}
	if err := h.db().WithContext(c.Request.Context()).Save(&agent).Error; err != nil {
		config.LogError(h.logger, "dashboard", "UpdateAgent", "update", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not update agent"})
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent removes a registered agent. Conversation records keep their
// external agent id, so history survives the deletion.
func (h *Handler) DeleteAgent(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	agentID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid agent id"})
		return
	}

	result := h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND id = ?", org, agentID).
		Delete(&models.Agent{})
	if result.Error != nil {
		config.LogError(h.logger, "dashboard", "DeleteAgent", "delete", org, result.Error)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete agent"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

func orgFromRequest(c *gin.Context) (string, bool) {
	org, ok := utils.GetOrganizationIdFromContext(c.Request.Context())
	if !ok || org == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "organization could not be resolved from the session"})
		return "", false
	}
	return org, true
}
