package dashboard

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/voicelink/agentdash_backend/config"
	"github.com/voicelink/agentdash_backend/models"
	"github.com/voicelink/agentdash_backend/models/reports"
	"github.com/voicelink/agentdash_backend/utils"
)

const signedAudioURLTTL = 15 * time.Minute

// conversationQuery applies the shared list/export filters.
func (h *Handler) conversationQuery(c *gin.Context, org string) *gorm.DB {
	query := h.db().WithContext(c.Request.Context()).
		Model(&models.ConversationRecord{}).
		Where("organization_id = ?", org)

	if agentID := c.Query("agent_id"); agentID != "" {
		query = query.Where("agent_id = ?", agentID)
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if from := c.Query("from"); from != "" {
		if ts, err := time.Parse("2006-01-02", from); err == nil {
			query = query.Where("started_at >= ?", ts)
		}
	}
	if to := c.Query("to"); to != "" {
		if ts, err := time.Parse("2006-01-02", to); err == nil {
			query = query.Where("started_at < ?", ts.AddDate(0, 0, 1))
		}
	}
	if search := c.Query("search"); search != "" {
		query = query.Where("external_conversation_id LIKE ?", "%"+search+"%")
	}
	return query
}

type conversationView struct {
	models.ConversationRecord
	Transcript []models.TranscriptMessage `json:"transcript"`
}

func viewOf(record models.ConversationRecord) conversationView {
	messages, err := record.Transcript()
	if err != nil {
		messages = nil
	}
	view := conversationView{ConversationRecord: record, Transcript: messages}
	view.TranscriptJSON = nil
	return view
}

// ListConversations serves the dashboard's call log with filters and
// pagination. Transcripts are omitted from the list view.
func (h *Handler) ListConversations(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	page := 1
	if n, err := strconv.Atoi(c.Query("page")); err == nil && n > 0 {
		page = n
	}
	pageSize := 25
	if n, err := strconv.Atoi(c.Query("page_size")); err == nil && n > 0 && n <= 100 {
		pageSize = n
	}

	var total int64
	if err := h.conversationQuery(c, org).Count(&total).Error; err != nil {
		config.LogError(h.logger, "dashboard", "ListConversations", "count", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list conversations"})
		return
	}

	var records []models.ConversationRecord
	err := h.conversationQuery(c, org).
		Omit("transcript_json").
		Order("started_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		config.LogError(h.logger, "dashboard", "ListConversations", "query", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list conversations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": records,
		"total":         total,
		"page":          page,
		"page_size":     pageSize,
	})
}

// GetConversation returns one record with its decoded transcript.
func (h *Handler) GetConversation(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var record models.ConversationRecord
	err = h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND id = ?", org, id).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load conversation"})
		return
	}
	c.JSON(http.StatusOK, viewOf(record))
}

// ConversationAudio resolves a playable audio URL. Archived objects get a
// short-lived signed URL; provider-hosted audio passes through unchanged.
func (h *Handler) ConversationAudio(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation id"})
		return
	}

	var record models.ConversationRecord
	err = h.db().WithContext(c.Request.Context()).
		Where("organization_id = ? AND id = ?", org, id).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load conversation"})
		return
	}
	if record.AudioReference == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no audio for this conversation"})
		return
	}

	audioURL := record.AudioReference
	if !isHTTPReference(audioURL) {
		signed, err := utils.SignObjectURL(audioURL, signedAudioURLTTL)
		if err != nil {
			config.LogError(h.logger, "dashboard", "ConversationAudio", "sign url", org, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not resolve audio url"})
			return
		}
		audioURL = signed
	}
	c.JSON(http.StatusOK, gin.H{"audio_url": audioURL})
}

func isHTTPReference(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// ExportConversations streams the filtered call log as an xlsx workbook.
func (h *Handler) ExportConversations(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	var records []models.ConversationRecord
	err := h.conversationQuery(c, org).
		Omit("transcript_json").
		Order("started_at DESC, id DESC").
		Limit(10000).
		Find(&records).Error
	if err != nil {
		config.LogError(h.logger, "dashboard", "ExportConversations", "query", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not export conversations"})
		return
	}

	workbook, err := reports.ConversationsWorkbook(records)
	if err != nil {
		config.LogError(h.logger, "dashboard", "ExportConversations", "render workbook", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not render export"})
		return
	}

	filename := fmt.Sprintf("conversations-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", workbook)
}

type conversationStats struct {
	TotalConversations int64           `json:"total_conversations"`
	TotalDurationSecs  int64           `json:"total_duration_seconds"`
	TotalCost          decimal.Decimal `json:"total_cost"`
}

// Stats aggregates the call log for the dashboard's summary cards.
func (h *Handler) Stats(c *gin.Context) {
	org, ok := orgFromRequest(c)
	if !ok {
		return
	}

	var row struct {
		Count    int64
		Duration int64
		Cost     decimal.Decimal
	}
	err := h.db().WithContext(c.Request.Context()).
		Model(&models.ConversationRecord{}).
		Where("organization_id = ?", org).
		Select("COUNT(*) AS count, COALESCE(SUM(duration_seconds), 0) AS duration, COALESCE(SUM(cost_estimate), 0) AS cost").
		Scan(&row).Error
	if err != nil {
		config.LogError(h.logger, "dashboard", "Stats", "aggregate", org, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load stats"})
		return
	}

	c.JSON(http.StatusOK, conversationStats{
		TotalConversations: row.Count,
		TotalDurationSecs:  row.Duration,
		TotalCost:          row.Cost,
	})
}
