package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TranscriptMessage is one normalized utterance of a call transcript.
// Role is always one of "agent", "user" or "system" after normalization.
type TranscriptMessage struct {
	Role          string   `json:"role"`
	Message       string   `json:"message"`
	OffsetSeconds *float64 `json:"offset_seconds,omitempty"`
}

// ConversationRecord is one externally completed conversation, created only
// by the sync engine and never mutated afterwards. The unique index on
// (organization, provider, external id) is the idempotency backstop: a
// concurrent double-insert for the same conversation fails instead of
// duplicating.
type ConversationRecord struct {
	ID                     uint            `gorm:"primary_key" json:"id"`
	OrganizationId         string          `gorm:"uniqueIndex:idx_conversation_external,priority:1;not null" json:"organization_id"`
	Provider               string          `gorm:"uniqueIndex:idx_conversation_external,priority:2;size:50;not null" json:"provider"`
	ExternalConversationId string          `gorm:"uniqueIndex:idx_conversation_external,priority:3;size:128;not null" json:"external_conversation_id"`
	AgentId                int             `gorm:"index" json:"agent_id"`
	ExternalAgentId        string          `gorm:"size:128" json:"external_agent_id"`
	StartedAt              time.Time       `json:"started_at"`
	DurationSeconds        int             `json:"duration_seconds"`
	Status                 string          `gorm:"size:32" json:"status"`
	CostEstimate           decimal.Decimal `gorm:"type:decimal(12,4)" json:"cost_estimate"`
	AudioReference         string          `gorm:"size:512" json:"audio_reference"`
	MessageCount           int             `json:"message_count"`
	TranscriptJSON         []byte          `gorm:"type:json" json:"transcript"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (c *ConversationRecord) Transcript() ([]TranscriptMessage, error) {
	if len(c.TranscriptJSON) == 0 {
		return nil, nil
	}
	var messages []TranscriptMessage
	if err := json.Unmarshal(c.TranscriptJSON, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *ConversationRecord) SetTranscript(messages []TranscriptMessage) error {
	b, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	c.TranscriptJSON = b
	return nil
}
