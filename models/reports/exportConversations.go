package reports

import (
	"github.com/xuri/excelize/v2"

	"github.com/voicelink/agentdash_backend/models"
)

const conversationsSheet = "Conversations"

var conversationHeaders = []string{
	"External ID",
	"Agent",
	"Started At",
	"Duration (s)",
	"Status",
	"Messages",
	"Cost",
	"Audio Reference",
}

// ConversationsWorkbook renders conversation records as an xlsx download.
func ConversationsWorkbook(records []models.ConversationRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", conversationsSheet)
	for i, header := range conversationHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(conversationsSheet, cell, header); err != nil {
			return nil, err
		}
	}

	for row, record := range records {
		startedAt := ""
		if !record.StartedAt.IsZero() {
			startedAt = record.StartedAt.Format("2006-01-02 15:04:05")
		}
		values := []any{
			record.ExternalConversationId,
			record.ExternalAgentId,
			startedAt,
			record.DurationSeconds,
			record.Status,
			record.MessageCount,
			record.CostEstimate.String(),
			record.AudioReference,
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(conversationsSheet, cell, value); err != nil {
				return nil, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
