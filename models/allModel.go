package models

import (
	"log"

	"github.com/voicelink/agentdash_backend/config"
)

// MigrateTable runs AutoMigrate for every model. Set SKIP_MIGRATIONS=true to
// skip on startup (e.g. when migrations are managed out of band).
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Println("MigrateTable: db is nil, skipping")
		return
	}

	err := db.AutoMigrate(
		&Organization{},
		&User{},
		&Agent{},
		&Integration{},
		&IntegrationSyncRun{},
		&IntegrationSyncError{},
		&ConversationRecord{},
	)
	if err != nil {
		log.Printf("MigrateTable: %v", err)
	}
}
