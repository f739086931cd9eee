package dashboard

import (
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handler serves the dashboard's own resources: authentication, agent
// management and the synced conversation views. The sync engine lives in
// elevensync; this package only reads what it persisted.
type Handler struct {
	db     func() *gorm.DB
	logger *logrus.Logger
}

func NewHandler(db func() *gorm.DB, logger *logrus.Logger) *Handler {
	return &Handler{db: db, logger: logger}
}
