package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CommandHistory struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ConnectionID uuid.UUID  `gorm:"type:uuid;not null;index" json:"connection_id"`
	Connection   Connection `gorm:"foreignKey:ConnectionID;constraint:OnDelete:CASCADE" json:"-"`
	Command      string     `gorm:"not null" json:"command"`
	Stdout       string     `gorm:"type:text" json:"stdout"`
	Stderr       string     `gorm:"type:text" json:"stderr"`
	ExitCode     int        `json:"exit_code"` // -1 when the server sent no exit status
	Status       string     `json:"status"`    // success, remote_failure, error
	Error        string     `json:"error,omitempty"`
	ExecutedAt   time.Time  `gorm:"not null;index" json:"executed_at"`
	DurationMs   int        `json:"duration_ms"`
	IsFavorite   bool       `gorm:"default:false" json:"is_favorite"`
}

func (h *CommandHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}
