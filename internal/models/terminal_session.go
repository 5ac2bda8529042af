package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	SessionActive = "active"
	SessionClosed = "closed"
	SessionError  = "error"
)

// TerminalSession is the persisted trace of one interactive shell.
type TerminalSession struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"` // same as the live handle id
	ConnectionID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"connection_id"`
	Connection      Connection `gorm:"foreignKey:ConnectionID;constraint:OnDelete:CASCADE" json:"-"`
	Actor           string     `json:"actor"`
	Status          string     `gorm:"default:'active'" json:"status"`
	Cols            int        `json:"cols"`
	Rows            int        `json:"rows"`
	StartedAt       time.Time  `gorm:"not null" json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	DurationSeconds int        `json:"duration_seconds"`
	BytesIn         int64      `gorm:"default:0" json:"bytes_in"`
	BytesOut        int64      `gorm:"default:0" json:"bytes_out"`
	EndReason       string     `json:"end_reason,omitempty"`
}

func (s *TerminalSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
