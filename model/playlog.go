package model

import (
	"time"

	"gorm.io/datatypes"
)

// PlayEvent records one gameplay event for the play audit trail.
type PlayEvent struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID   string         `gorm:"index:idx_play_trace;size:36" json:"trace_id"`
	SessionID string         `gorm:"index:idx_play_session;size:36;not null" json:"session_id"`
	Title     string         `gorm:"size:128" json:"title"`
	Kind      string         `gorm:"size:32;not null" json:"kind"`
	Payload   datatypes.JSON `json:"payload"`
	CreatedAt time.Time      `gorm:"index:idx_play_created;autoCreateTime:milli" json:"created_at"`
}

func (PlayEvent) TableName() string { return "play_events" }
