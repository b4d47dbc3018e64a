package model

import "time"

// EngineSettings stores the player-facing engine settings as a single row.
type EngineSettings struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Lang      string    `gorm:"size:32" json:"lang"`
	SubLang   string    `gorm:"size:32" json:"sub_lang"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (EngineSettings) TableName() string { return "engine_settings" }
