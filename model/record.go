package model

import (
	"time"

	"gorm.io/datatypes"
)

// SaveRecord stores one save slot for a story: the ordered cursor
// history serialized as JSON. Slots are unique per story title.
type SaveRecord struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Title     string         `gorm:"index:idx_save_title_slot,unique;size:128;not null" json:"title"`
	Slot      int            `gorm:"index:idx_save_title_slot,unique" json:"slot"`
	History   datatypes.JSON `json:"history"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (SaveRecord) TableName() string { return "save_records" }

// GlobalRecord stores the cross-playthrough ledger for a story:
// visited positions plus plugin-accumulated data, one row per title.
type GlobalRecord struct {
	Title     string         `gorm:"primaryKey;size:128" json:"title"`
	Visited   datatypes.JSON `json:"visited"`
	Data      datatypes.JSON `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (GlobalRecord) TableName() string { return "global_records" }
