package core

import (
	"time"
)

// CommandRecord is the persisted form of a queued command.
type CommandRecord struct {
	ID          uint       `gorm:"primaryKey;autoIncrement"`
	CommandID   string     `gorm:"uniqueIndex;size:1024;not null"`
	CommandType string     `gorm:"index;size:255;not null"`
	Payload     []byte     `gorm:"type:bytes"`
	Batch       string     `gorm:"index;size:255"`
	WorkType    WorkType   `gorm:"index;size:64"`
	ParallelTag string     `gorm:"index;size:255"`
	ParallelMax int        `gorm:"default:1"`
	Priority    int        `gorm:"index;default:0"`
	Status      Status     `gorm:"index;size:20;default:'queued'"`
	Retries     int        `gorm:"default:0"`
	MaxRetries  int        `gorm:"default:3"`
	LastError   string     `gorm:"type:text"`
	NotBefore   *time.Time `gorm:"index"`
	ClaimedBy   string     `gorm:"size:64"`
	ClaimedAt   *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TableName keeps the historical table name.
func (CommandRecord) TableName() string {
	return "command_requests"
}
