package models

import "time"

// Checkpoint is an immutable snapshot of a session's conversation at a given
// step. Rows are only ever inserted or deleted, never updated.
type Checkpoint struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SessionID    string    `gorm:"size:128;not null;uniqueIndex:idx_session_step"`
	Step         int64     `gorm:"not null;uniqueIndex:idx_session_step"`
	Source       string    `gorm:"size:16;not null"` // "loop", "tools", "init", "repair"
	Messages     string    `gorm:"type:mediumtext;not null"` // JSON array of conversation messages
	MessageCount int       `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"index"`
}
