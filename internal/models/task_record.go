package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Task record kinds
const (
	KindRecognition = "recognition"
	KindMinutes     = "minutes"
)

// TaskRecord is the persisted history of a recognition task or a minutes job
type TaskRecord struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Kind       string     `gorm:"not null;uniqueIndex:idx_task_kind_external" json:"kind"`                          // recognition, minutes
	ExternalID string     `gorm:"not null;uniqueIndex:idx_task_kind_external;column:external_id" json:"external_id"` // server-assigned id
	ParentID   string     `gorm:"column:parent_id;index" json:"parent_id,omitempty"`                               // recognition task of a minutes job
	Source     string     `json:"source,omitempty"`                                                                // audio URL or uploaded file name
	State      string     `gorm:"not null;default:submitted" json:"state"`
	Progress   int        `gorm:"not null;default:0" json:"progress"` // 0-100
	Messages   string     `gorm:"type:text" json:"messages"`          // JSON array of strings
	Results    string     `gorm:"type:text" json:"results"`           // JSON blob
	Finished   bool       `gorm:"not null;default:false;index" json:"finished"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (r *TaskRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (TaskRecord) TableName() string {
	return "task_records"
}
