package models

import "time"

// MaintenanceJob records when a housekeeping job last ran and what it did
type MaintenanceJob struct {
	Name       string     `gorm:"primaryKey" json:"name"`
	Cron       string     `gorm:"not null" json:"cron"` // 6-field CRON expression
	Enabled    bool       `gorm:"default:true" json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at"`
	NextRunAt  *time.Time `json:"next_run_at"`
	LastResult string     `gorm:"type:text" json:"last_result"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (MaintenanceJob) TableName() string {
	return "maintenance_jobs"
}
