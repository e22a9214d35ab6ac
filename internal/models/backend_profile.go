package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BackendProfile is a named meeting backend with its API token
type BackendProfile struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"unique;not null" json:"name"`
	BaseURL   string    `gorm:"not null;column:base_url" json:"base_url"`
	TokenEnc  string    `gorm:"column:token_enc" json:"-"` // Encrypted, never expose in JSON
	IsDefault bool      `gorm:"not null;default:false" json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (p *BackendProfile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (BackendProfile) TableName() string {
	return "backend_profiles"
}
