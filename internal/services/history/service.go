// Package history persists the lifecycle of recognition tasks and minutes
// jobs so they can be listed and recovered after a restart.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"meetaudio-desktop/internal/models"
)

// Entry is one lifecycle update of a task or job
type Entry struct {
	Kind       string
	ExternalID string
	ParentID   string
	Source     string
	State      string
	Progress   int
	Message    string
	Result     interface{}
	Finished   bool
}

// Store reads and writes task records
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a store over db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Save upserts the record identified by (Kind, ExternalID), appending the
// message to its log
func (s *Store) Save(e Entry) error {
	if e.Kind == "" || e.ExternalID == "" {
		return fmt.Errorf("history entry needs kind and external id")
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var record models.TaskRecord
		err := tx.Where("kind = ? AND external_id = ?", e.Kind, e.ExternalID).First(&record).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load task record: %w", err)
		}
		isNew := errors.Is(err, gorm.ErrRecordNotFound)
		if isNew {
			record = models.TaskRecord{Kind: e.Kind, ExternalID: e.ExternalID}
		}

		if e.ParentID != "" {
			record.ParentID = e.ParentID
		}
		if e.Source != "" {
			record.Source = e.Source
		}
		record.State = e.State
		record.Progress = e.Progress

		if e.Message != "" {
			messages := unmarshalMessages(record.Messages)
			if len(messages) == 0 || messages[len(messages)-1] != e.Message {
				messages = append(messages, e.Message)
			}
			record.Messages = marshalMessages(messages)
		}

		if e.Result != nil {
			data, err := json.Marshal(e.Result)
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			record.Results = string(data)
		}

		if e.Finished && !record.Finished {
			now := s.now()
			record.Finished = true
			record.FinishedAt = &now
		}

		if isNew {
			return tx.Create(&record).Error
		}
		return tx.Save(&record).Error
	})
}

// List returns the most recent records, newest first
func (s *Store) List(limit int) ([]models.TaskRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []models.TaskRecord
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list task records: %w", err)
	}
	return records, nil
}

// Find returns one record, or nil when it does not exist
func (s *Store) Find(kind, externalID string) (*models.TaskRecord, error) {
	var record models.TaskRecord
	err := s.db.Where("kind = ? AND external_id = ?", kind, externalID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task record: %w", err)
	}
	return &record, nil
}

// Children returns the minutes jobs generated from a recognition task
func (s *Store) Children(parentID string) ([]models.TaskRecord, error) {
	var records []models.TaskRecord
	if err := s.db.Where("parent_id = ?", parentID).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list child records: %w", err)
	}
	return records, nil
}

// PruneFinished deletes finished records older than before
func (s *Store) PruneFinished(before time.Time) (int64, error) {
	result := s.db.Where("finished = ? AND finished_at < ?", true, before).Delete(&models.TaskRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune task records: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("History: pruned %d finished records older than %s", result.RowsAffected, before.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}

// Messages decodes the message log of a record
func Messages(record *models.TaskRecord) []string {
	return unmarshalMessages(record.Messages)
}

func marshalMessages(messages []string) string {
	data, _ := json.Marshal(messages)
	return string(data)
}

func unmarshalMessages(messagesJSON string) []string {
	if messagesJSON == "" {
		return []string{}
	}
	var messages []string
	json.Unmarshal([]byte(messagesJSON), &messages)
	return messages
}
