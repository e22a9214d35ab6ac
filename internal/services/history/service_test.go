package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"meetaudio-desktop/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "history.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.TaskRecord{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db)
}

func TestSave(t *testing.T) {
	t.Run("Should create then update a record", func(t *testing.T) {
		store := newTestStore(t)

		require.NoError(t, store.Save(Entry{
			Kind: models.KindRecognition, ExternalID: "t1", Source: "https://a/b.mp3",
			State: "waiting", Progress: 30, Message: "submitted",
		}))
		require.NoError(t, store.Save(Entry{
			Kind: models.KindRecognition, ExternalID: "t1",
			State: "completed", Progress: 100, Message: "done",
			Result: map[string]string{"text": "hello"}, Finished: true,
		}))

		record, err := store.Find(models.KindRecognition, "t1")
		require.NoError(t, err)
		require.NotNil(t, record)

		assert.Equal(t, "completed", record.State)
		assert.Equal(t, "https://a/b.mp3", record.Source)
		assert.Equal(t, []string{"submitted", "done"}, Messages(record))
		assert.JSONEq(t, `{"text":"hello"}`, record.Results)
		assert.True(t, record.Finished)
		assert.NotNil(t, record.FinishedAt)
	})

	t.Run("Should not repeat identical consecutive messages", func(t *testing.T) {
		store := newTestStore(t)
		entry := Entry{Kind: models.KindMinutes, ExternalID: "minutes_t1", State: "running", Message: "analysing"}

		require.NoError(t, store.Save(entry))
		require.NoError(t, store.Save(entry))

		record, err := store.Find(models.KindMinutes, "minutes_t1")
		require.NoError(t, err)
		assert.Len(t, Messages(record), 1)
	})

	t.Run("Should reject entries without identity", func(t *testing.T) {
		store := newTestStore(t)
		assert.Error(t, store.Save(Entry{Kind: models.KindMinutes}))
	})
}

func TestQueries(t *testing.T) {
	t.Run("Should return nil for unknown records", func(t *testing.T) {
		store := newTestStore(t)
		record, err := store.Find(models.KindRecognition, "missing")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("Should list children of a task", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(Entry{Kind: models.KindRecognition, ExternalID: "t1", State: "completed"}))
		require.NoError(t, store.Save(Entry{Kind: models.KindMinutes, ExternalID: "minutes_t1", ParentID: "t1", State: "pending"}))

		children, err := store.Children("t1")
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "minutes_t1", children[0].ExternalID)

		all, err := store.List(10)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestPruneFinished(t *testing.T) {
	t.Run("Should delete only finished records older than cutoff", func(t *testing.T) {
		store := newTestStore(t)
		past := time.Now().Add(-2 * time.Hour)
		store.now = func() time.Time { return past }

		require.NoError(t, store.Save(Entry{Kind: models.KindRecognition, ExternalID: "old", State: "completed", Finished: true}))
		require.NoError(t, store.Save(Entry{Kind: models.KindRecognition, ExternalID: "running", State: "waiting"}))

		store.now = time.Now
		require.NoError(t, store.Save(Entry{Kind: models.KindRecognition, ExternalID: "recent", State: "failed", Finished: true}))

		removed, err := store.PruneFinished(time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		old, _ := store.Find(models.KindRecognition, "old")
		assert.Nil(t, old)
		running, _ := store.Find(models.KindRecognition, "running")
		assert.NotNil(t, running)
		recent, _ := store.Find(models.KindRecognition, "recent")
		assert.NotNil(t, recent)
	})
}
