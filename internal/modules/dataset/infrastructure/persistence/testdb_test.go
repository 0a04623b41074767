package persistence

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kf.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// seedUnits 写入 n 个文本单元及其 queued Job，返回按插入顺序的 Unit
func seedUnits(t *testing.T, db *gorm.DB, ownerID string, collectionID int64, n int) []*training.Unit {
	t.Helper()
	now := time.Now().Add(-24 * time.Hour)
	items := make([]repository.NewUnitWithJob, 0, n)
	units := make([]*training.Unit, 0, n)
	for i := 0; i < n; i++ {
		u := &training.Unit{
			OwnerID:      ownerID,
			CollectionID: collectionID,
			ContentHash:  fmt.Sprintf("%s-%d-%05d", ownerID, collectionID, i),
			Mode:         training.ModeEmbedding,
			Q:            fmt.Sprintf("unit %d", i),
			ChunkIndex:   i,
		}
		units = append(units, u)
		items = append(items, repository.NewUnitWithJob{
			Unit: u,
			Job: &training.Job{
				OwnerID:      ownerID,
				CollectionID: collectionID,
				Mode:         training.ModeEmbedding,
				Model:        "mock",
				Status:       training.JobStatusQueued,
				EnqueuedAt:   now,
				NextRunAt:    now,
			},
		})
	}
	inserted, err := NewUnitRepository(db).CreateWithJobs(context.Background(), items)
	require.NoError(t, err)
	for _, ok := range inserted {
		require.True(t, ok)
	}
	return units
}

func jobForUnit(t *testing.T, db *gorm.DB, unitID int64) *training.Job {
	t.Helper()
	var j training.Job
	require.NoError(t, db.Where("unit_id = ?", unitID).Order("id DESC").First(&j).Error)
	return &j
}
