package service

import (
	"path/filepath"
	"testing"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/persistence"
	"KnowForge/internal/modules/dataset/infrastructure/vectordb"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db          *gorm.DB
	opts        config.PipelineOptions
	collections repository.CollectionRepository
	units       repository.UnitRepository
	jobs        repository.JobRepository
	tasks       repository.ReindexTaskRepository
	rebuild     repository.RebuildRepository
	vectors     *vectordb.MemoryStore

	ingest      IngestService
	status      StatusService
	collection  CollectionService
	reindex     ReindexController
	collectionA *training.Collection
}

func newTestEnv(t *testing.T, tweak func(o *config.PipelineOptions)) *testEnv {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kf.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, persistence.AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })

	opts := config.DefaultPipelineOptions()
	opts.ReindexStepRetries = 1
	if tweak != nil {
		tweak(&opts)
	}
	e := &testEnv{
		db:          db,
		opts:        opts,
		collections: persistence.NewCollectionRepository(db),
		units:       persistence.NewUnitRepository(db),
		jobs:        persistence.NewJobRepository(db),
		tasks:       persistence.NewReindexTaskRepository(db),
		rebuild:     persistence.NewRebuildRepository(db),
		vectors:     vectordb.NewMemoryStore("kf_test"),
	}
	modes := NewModeSet(opts)
	e.ingest = NewIngestService(e.units, modes, opts, nil)
	e.status = NewStatusService(e.jobs, e.units)
	e.collection = NewCollectionService(e.collections, e.units, e.jobs, e.vectors)
	e.reindex = NewReindexController(e.tasks, e.rebuild, e.vectors, e.vectors, modes, opts, "runner-test", nil)

	e.collectionA = &training.Collection{OwnerID: "team-a", Name: "docs"}
	require.NoError(t, e.collections.Create(t.Context(), e.collectionA))
	return e
}

func (e *testEnv) principal() training.Principal {
	return training.Principal{OwnerID: "team-a", MemberID: "member-1", CollectionID: e.collectionA.ID}
}

func (e *testEnv) jobsByStatus(t *testing.T, status training.JobStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&training.Job{}).Where("status = ?", status).Count(&n).Error)
	return n
}
