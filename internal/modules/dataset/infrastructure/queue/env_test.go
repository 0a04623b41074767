package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/application/service"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/capacity"
	"KnowForge/internal/modules/dataset/infrastructure/persistence"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
	"KnowForge/internal/modules/dataset/infrastructure/vectordb"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testDim = 16

type pipelineEnv struct {
	db         *gorm.DB
	opts       config.PipelineOptions
	units      repository.UnitRepository
	jobs       repository.JobRepository
	vectors    *vectordb.MemoryStore
	provider   provider.ModelProvider
	counter    *capacity.MemoryCounter
	ingest     service.IngestService
	status     service.StatusService
	reindex    service.ReindexController
	executor   *JobExecutor
	dispatcher *Dispatcher
	collection *training.Collection
}

type envOption func(o *config.PipelineOptions, p *provider.EinoProvider)

func newPipelineEnv(t *testing.T, opts ...envOption) *pipelineEnv {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "kf.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, persistence.AutoMigrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })

	o := config.DefaultPipelineOptions()
	o.RetryBaseDelay = time.Millisecond
	o.RetryMaxDelay = 5 * time.Millisecond
	o.PollInterval = time.Millisecond
	o.MaxPollBackoff = 5 * time.Millisecond
	o.ReindexStepRetries = 1
	ep := provider.NewEinoProvider().RegisterEmbedder("mock", provider.NewHashEmbedder(testDim))
	for _, fn := range opts {
		fn(&o, ep)
	}
	return buildPipelineEnv(t, db, o, ep)
}

func buildPipelineEnv(t *testing.T, db *gorm.DB, o config.PipelineOptions, p provider.ModelProvider) *pipelineEnv {
	t.Helper()
	e := &pipelineEnv{
		db:       db,
		opts:     o,
		units:    persistence.NewUnitRepository(db),
		jobs:     persistence.NewJobRepository(db),
		vectors:  vectordb.NewMemoryStore("kf_test"),
		provider: p,
		counter:  capacity.NewMemoryCounter(capacity.Limits{Global: o.GlobalMaxInFlight, PerOwner: o.PerOwnerMaxInFlight}),
	}
	modes := service.NewModeSet(o)
	e.ingest = service.NewIngestService(e.units, modes, o, nil)
	e.status = service.NewStatusService(e.jobs, e.units)
	e.reindex = service.NewReindexController(
		persistence.NewReindexTaskRepository(db), persistence.NewRebuildRepository(db),
		e.vectors, e.vectors, modes, o, "runner-test", nil)
	e.executor = NewJobExecutor(ExecutorDeps{
		Units:    e.units,
		Jobs:     e.jobs,
		Vectors:  e.vectors,
		Provider: p,
		Derived:  e.ingest,
		Modes:    modes,
	}, nil, o)
	d, err := NewDispatcher(e.jobs, e.counter, nil, e.executor, o, nil)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	e.dispatcher = d

	e.collection = &training.Collection{OwnerID: "team-a", Name: "docs"}
	require.NoError(t, persistence.NewCollectionRepository(db).Create(context.Background(), e.collection))
	return e
}

func (e *pipelineEnv) principal() training.Principal {
	return training.Principal{OwnerID: "team-a", CollectionID: e.collection.ID}
}

func (e *pipelineEnv) submit(t *testing.T, mode string, ss ...string) []int64 {
	t.Helper()
	units := make([]request.RawUnit, len(ss))
	for i, s := range ss {
		units[i] = request.RawUnit{Text: s}
	}
	res, err := e.ingest.SubmitIngestion(context.Background(), e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collection.ID,
		Mode:         mode,
		Units:        units,
	})
	require.NoError(t, err)
	return res.UnitIDs
}

// drain 反复调度直到没有待执行或退避中的 Job
func (e *pipelineEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		_, err := e.dispatcher.RunOnce(ctx)
		require.NoError(t, err)
		e.dispatcher.Wait()

		var active int64
		require.NoError(t, e.db.Model(&training.Job{}).Where("status IN ?", training.ActiveStatuses).Count(&active).Error)
		if active == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("jobs did not settle")
}

func (e *pipelineEnv) jobOf(t *testing.T, unitID int64) *training.Job {
	t.Helper()
	var j training.Job
	require.NoError(t, e.db.Where("unit_id = ?", unitID).Order("id DESC").First(&j).Error)
	return &j
}

func hashVector32(text string) []float32 {
	v := provider.HashVector(text, testDim)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
