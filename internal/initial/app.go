package initial

import (
	"context"
	"errors"
	"strings"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/service"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/auth"
	"KnowForge/internal/modules/dataset/infrastructure/capacity"
	"KnowForge/internal/modules/dataset/infrastructure/persistence"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
	"KnowForge/internal/modules/dataset/infrastructure/queue"
	"KnowForge/internal/modules/dataset/infrastructure/usage"
	"KnowForge/internal/modules/dataset/infrastructure/vectordb"
	"KnowForge/internal/modules/dataset/interface/scheduler"
	"KnowForge/internal/telemetry"
	myredis "KnowForge/pkg/redis"
	"KnowForge/pkg/util"
	"KnowForge/pkg/zlog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 进程内共享的存储连接与应用服务
type App struct {
	Conf    *config.Config
	Opts    config.PipelineOptions
	DB      *gorm.DB
	Redis   *goredis.Client
	Metrics *telemetry.Metrics

	Units       repository.UnitRepository
	Jobs        repository.JobRepository
	Collections repository.CollectionRepository
	Vectors     repository.VectorStore
	Admin       repository.VectorIndexAdmin
	Modes       training.ModeSet

	Authorizer        service.Authorizer
	IngestService     service.IngestService
	StatusService     service.StatusService
	CollectionService service.CollectionService
	Reindex           service.ReindexController

	closers []func() error
}

// NewApp 打开元数据库、向量索引与 Redis，并装配应用服务；不连接模型服务
func NewApp(ctx context.Context, conf *config.Config) (_ *App, err error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	a := &App{Conf: conf, Opts: conf.PipelineOptions()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Metrics, err = telemetry.InitMetrics(); err != nil {
		return nil, err
	}
	if a.DB, err = NewGormDB(conf); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	if strings.TrimSpace(conf.MilvusConfig.Address) == "" {
		// 仅用于本地调试：进程退出后向量丢失，需要 reindex all 重建
		zlog.Warn("milvus 未配置，使用内存向量索引")
		mem := vectordb.NewMemoryStore("knowforge_units")
		a.Vectors, a.Admin = mem, mem
	} else {
		store, cli, err := NewMilvusStore(ctx, conf)
		if err != nil {
			return nil, err
		}
		a.Vectors, a.Admin = store, store
		a.closers = append(a.closers, cli.Close)
	}

	if a.Redis, err = NewRedisClient(ctx, conf); err != nil {
		return nil, err
	}
	if a.Redis != nil {
		a.closers = append(a.closers, myredis.Close)
	}

	a.Units = persistence.NewUnitRepository(a.DB)
	a.Jobs = persistence.NewJobRepository(a.DB)
	a.Collections = persistence.NewCollectionRepository(a.DB)
	a.Modes = service.NewModeSet(a.Opts)

	a.Authorizer = auth.NewJWTAuthorizer(conf.JwtConfig.Key, a.Collections)
	a.IngestService = service.NewIngestService(a.Units, a.Modes, a.Opts, a.Metrics)
	a.StatusService = service.NewStatusService(a.Jobs, a.Units)
	a.CollectionService = service.NewCollectionService(a.Collections, a.Units, a.Jobs, a.Vectors)
	a.Reindex = service.NewReindexController(
		persistence.NewReindexTaskRepository(a.DB),
		persistence.NewRebuildRepository(a.DB),
		a.Vectors, a.Admin, a.Modes, a.Opts,
		util.NewRunnerID("reindex"), a.Metrics)
	return a, nil
}

// NewDispatcher 连接模型服务并装配 dispatcher；返回的 recorder 需在 dispatcher 退出后关闭
func (a *App) NewDispatcher(ctx context.Context) (*queue.Dispatcher, *usage.AsyncRecorder, error) {
	inner, err := provider.NewFromConfig(ctx, a.Conf, a.Opts)
	if err != nil {
		return nil, nil, err
	}
	settings := provider.DefaultGuardSettings()
	settings.OnStateChange = func(model string, _, to gobreaker.State) {
		a.Metrics.RecordCircuitBreakerState(model, to.String())
	}
	guarded := provider.NewGuardedProvider(inner, settings)

	sink, pub, err := NewUsageSink(a.Conf)
	if err != nil {
		return nil, nil, err
	}
	if pub != nil {
		a.closers = append(a.closers, pub.Close)
	}
	recorder := usage.NewAsyncRecorder(sink, a.Opts.UsageBufferSize)

	limits := capacity.Limits{Global: a.Opts.GlobalMaxInFlight, PerOwner: a.Opts.PerOwnerMaxInFlight}
	var counter capacity.Counter
	if a.Redis != nil {
		counter = capacity.NewRedisCounter(a.Redis, limits, a.Opts.Lease)
	} else {
		counter = capacity.NewMemoryCounter(limits)
	}

	budget := provider.NewRateBudget(a.Opts.ProviderRequestsPerMinute)
	executor := queue.NewJobExecutor(queue.ExecutorDeps{
		Units:    a.Units,
		Jobs:     a.Jobs,
		Vectors:  a.Vectors,
		Provider: guarded,
		Derived:  a.IngestService,
		Usage:    recorder,
		Metrics:  a.Metrics,
		Modes:    a.Modes,
	}, budget, a.Opts)
	d, err := queue.NewDispatcher(a.Jobs, counter, budget, executor, a.Opts, a.Metrics)
	if err != nil {
		recorder.Close()
		return nil, nil, err
	}
	return d, recorder, nil
}

// NewScheduler 配置了 Redis 时清理任务在多实例间互斥
func (a *App) NewScheduler() *scheduler.SchedulerManager {
	var locker scheduler.Locker
	if a.Redis != nil {
		locker = scheduler.RedisLocker{}
	}
	return scheduler.NewSchedulerManager(a.Jobs, a.Reindex, a.Opts, locker)
}

// Close 按打开的逆序释放连接
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		zlog.Warn("close app resources failed", zap.Error(err))
	}
}
