package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"KnowForge/internal/modules/dataset/application/dto/respond"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

const repairBatch = 500

type CollectionService interface {
	Create(ctx context.Context, p training.Principal, name string) (*respond.CollectionRespond, error)
	List(ctx context.Context, ownerID string) ([]respond.CollectionRespond, error)
	// Delete 删除集合及其单元、Job 与向量；向量删除失败不回滚，留给 RepairOrphans
	Delete(ctx context.Context, collectionID int64) (*respond.DeleteCollectionRespond, error)
	RetryFailed(ctx context.Context, collectionID int64) (*respond.RetryFailedRespond, error)
	// RepairOrphans 删除索引中已无对应单元的向量
	RepairOrphans(ctx context.Context, collectionID int64) (*respond.RepairRespond, error)
	FilterSearchable(ctx context.Context, collectionID int64, unitIDs []int64) ([]int64, error)
}

type collectionServiceImpl struct {
	collections repository.CollectionRepository
	units       repository.UnitRepository
	jobs        repository.JobRepository
	vectors     repository.VectorStore
}

func NewCollectionService(collections repository.CollectionRepository, units repository.UnitRepository, jobs repository.JobRepository, vectors repository.VectorStore) CollectionService {
	return &collectionServiceImpl{
		collections: collections,
		units:       units,
		jobs:        jobs,
		vectors:     vectors,
	}
}

func toCollectionRespond(c *training.Collection) respond.CollectionRespond {
	return respond.CollectionRespond{
		CollectionID: c.ID,
		Name:         c.Name,
		OwnerID:      c.OwnerID,
		CreatedAt:    c.CreatedAt,
	}
}

func (s *collectionServiceImpl) Create(ctx context.Context, p training.Principal, name string) (*respond.CollectionRespond, error) {
	if strings.TrimSpace(p.OwnerID) == "" {
		return nil, training.ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: collection name is empty", training.ErrValidation)
	}
	if len([]rune(name)) > 128 {
		return nil, fmt.Errorf("%w: collection name too long", training.ErrValidation)
	}
	c := &training.Collection{OwnerID: p.OwnerID, Name: name}
	if err := s.collections.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("%w: create collection: %v", training.ErrStoreUnavailable, err)
	}
	zlog.Info("collection created", zap.Int64("collection_id", c.ID), zap.String("owner_id", c.OwnerID))
	out := toCollectionRespond(c)
	return &out, nil
}

func (s *collectionServiceImpl) List(ctx context.Context, ownerID string) ([]respond.CollectionRespond, error) {
	list, err := s.collections.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", training.ErrStoreUnavailable, err)
	}
	out := make([]respond.CollectionRespond, 0, len(list))
	for _, c := range list {
		out = append(out, toCollectionRespond(c))
	}
	return out, nil
}

func (s *collectionServiceImpl) Delete(ctx context.Context, collectionID int64) (*respond.DeleteCollectionRespond, error) {
	n, err := s.collections.DeleteCascade(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: delete collection: %v", training.ErrStoreUnavailable, err)
	}
	if err := s.vectors.DeleteByCollection(ctx, collectionID); err != nil {
		zlog.Warn("delete collection vectors failed, orphans left for repair",
			zap.Int64("collection_id", collectionID), zap.Error(err))
	}
	zlog.Info("collection deleted", zap.Int64("collection_id", collectionID), zap.Int64("units", n))
	return &respond.DeleteCollectionRespond{DeletedUnits: n}, nil
}

func (s *collectionServiceImpl) RetryFailed(ctx context.Context, collectionID int64) (*respond.RetryFailedRespond, error) {
	n, err := s.jobs.RetryFailed(ctx, collectionID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: retry failed jobs: %v", training.ErrStoreUnavailable, err)
	}
	return &respond.RetryFailedRespond{Requeued: n}, nil
}

func (s *collectionServiceImpl) RepairOrphans(ctx context.Context, collectionID int64) (*respond.RepairRespond, error) {
	ids, err := s.vectors.ListUnitIDs(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list vector ids: %w", err)
	}
	out := &respond.RepairRespond{Scanned: len(ids)}
	for start := 0; start < len(ids); start += repairBatch {
		batch := ids[start:min(start+repairBatch, len(ids))]
		existing, err := s.units.ExistingIDs(ctx, batch)
		if err != nil {
			return out, fmt.Errorf("%w: existing ids: %v", training.ErrStoreUnavailable, err)
		}
		var orphans []int64
		for _, id := range batch {
			if !existing[id] {
				orphans = append(orphans, id)
			}
		}
		if len(orphans) == 0 {
			continue
		}
		if err := s.vectors.DeleteByUnit(ctx, orphans...); err != nil {
			return out, fmt.Errorf("delete orphan vectors: %w", err)
		}
		out.Removed += len(orphans)
	}
	if out.Removed > 0 {
		zlog.Info("orphan vectors removed", zap.Int64("collection_id", collectionID), zap.Int("removed", out.Removed))
	}
	return out, nil
}

func (s *collectionServiceImpl) FilterSearchable(ctx context.Context, collectionID int64, unitIDs []int64) ([]int64, error) {
	if len(unitIDs) == 0 {
		return []int64{}, nil
	}
	ids, err := s.units.FilterSearchable(ctx, collectionID, unitIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: filter searchable: %v", training.ErrStoreUnavailable, err)
	}
	return ids, nil
}
