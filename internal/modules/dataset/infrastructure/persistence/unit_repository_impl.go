package persistence

import (
	"context"
	"errors"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type unitRepositoryImpl struct {
	db *gorm.DB
}

func NewUnitRepository(db *gorm.DB) repository.UnitRepository {
	return &unitRepositoryImpl{db: db}
}

func (r *unitRepositoryImpl) ExistingHashes(ctx context.Context, ownerID string, collectionID int64, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}
	var found []string
	err := r.db.WithContext(ctx).Model(&training.Unit{}).
		Where("owner_id = ? AND collection_id = ? AND content_hash IN ?", ownerID, collectionID, hashes).
		Pluck("content_hash", &found).Error
	if err != nil {
		return nil, err
	}
	for _, h := range found {
		out[h] = true
	}
	return out, nil
}

func (r *unitRepositoryImpl) CreateWithJobs(ctx context.Context, items []repository.NewUnitWithJob) ([]bool, error) {
	inserted := make([]bool, len(items))
	if len(items) == 0 {
		return inserted, nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range items {
			it := items[i]
			if it.Unit == nil {
				continue
			}
			// 并发提交时唯一索引兜底，冲突即重复
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(it.Unit)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			inserted[i] = true
			if it.Job == nil {
				continue
			}
			it.Job.UnitID = it.Unit.ID
			if err := tx.Create(it.Job).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return make([]bool, len(items)), err
	}
	return inserted, nil
}

func (r *unitRepositoryImpl) GetByID(ctx context.Context, id int64) (*training.Unit, error) {
	var u training.Unit
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *unitRepositoryImpl) ExistingIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var found []int64
	if err := r.db.WithContext(ctx).Model(&training.Unit{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (r *unitRepositoryImpl) UpdateAnswer(ctx context.Context, id int64, answer string) error {
	return r.db.WithContext(ctx).Model(&training.Unit{}).
		Where("id = ?", id).
		Update("a", answer).Error
}

func (r *unitRepositoryImpl) FilterSearchable(ctx context.Context, collectionID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return []int64{}, nil
	}
	var live []int64
	err := r.db.WithContext(ctx).Model(&training.Unit{}).
		Where("collection_id = ? AND id IN ? AND rebuilding = ?", collectionID, ids, false).
		Pluck("id", &live).Error
	if err != nil {
		return nil, err
	}
	keep := make(map[int64]bool, len(live))
	for _, id := range live {
		keep[id] = true
	}
	// 保持调用方给出的顺序（通常是相似度排序）
	out := make([]int64, 0, len(live))
	for _, id := range ids {
		if keep[id] {
			out = append(out, id)
			delete(keep, id)
		}
	}
	return out, nil
}

func (r *unitRepositoryImpl) Breakdown(ctx context.Context, collectionID int64) (repository.IndexBreakdown, error) {
	var b repository.IndexBreakdown
	db := r.db.WithContext(ctx)

	if err := db.Model(&training.Unit{}).Where("collection_id = ?", collectionID).Count(&b.Total).Error; err != nil {
		return b, err
	}
	if err := db.Model(&training.Unit{}).Where("collection_id = ? AND rebuilding = ?", collectionID, true).Count(&b.Rebuilding).Error; err != nil {
		return b, err
	}
	if err := db.Model(&training.Unit{}).Where("collection_id = ? AND mode = ?", collectionID, training.ModeQA).Count(&b.NotIndexed).Error; err != nil {
		return b, err
	}
	err := db.Table("kf_unit AS u").
		Joins("JOIN kf_job AS j ON j.unit_id = u.id AND j.status = ?", training.JobStatusDone).
		Where("u.collection_id = ? AND u.rebuilding = ? AND u.mode <> ?", collectionID, false, training.ModeQA).
		Distinct("u.id").
		Count(&b.Indexed).Error
	if err != nil {
		return b, err
	}
	b.Pending = max(b.Total-b.Indexed-b.Rebuilding-b.NotIndexed, 0)
	return b, nil
}
