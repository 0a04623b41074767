package persistence

import (
	"context"
	"errors"
	"time"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"gorm.io/gorm"
)

type rebuildRepositoryImpl struct {
	db *gorm.DB
}

func NewRebuildRepository(db *gorm.DB) repository.RebuildRepository {
	return &rebuildRepositoryImpl{db: db}
}

func (r *rebuildRepositoryImpl) MarkRebuildingBatch(ctx context.Context, scope training.Scope, afterID int64, limit int) (int64, int64, error) {
	if limit <= 0 {
		limit = 500
	}
	lastID := afterID
	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// QA 源单元不写向量，不参与重建
		q := tx.Model(&training.Unit{}).Where("id > ? AND mode <> ?", afterID, training.ModeQA)
		q = applyScope(q, scope)

		var ids []int64
		if err := q.Order("id ASC").Limit(limit).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&training.Unit{}).Where("id IN ?", ids).Update("rebuilding", true).Error; err != nil {
			return err
		}
		lastID = ids[len(ids)-1]
		n = int64(len(ids))
		return nil
	})
	if err != nil {
		return afterID, 0, err
	}
	return lastID, n, nil
}

func (r *rebuildRepositoryImpl) PopAndEnqueue(ctx context.Context, scope training.Scope, build func(u *training.Unit) *training.Job) (*training.Unit, error) {
	var popped *training.Unit
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u training.Unit
		q := applyScope(tx.Where("rebuilding = ?", true), scope).Order("id ASC").Limit(1)
		if err := withSkipLocked(q).Find(&u).Error; err != nil {
			return err
		}
		if u.ID == 0 {
			return nil
		}
		res := tx.Model(&training.Unit{}).
			Where("id = ? AND rebuilding = ?", u.ID, true).
			Update("rebuilding", false)
		if res.Error != nil {
			return res.Error
		}
		u.Rebuilding = false
		popped = &u
		if res.RowsAffected == 0 {
			// 已被其他执行者弹出
			return nil
		}

		now := time.Now()
		var active training.Job
		err := tx.Where("unit_id = ? AND status IN ?", u.ID, training.ActiveStatuses).
			Order("id DESC").
			First(&active).Error
		switch {
		case err == nil:
			if active.Status == training.JobStatusClaimed {
				// 正在执行的不打断，完成时由 Finish 重新入队
				return tx.Model(&training.Job{}).Where("id = ?", active.ID).Update("rerun", true).Error
			}
			fresh := build(&u)
			return tx.Model(&training.Job{}).Where("id = ?", active.ID).Updates(map[string]interface{}{
				"status":      training.JobStatusQueued,
				"mode":        fresh.Mode,
				"model":       fresh.Model,
				"retry_count": 0,
				"last_error":  "",
				"next_run_at": now,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Where("unit_id = ? AND status IN ?", u.ID,
				[]training.JobStatus{training.JobStatusDone, training.JobStatusFailed}).
				Delete(&training.Job{}).Error; err != nil {
				return err
			}
			job := build(&u)
			job.UnitID = u.ID
			job.Status = training.JobStatusQueued
			if job.EnqueuedAt.IsZero() {
				job.EnqueuedAt = now
			}
			if job.NextRunAt.IsZero() {
				job.NextRunAt = now
			}
			return tx.Create(job).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

func (r *rebuildRepositoryImpl) CountRebuilding(ctx context.Context, scope training.Scope) (int64, error) {
	var n int64
	q := r.db.WithContext(ctx).Model(&training.Unit{}).Where("rebuilding = ?", true)
	err := applyScope(q, scope).Count(&n).Error
	return n, err
}
