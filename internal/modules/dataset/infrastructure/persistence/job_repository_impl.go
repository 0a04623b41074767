package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"gorm.io/gorm"
)

const (
	leaseExpiredMsg = "lease expired"
	purgeBatch      = 1000
)

type jobRepositoryImpl struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) repository.JobRepository {
	return &jobRepositoryImpl{db: db}
}

func (r *jobRepositoryImpl) ClaimBatch(ctx context.Context, req repository.ClaimRequest) ([]*training.Job, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	if req.LeaseOwner == "" {
		return nil, errors.New("claim: lease owner is empty")
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	expires := now.Add(req.Lease)

	var claimed []*training.Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&training.Job{}).
			Where("status = ? AND next_run_at <= ?", training.JobStatusQueued, now)
		if len(req.ExcludeOwners) > 0 {
			q = q.Where("owner_id NOT IN ?", req.ExcludeOwners)
		}
		if len(req.ExcludeModels) > 0 {
			q = q.Where("model NOT IN ?", req.ExcludeModels)
		}
		q = q.Order("priority DESC").Order("enqueued_at ASC").Order("id ASC").Limit(req.Limit)

		var ids []int64
		if err := withSkipLocked(q).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// 条件更新：只有仍为 queued 的行会被本次领取，并发领取者之间互斥
		res := tx.Model(&training.Job{}).
			Where("id IN ? AND status = ?", ids, training.JobStatusQueued).
			Updates(map[string]interface{}{
				"status":           training.JobStatusClaimed,
				"lease_owner":      req.LeaseOwner,
				"lease_expires_at": expires,
				"last_attempt_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Where("id IN ? AND status = ? AND lease_owner = ?", ids, training.JobStatusClaimed, req.LeaseOwner).
			Order("priority DESC").Order("enqueued_at ASC").Order("id ASC").
			Find(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *jobRepositoryImpl) leased(ctx context.Context, jobID int64, leaseOwner string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&training.Job{}).
		Where("id = ? AND status = ? AND lease_owner = ?", jobID, training.JobStatusClaimed, leaseOwner)
}

func (r *jobRepositoryImpl) Finish(ctx context.Context, jobID int64, leaseOwner string, tr training.Transition, lastErr string) (training.JobStatus, error) {
	if !training.CanTransition(training.JobStatusClaimed, tr.To) {
		return "", fmt.Errorf("illegal transition claimed -> %s", tr.To)
	}
	now := time.Now()

	var res *gorm.DB
	switch tr.To {
	case training.JobStatusDone:
		// 执行期间被重建标记过：内容可能已变化，再跑一次
		res = r.leased(ctx, jobID, leaseOwner).Where("rerun = ?", true).Updates(map[string]interface{}{
			"status":           training.JobStatusQueued,
			"rerun":            false,
			"retry_count":      0,
			"last_error":       "",
			"lease_owner":      "",
			"lease_expires_at": nil,
			"next_run_at":      now,
		})
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected > 0 {
			return training.JobStatusQueued, nil
		}
		res = r.leased(ctx, jobID, leaseOwner).Updates(map[string]interface{}{
			"status":           training.JobStatusDone,
			"last_error":       "",
			"lease_owner":      "",
			"lease_expires_at": nil,
			"finished_at":      now,
		})
	case training.JobStatusRetryWait:
		res = r.leased(ctx, jobID, leaseOwner).Updates(map[string]interface{}{
			"status":           training.JobStatusRetryWait,
			"retry_count":      tr.RetryCount,
			"last_error":       lastErr,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"next_run_at":      tr.NextRunAt,
		})
	case training.JobStatusFailed:
		res = r.leased(ctx, jobID, leaseOwner).Updates(map[string]interface{}{
			"status":           training.JobStatusFailed,
			"retry_count":      tr.RetryCount,
			"last_error":       lastErr,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"rerun":            false,
			"finished_at":      now,
		})
	case training.JobStatusQueued:
		return training.JobStatusQueued, r.Release(ctx, jobID, leaseOwner, tr.NextRunAt)
	}
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return "", training.ErrLeaseLost
	}
	return tr.To, nil
}

func (r *jobRepositoryImpl) Release(ctx context.Context, jobID int64, leaseOwner string, nextRunAt time.Time) error {
	if nextRunAt.IsZero() {
		nextRunAt = time.Now()
	}
	res := r.leased(ctx, jobID, leaseOwner).Updates(map[string]interface{}{
		"status":           training.JobStatusQueued,
		"lease_owner":      "",
		"lease_expires_at": nil,
		"next_run_at":      nextRunAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return training.ErrLeaseLost
	}
	return nil
}

func (r *jobRepositoryImpl) ReapExpired(ctx context.Context, now time.Time, maxRetries int) (int64, int64, error) {
	var requeued, failed int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先处理超限的，剩下的才回队列
		res := tx.Model(&training.Job{}).
			Where("status = ? AND lease_expires_at < ? AND retry_count >= ?", training.JobStatusClaimed, now, maxRetries).
			Updates(map[string]interface{}{
				"status":           training.JobStatusFailed,
				"retry_count":      gorm.Expr("retry_count + ?", 1),
				"last_error":       leaseExpiredMsg,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"rerun":            false,
				"finished_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		failed = res.RowsAffected

		res = tx.Model(&training.Job{}).
			Where("status = ? AND lease_expires_at < ?", training.JobStatusClaimed, now).
			Updates(map[string]interface{}{
				"status":           training.JobStatusQueued,
				"retry_count":      gorm.Expr("retry_count + ?", 1),
				"last_error":       leaseExpiredMsg,
				"lease_owner":      "",
				"lease_expires_at": nil,
				"rerun":            false,
				"next_run_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected
		return nil
	})
	return requeued, failed, err
}

func (r *jobRepositoryImpl) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&training.Job{}).
		Where("status = ? AND next_run_at <= ?", training.JobStatusRetryWait, now).
		Update("status", training.JobStatusQueued)
	return res.RowsAffected, res.Error
}

func (r *jobRepositoryImpl) GetByID(ctx context.Context, id int64) (*training.Job, error) {
	var j training.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

type statusCount struct {
	Status training.JobStatus
	Cnt    int64
}

func (r *jobRepositoryImpl) CountByStatus(ctx context.Context, collectionID int64) (map[training.JobStatus]int64, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).Model(&training.Job{}).
		Select("status, COUNT(*) AS cnt").
		Where("collection_id = ?", collectionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[training.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Cnt
	}
	return out, nil
}

func (r *jobRepositoryImpl) LastErrors(ctx context.Context, collectionID int64, limit int) ([]repository.UnitError, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []*training.Job
	err := r.db.WithContext(ctx).
		Where("collection_id = ? AND last_error <> '' AND status IN ?", collectionID,
			[]training.JobStatus{training.JobStatusFailed, training.JobStatusRetryWait}).
		Order("updated_at DESC").Order("id DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	out := make([]repository.UnitError, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, repository.UnitError{
			JobID:      j.ID,
			UnitID:     j.UnitID,
			Status:     string(j.Status),
			RetryCount: j.RetryCount,
			LastError:  j.LastError,
			UpdatedAt:  j.UpdatedAt,
		})
	}
	return out, nil
}

func (r *jobRepositoryImpl) RetryFailed(ctx context.Context, collectionID int64, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&training.Job{}).
		Where("collection_id = ? AND status = ?", collectionID, training.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":      training.JobStatusQueued,
			"retry_count": 0,
			"last_error":  "",
			"next_run_at": now,
			"finished_at": nil,
		})
	return res.RowsAffected, res.Error
}

func (r *jobRepositoryImpl) DeleteFailedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND finished_at < ?", training.JobStatusFailed, before).
		Delete(&training.Job{})
	return res.RowsAffected, res.Error
}

// DeleteSupersededDone 删除同一单元已有更新 Job 的 done 记录。
// MySQL 不允许 DELETE 子查询引用自身表，所以先查 id 再分批删除。
func (r *jobRepositoryImpl) DeleteSupersededDone(ctx context.Context) (int64, error) {
	var total int64
	for {
		var ids []int64
		err := r.db.WithContext(ctx).Table("kf_job AS j").
			Joins("JOIN kf_job AS n ON n.unit_id = j.unit_id AND n.id > j.id").
			Where("j.status = ?", training.JobStatusDone).
			Limit(purgeBatch).
			Pluck("j.id", &ids).Error
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&training.Job{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
		if res.RowsAffected == 0 {
			return total, nil
		}
	}
}
