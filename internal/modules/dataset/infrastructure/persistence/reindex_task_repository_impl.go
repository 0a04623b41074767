package persistence

import (
	"context"
	"errors"
	"time"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type reindexTaskRepositoryImpl struct {
	db *gorm.DB
}

func NewReindexTaskRepository(db *gorm.DB) repository.ReindexTaskRepository {
	return &reindexTaskRepositoryImpl{db: db}
}

func (r *reindexTaskRepositoryImpl) findActive(tx *gorm.DB, key string) (*training.ReindexTask, error) {
	var t training.ReindexTask
	err := tx.Where("active_key = ?", key).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *reindexTaskRepositoryImpl) CreateIfNotActive(ctx context.Context, scope training.Scope) (*training.ReindexTask, bool, error) {
	key := scope.Key()
	db := r.db.WithContext(ctx)

	existing, err := r.findActive(db, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	t := &training.ReindexTask{
		ScopeType: scope.Type,
		ScopeID:   scope.ID(),
		ActiveKey: &key,
		Status:    training.ReindexStatusPending,
		Phase:     training.PhaseReset,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(t)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		// 并发请求抢先创建
		existing, err = r.findActive(db, key)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, errors.New("reindex task vanished after conflict")
		}
		return existing, false, nil
	}
	return t, true, nil
}

func (r *reindexTaskRepositoryImpl) ClaimRunnable(ctx context.Context, runnerID string, now, staleBefore time.Time) (*training.ReindexTask, error) {
	const runnable = "(status = ? OR (status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)))"
	db := r.db.WithContext(ctx)

	var ids []int64
	err := db.Model(&training.ReindexTask{}).
		Where(runnable, training.ReindexStatusPending, training.ReindexStatusRunning, staleBefore).
		Order("id ASC").Limit(4).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		res := db.Model(&training.ReindexTask{}).
			Where("id = ?", id).
			Where(runnable, training.ReindexStatusPending, training.ReindexStatusRunning, staleBefore).
			Updates(map[string]interface{}{
				"status":       training.ReindexStatusRunning,
				"runner_id":    runnerID,
				"heartbeat_at": now,
				"attempts":     gorm.Expr("attempts + ?", 1),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		return r.GetByID(ctx, id)
	}
	return nil, nil
}

func (r *reindexTaskRepositoryImpl) SaveProgress(ctx context.Context, task *training.ReindexTask) error {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&training.ReindexTask{}).
		Where("id = ? AND runner_id = ? AND status = ?", task.ID, task.RunnerID, training.ReindexStatusRunning).
		Updates(map[string]interface{}{
			"phase":        task.Phase,
			"mark_cursor":  task.Cursor,
			"marked":       task.Marked,
			"processed":    task.Processed,
			"heartbeat_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return training.ErrLeaseLost
	}
	task.HeartbeatAt = &now
	return nil
}

func (r *reindexTaskRepositoryImpl) Finish(ctx context.Context, task *training.ReindexTask, status string, lastErr string) error {
	updates := map[string]interface{}{
		"status":     status,
		"active_key": nil,
		"last_error": lastErr,
		"processed":  task.Processed,
		"marked":     task.Marked,
	}
	if status == training.ReindexStatusDone {
		updates["phase"] = training.PhaseDone
	}
	res := r.db.WithContext(ctx).Model(&training.ReindexTask{}).
		Where("id = ? AND runner_id = ?", task.ID, task.RunnerID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return training.ErrLeaseLost
	}
	task.Status = status
	task.ActiveKey = nil
	task.LastError = lastErr
	if status == training.ReindexStatusDone {
		task.Phase = training.PhaseDone
	}
	return nil
}

func (r *reindexTaskRepositoryImpl) Suspend(ctx context.Context, task *training.ReindexTask, lastErr string) error {
	res := r.db.WithContext(ctx).Model(&training.ReindexTask{}).
		Where("id = ? AND runner_id = ? AND status = ?", task.ID, task.RunnerID, training.ReindexStatusRunning).
		Updates(map[string]interface{}{
			"status":      training.ReindexStatusPending,
			"runner_id":   "",
			"last_error":  lastErr,
			"phase":       task.Phase,
			"mark_cursor": task.Cursor,
			"marked":      task.Marked,
			"processed":   task.Processed,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return training.ErrLeaseLost
	}
	task.Status = training.ReindexStatusPending
	task.RunnerID = ""
	task.LastError = lastErr
	return nil
}

func (r *reindexTaskRepositoryImpl) GetByID(ctx context.Context, id int64) (*training.ReindexTask, error) {
	var t training.ReindexTask
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
