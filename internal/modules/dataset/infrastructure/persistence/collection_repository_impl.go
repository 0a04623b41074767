package persistence

import (
	"context"
	"errors"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"gorm.io/gorm"
)

type collectionRepositoryImpl struct {
	db *gorm.DB
}

func NewCollectionRepository(db *gorm.DB) repository.CollectionRepository {
	return &collectionRepositoryImpl{db: db}
}

func (r *collectionRepositoryImpl) Create(ctx context.Context, c *training.Collection) error {
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *collectionRepositoryImpl) GetByID(ctx context.Context, id int64) (*training.Collection, error) {
	var c training.Collection
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *collectionRepositoryImpl) ListByOwner(ctx context.Context, ownerID string) ([]*training.Collection, error) {
	var out []*training.Collection
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&out).Error
	return out, err
}

func (r *collectionRepositoryImpl) DeleteCascade(ctx context.Context, id int64) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection_id = ?", id).Delete(&training.Job{}).Error; err != nil {
			return err
		}
		res := tx.Where("collection_id = ?", id).Delete(&training.Unit{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Where("id = ?", id).Delete(&training.Collection{}).Error
	})
	return deleted, err
}
