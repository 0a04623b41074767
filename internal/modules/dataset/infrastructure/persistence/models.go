package persistence

import (
	"KnowForge/internal/modules/dataset/domain/training"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Models 需要自动迁移的表
func Models() []interface{} {
	return []interface{}{
		&training.Collection{},
		&training.Unit{},
		&training.Job{},
		&training.ReindexTask{},
	}
}

// AutoMigrate 建表或补齐字段
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// withSkipLocked 在支持的方言上追加 FOR UPDATE SKIP LOCKED，sqlite 单写者无需行锁
func withSkipLocked(q *gorm.DB) *gorm.DB {
	if q.Dialector != nil && q.Dialector.Name() == "mysql" {
		return q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	return q
}

func applyScope(q *gorm.DB, s training.Scope) *gorm.DB {
	switch s.Type {
	case training.ScopeCollection:
		return q.Where("collection_id = ?", s.CollectionID)
	case training.ScopeOwner:
		return q.Where("owner_id = ?", s.OwnerID)
	default:
		return q
	}
}
