package training

import (
	"fmt"
	"strings"
	"time"
)

// Collection 数据集下的集合，Unit 的归属边界
type Collection struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerID   string    `gorm:"column:owner_id;type:varchar(64);not null;index:idx_collection_owner"`
	Name      string    `gorm:"column:name;type:varchar(128);not null"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Collection) TableName() string {
	return "kf_collection"
}

// Unit 最小训练单元（文本块 / QA 对 / 图片引用）
type Unit struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerID      string `gorm:"column:owner_id;type:varchar(64);not null;uniqueIndex:uk_unit_scope_hash,priority:1"`
	MemberID     string `gorm:"column:member_id;type:varchar(64)"`
	CollectionID int64  `gorm:"column:collection_id;not null;uniqueIndex:uk_unit_scope_hash,priority:2;index:idx_unit_collection_rebuild,priority:1"`
	ContentHash  string `gorm:"column:content_hash;type:char(64);not null;uniqueIndex:uk_unit_scope_hash,priority:3"`
	Mode         Mode   `gorm:"column:mode;type:varchar(32);not null"`
	Q            string `gorm:"column:q;type:text"`
	A            string `gorm:"column:a;type:text"`
	// ImageRef 图片模式下的 URL 或 data URI
	ImageRef     string    `gorm:"column:image_ref;type:text"`
	ChunkIndex   int       `gorm:"column:chunk_index;default:0"`
	ParentUnitID int64     `gorm:"column:parent_unit_id;default:0;index"`
	Rebuilding   bool      `gorm:"column:rebuilding;default:false;index:idx_unit_collection_rebuild,priority:2"`
	CreatedAt    time.Time `gorm:"column:created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (Unit) TableName() string {
	return "kf_unit"
}

// IndexText 返回写入向量索引时参与 embedding 的文本
func (u *Unit) IndexText() string {
	if u == nil {
		return ""
	}
	if u.Mode == ModeImageCaption {
		return strings.TrimSpace(u.A)
	}
	q := strings.TrimSpace(u.Q)
	a := strings.TrimSpace(u.A)
	if a == "" {
		return q
	}
	return q + "\n" + a
}

// Indexable 为 true 表示该单元在向量索引中应恰有一条记录
func (u *Unit) Indexable() bool {
	if u == nil {
		return false
	}
	switch u.Mode {
	case ModeQA:
		return false
	case ModeImageCaption:
		return true
	default:
		return u.IndexText() != ""
	}
}

// Job 单元对应的一次待处理工作
type Job struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	UnitID       int64      `gorm:"column:unit_id;not null;index"`
	OwnerID      string     `gorm:"column:owner_id;type:varchar(64);not null;index"`
	CollectionID int64      `gorm:"column:collection_id;not null;index:idx_job_collection_status,priority:1"`
	Mode         Mode       `gorm:"column:mode;type:varchar(32);not null"`
	Model        string     `gorm:"column:model;type:varchar(128);not null"`
	Priority     int        `gorm:"column:priority;default:0;index:idx_job_claim,priority:2"`
	Status       JobStatus  `gorm:"column:status;type:varchar(16);not null;index:idx_job_claim,priority:1;index:idx_job_collection_status,priority:2"`
	RetryCount   int        `gorm:"column:retry_count;default:0"`
	LastError    string     `gorm:"column:last_error;type:text"`
	LeaseOwner   string     `gorm:"column:lease_owner;type:varchar(64);index"`
	LeaseExpires *time.Time `gorm:"column:lease_expires_at;index"`
	// Rerun 领取期间被重建流程标记，完成后回到 queued 而非 done
	Rerun         bool       `gorm:"column:rerun;default:false"`
	EnqueuedAt    time.Time  `gorm:"column:enqueued_at;not null;index:idx_job_claim,priority:3"`
	NextRunAt     time.Time  `gorm:"column:next_run_at;not null;index"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at"`
	FinishedAt    *time.Time `gorm:"column:finished_at"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (Job) TableName() string {
	return "kf_job"
}

// 重建任务范围
const (
	ScopeCollection = "collection"
	ScopeOwner      = "owner"
	ScopeAll        = "all"
)

// 重建任务阶段
const (
	PhaseReset = "reset"
	PhaseMark  = "mark"
	PhasePop   = "pop"
	PhaseDone  = "done"
)

// 重建任务状态
const (
	ReindexStatusPending = "pending"
	ReindexStatusRunning = "running"
	ReindexStatusDone    = "done"
	ReindexStatusFailed  = "failed"
)

// ReindexTask 一次全量重建的进度记录
type ReindexTask struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ScopeType string `gorm:"column:scope_type;type:varchar(16);not null"`
	ScopeID   string `gorm:"column:scope_id;type:varchar(64)"`
	// ActiveKey 仅在 pending/running 时有值，唯一索引保证同一范围只有一个进行中的重建
	ActiveKey *string `gorm:"column:active_key;type:varchar(96);uniqueIndex:uk_reindex_active"`
	Status    string  `gorm:"column:status;type:varchar(16);not null;index"`
	Phase     string  `gorm:"column:phase;type:varchar(16);not null"`
	Cursor    int64   `gorm:"column:mark_cursor;default:0"`
	Marked    int64   `gorm:"column:marked;default:0"`
	Processed int64   `gorm:"column:processed;default:0"`
	LastError string  `gorm:"column:last_error;type:text"`
	// Attempts 被领取执行的次数，中断后续跑也计一次
	Attempts    int        `gorm:"column:attempts;default:0"`
	RunnerID    string     `gorm:"column:runner_id;type:varchar(64)"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (ReindexTask) TableName() string {
	return "kf_reindex_task"
}

// ScopeKey 组合范围键
func ScopeKey(scopeType, scopeID string) string {
	return scopeType + ":" + scopeID
}

// Scope 重建 / 统计的作用范围
type Scope struct {
	Type         string
	OwnerID      string
	CollectionID int64
}

func CollectionScope(ownerID string, collectionID int64) Scope {
	return Scope{Type: ScopeCollection, OwnerID: ownerID, CollectionID: collectionID}
}

func OwnerScope(ownerID string) Scope {
	return Scope{Type: ScopeOwner, OwnerID: ownerID}
}

func AllScope() Scope {
	return Scope{Type: ScopeAll}
}

// ID 返回持久化到 ReindexTask.ScopeID 的字符串
func (s Scope) ID() string {
	switch s.Type {
	case ScopeCollection:
		return fmt.Sprintf("%d", s.CollectionID)
	case ScopeOwner:
		return s.OwnerID
	default:
		return ""
	}
}

func (s Scope) Key() string {
	return ScopeKey(s.Type, s.ID())
}

func (s Scope) Validate() error {
	switch s.Type {
	case ScopeCollection:
		if s.CollectionID <= 0 {
			return fmt.Errorf("%w: collection scope requires collection id", ErrValidation)
		}
	case ScopeOwner:
		if strings.TrimSpace(s.OwnerID) == "" {
			return fmt.Errorf("%w: owner scope requires owner id", ErrValidation)
		}
	case ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrValidation, s.Type)
	}
	return nil
}
