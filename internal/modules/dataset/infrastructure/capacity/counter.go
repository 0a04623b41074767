package capacity

import "context"

// Limits 并发上限
type Limits struct {
	Global   int
	PerOwner int
}

// Slot 一次占用的名额，释放时原样交回
type Slot struct {
	OwnerID string
	Token   string
}

// Usage 当前占用快照
type Usage struct {
	Global int64
	Owners map[string]int64
}

// Counter 全局与单 owner 的在途计数。
// TryAcquire 同时检查两个上限，任一已满则不占用；实现必须保证并发下不超额。
type Counter interface {
	TryAcquire(ctx context.Context, ownerID string) (Slot, bool, error)
	Release(ctx context.Context, slot Slot) error
	Snapshot(ctx context.Context) (Usage, error)
	Limits() Limits
}

// Free 全局剩余名额
func (u Usage) Free(l Limits) int {
	free := l.Global - int(u.Global)
	if free < 0 {
		return 0
	}
	return free
}

// SaturatedOwners 已达到单 owner 上限的 owner，领取时排除
func (u Usage) SaturatedOwners(l Limits) []string {
	var out []string
	for owner, n := range u.Owners {
		if n >= int64(l.PerOwner) {
			out = append(out, owner)
		}
	}
	return out
}
