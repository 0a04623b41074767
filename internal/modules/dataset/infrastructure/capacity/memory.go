package capacity

import (
	"context"
	"strconv"
	"sync"
)

// MemoryCounter 单进程计数器
type MemoryCounter struct {
	limits Limits

	mu     sync.Mutex
	global int64
	owners map[string]int64
	seq    uint64
	held   map[string]string
}

var _ Counter = (*MemoryCounter)(nil)

func NewMemoryCounter(limits Limits) *MemoryCounter {
	return &MemoryCounter{
		limits: normalize(limits),
		owners: make(map[string]int64),
		held:   make(map[string]string),
	}
}

func (c *MemoryCounter) Limits() Limits {
	return c.limits
}

func (c *MemoryCounter) TryAcquire(_ context.Context, ownerID string) (Slot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.global >= int64(c.limits.Global) || c.owners[ownerID] >= int64(c.limits.PerOwner) {
		return Slot{}, false, nil
	}
	c.global++
	c.owners[ownerID]++
	c.seq++
	token := strconv.FormatUint(c.seq, 10)
	c.held[token] = ownerID
	return Slot{OwnerID: ownerID, Token: token}, true, nil
}

// Release 重复释放同一 Slot 是无害的
func (c *MemoryCounter) Release(_ context.Context, slot Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.held[slot.Token]
	if !ok {
		return nil
	}
	delete(c.held, slot.Token)
	c.global--
	c.owners[owner]--
	if c.owners[owner] <= 0 {
		delete(c.owners, owner)
	}
	return nil
}

func (c *MemoryCounter) Snapshot(_ context.Context) (Usage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owners := make(map[string]int64, len(c.owners))
	for k, v := range c.owners {
		owners[k] = v
	}
	return Usage{Global: c.global, Owners: owners}, nil
}

func normalize(l Limits) Limits {
	if l.Global <= 0 {
		l.Global = 1
	}
	if l.PerOwner <= 0 || l.PerOwner > l.Global {
		l.PerOwner = l.Global
	}
	return l
}
