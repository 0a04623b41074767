package dedup

import (
	"context"
	"fmt"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
)

// lookupBatch 单次 IN 查询的哈希数量
const lookupBatch = 500

// Candidate 待去重的单元
type Candidate struct {
	Index int
	Hash  string
}

// Result 去重结果；Duplicates 包含批内重复与库内已存在两类
type Result struct {
	Accepted   []Candidate
	Duplicates []Candidate
}

// Filter 针对 owner+collection 范围做精确哈希去重
type Filter struct {
	units repository.UnitRepository
}

func NewFilter(units repository.UnitRepository) *Filter {
	return &Filter{units: units}
}

// Apply 批内先到先得；查库失败时整批拒绝
func (f *Filter) Apply(ctx context.Context, ownerID string, collectionID int64, cands []Candidate) (Result, error) {
	var res Result
	if len(cands) == 0 {
		return res, nil
	}

	seen := make(map[string]bool, len(cands))
	unique := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if seen[c.Hash] {
			res.Duplicates = append(res.Duplicates, c)
			continue
		}
		seen[c.Hash] = true
		unique = append(unique, c)
	}

	existing := make(map[string]bool)
	for start := 0; start < len(unique); start += lookupBatch {
		end := min(start+lookupBatch, len(unique))
		hashes := make([]string, 0, end-start)
		for _, c := range unique[start:end] {
			hashes = append(hashes, c.Hash)
		}
		found, err := f.units.ExistingHashes(ctx, ownerID, collectionID, hashes)
		if err != nil {
			return Result{}, fmt.Errorf("%w: dedup lookup: %v", training.ErrStoreUnavailable, err)
		}
		for h := range found {
			existing[h] = true
		}
	}

	for _, c := range unique {
		if existing[c.Hash] {
			res.Duplicates = append(res.Duplicates, c)
			continue
		}
		res.Accepted = append(res.Accepted, c)
	}
	return res, nil
}
