package vectordb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"KnowForge/internal/modules/dataset/domain/repository"

	mclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// 单次 Query 返回上限，Milvus 对 offset+limit 有 16384 的硬限制
const listPageSize = 1000

// MilvusStore 基于 Milvus 的向量索引实现
//
// Milvus 中的数据是元数据库的派生副本：Upsert 以 unit_id 为主键覆盖，
// 删除与重建都按 unit_id / collection_id / owner_id 表达式执行。
type MilvusStore struct {
	cli        mclient.Client
	collection string
	vectorDim  int
	metricType entity.MetricType
}

var (
	_ repository.VectorStore      = (*MilvusStore)(nil)
	_ repository.VectorIndexAdmin = (*MilvusStore)(nil)
)

func NewMilvusStore(cli mclient.Client, collection string, vectorDim int, metricType entity.MetricType) (*MilvusStore, error) {
	if cli == nil {
		return nil, errors.New("milvus client is nil")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("collection is empty")
	}
	if vectorDim <= 0 {
		return nil, fmt.Errorf("invalid vectorDim: %d", vectorDim)
	}
	if metricType == "" {
		metricType = entity.COSINE
	}
	return &MilvusStore{cli: cli, collection: collection, vectorDim: vectorDim, metricType: metricType}, nil
}

func (s *MilvusStore) Upsert(ctx context.Context, entries []repository.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	unitIDs := make([]int64, 0, len(entries))
	vectors := make([][]float32, 0, len(entries))
	ownerIDs := make([]string, 0, len(entries))
	collectionIDs := make([]int64, 0, len(entries))
	contents := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.UnitID <= 0 {
			return errors.New("vector entry missing unit id")
		}
		if len(e.Vector) != s.vectorDim {
			return fmt.Errorf("vector dim mismatch for unit=%d, got=%d want=%d", e.UnitID, len(e.Vector), s.vectorDim)
		}
		unitIDs = append(unitIDs, e.UnitID)
		vectors = append(vectors, e.Vector)
		ownerIDs = append(ownerIDs, e.OwnerID)
		collectionIDs = append(collectionIDs, e.CollectionID)
		contents = append(contents, truncateBytes(e.Content, maxContentBytes))
	}

	_, err := s.cli.Upsert(
		ctx,
		s.collection,
		"",
		entity.NewColumnInt64(fieldUnitID, unitIDs),
		entity.NewColumnFloatVector(fieldVector, s.vectorDim, vectors),
		entity.NewColumnVarChar(fieldOwnerID, ownerIDs),
		entity.NewColumnInt64(fieldCollectionID, collectionIDs),
		entity.NewColumnVarChar(fieldContent, contents),
	)
	return err
}

func (s *MilvusStore) DeleteByUnit(ctx context.Context, unitIDs ...int64) error {
	if len(unitIDs) == 0 {
		return nil
	}
	return s.cli.Delete(ctx, s.collection, "", unitIDsExpr(unitIDs))
}

func (s *MilvusStore) DeleteByCollection(ctx context.Context, collectionID int64) error {
	return s.cli.Delete(ctx, s.collection, "", collectionExpr(collectionID))
}

func (s *MilvusStore) DeleteByOwner(ctx context.Context, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.New("owner id is empty")
	}
	return s.cli.Delete(ctx, s.collection, "", ownerExpr(ownerID))
}

// ListUnitIDs 按 unit_id 游标翻页，Milvus 带 limit 的 query 结果按主键有序
func (s *MilvusStore) ListUnitIDs(ctx context.Context, collectionID int64) ([]int64, error) {
	var (
		out    []int64
		cursor int64
	)
	for {
		expr := fmt.Sprintf("%s && %s > %d", collectionExpr(collectionID), fieldUnitID, cursor)
		rs, err := s.cli.Query(ctx, s.collection, nil, expr, []string{fieldUnitID}, mclient.WithLimit(listPageSize))
		if err != nil {
			return nil, err
		}
		col := rs.GetColumn(fieldUnitID)
		if col == nil || col.Len() == 0 {
			return out, nil
		}
		for i := 0; i < col.Len(); i++ {
			id, err := col.GetAsInt64(i)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
			if id > cursor {
				cursor = id
			}
		}
		if col.Len() < listPageSize {
			return out, nil
		}
	}
}

func (s *MilvusStore) CollectionName() string {
	return s.collection
}

// DropAndRecreateCollection 删除整个物理集合后按当前 schema 重建。
// confirm 必须与集合名一致，防止误调用清空全部租户数据。
func (s *MilvusStore) DropAndRecreateCollection(ctx context.Context, confirm string) error {
	if confirm != s.collection {
		return fmt.Errorf("refusing to drop collection %q: confirmation %q does not match", s.collection, confirm)
	}
	has, err := s.cli.HasCollection(ctx, s.collection)
	if err != nil {
		return err
	}
	if has {
		if err := s.cli.DropCollection(ctx, s.collection); err != nil {
			return err
		}
	}
	return EnsureCollection(ctx, s.cli, s.collection, s.vectorDim, s.metricType)
}

func unitIDsExpr(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return fmt.Sprintf("%s in [%s]", fieldUnitID, strings.Join(parts, ","))
}

func collectionExpr(collectionID int64) string {
	return fmt.Sprintf("%s == %d", fieldCollectionID, collectionID)
}

func ownerExpr(ownerID string) string {
	return fmt.Sprintf("%s == %s", fieldOwnerID, strconv.Quote(ownerID))
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
