package vectordb

import (
	"context"
	"strings"
	"testing"

	"KnowForge/internal/modules/dataset/domain/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUpsertOverwritesByUnit(t *testing.T) {
	s := NewMemoryStore("kf")
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []repository.VectorEntry{
		{UnitID: 1, OwnerID: "a", CollectionID: 10, Vector: []float32{1, 0}},
		{UnitID: 2, OwnerID: "a", CollectionID: 10, Vector: []float32{0, 1}},
		{UnitID: 3, OwnerID: "b", CollectionID: 20, Vector: []float32{1, 1}},
	}))
	require.NoError(t, s.Upsert(ctx, []repository.VectorEntry{
		{UnitID: 1, OwnerID: "a", CollectionID: 10, Vector: []float32{0.5, 0.5}},
	}))
	assert.Equal(t, 3, s.Len())
	e, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.5}, e.Vector)

	ids, err := s.ListUnitIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)

	require.NoError(t, s.DeleteByCollection(ctx, 10))
	assert.Equal(t, 1, s.Len())
	require.NoError(t, s.DeleteByOwner(ctx, "b"))
	assert.Equal(t, 0, s.Len())
}

func TestDropAndRecreateRequiresConfirmation(t *testing.T) {
	s := NewMemoryStore("kf")
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, []repository.VectorEntry{{UnitID: 1, Vector: []float32{1}}}))

	assert.Error(t, s.DropAndRecreateCollection(ctx, "other"))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.DropAndRecreateCollection(ctx, s.CollectionName()))
	assert.Equal(t, 0, s.Len())
}

func TestMilvusExpressions(t *testing.T) {
	assert.Equal(t, "unit_id in [1,22,333]", unitIDsExpr([]int64{1, 22, 333}))
	assert.Equal(t, "collection_id == 7", collectionExpr(7))
	assert.Equal(t, `owner_id == "team \"x\""`, ownerExpr(`team "x"`))
}

func TestTruncateBytesKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("知", 5) // 15 bytes
	got := truncateBytes(s, 10)
	assert.Equal(t, strings.Repeat("知", 3), got)
	assert.Equal(t, "abc", truncateBytes("abc", 10))
}

func TestNewMilvusStoreValidates(t *testing.T) {
	_, err := NewMilvusStore(nil, "kf", 8, "")
	assert.Error(t, err)
}
