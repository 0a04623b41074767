package service

import (
	"testing"

	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryTrainingStatusCounts(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()

	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("a", "b", "c"),
	})
	require.NoError(t, err)
	require.NoError(t, e.db.Model(&training.Job{}).Where("unit_id = ?", res.UnitIDs[0]).
		Updates(map[string]interface{}{"status": training.JobStatusFailed, "last_error": "model not found"}).Error)

	st, err := e.status.QueryTrainingStatus(ctx, e.collectionA.ID, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Queued)
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 3, st.IndexBreakdown.Total)
	require.Len(t, st.LastErrors, 1)
	assert.Equal(t, "model not found", st.LastErrors[0].LastError)

	_, err = e.status.QueryTrainingStatus(ctx, 0, 0)
	assert.ErrorIs(t, err, training.ErrValidation)
}

func TestCollectionLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()

	c, err := e.collection.Create(ctx, training.Principal{OwnerID: "team-a"}, "  notes ")
	require.NoError(t, err)
	assert.Equal(t, "notes", c.Name)

	_, err = e.collection.Create(ctx, training.Principal{OwnerID: "team-a"}, " ")
	assert.ErrorIs(t, err, training.ErrValidation)

	list, err := e.collection.List(ctx, "team-a")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	p := training.Principal{OwnerID: "team-a", CollectionID: c.CollectionID}
	res, err := e.ingest.SubmitIngestion(ctx, p, request.SubmitIngestionRequest{
		CollectionID: c.CollectionID,
		Units:        texts("x", "y"),
	})
	require.NoError(t, err)
	require.NoError(t, e.vectors.Upsert(ctx, []repository.VectorEntry{
		{UnitID: res.UnitIDs[0], OwnerID: "team-a", CollectionID: c.CollectionID, Vector: []float32{1}},
	}))

	del, err := e.collection.Delete(ctx, c.CollectionID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, del.DeletedUnits)
	assert.Equal(t, 0, e.vectors.Len())
	assert.EqualValues(t, 0, e.jobsByStatus(t, training.JobStatusQueued))
}

func TestRepairOrphansRemovesDanglingVectors(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()

	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("kept"),
	})
	require.NoError(t, err)
	cid := e.collectionA.ID
	require.NoError(t, e.vectors.Upsert(ctx, []repository.VectorEntry{
		{UnitID: res.UnitIDs[0], OwnerID: "team-a", CollectionID: cid, Vector: []float32{1}},
		{UnitID: 9001, OwnerID: "team-a", CollectionID: cid, Vector: []float32{1}},
		{UnitID: 9002, OwnerID: "team-a", CollectionID: cid, Vector: []float32{1}},
	}))

	rep, err := e.collection.RepairOrphans(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.Removed)
	_, ok := e.vectors.Get(res.UnitIDs[0])
	assert.True(t, ok)
	_, ok = e.vectors.Get(9001)
	assert.False(t, ok)
}

func TestRetryFailedRequeues(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()

	_, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("a", "b"),
	})
	require.NoError(t, err)
	require.NoError(t, e.db.Model(&training.Job{}).Where("1 = 1").
		Updates(map[string]interface{}{"status": training.JobStatusFailed, "retry_count": 5}).Error)

	out, err := e.collection.RetryFailed(ctx, e.collectionA.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, out.Requeued)
	assert.EqualValues(t, 2, e.jobsByStatus(t, training.JobStatusQueued))
}
