package service

import (
	"fmt"
	"strings"
	"testing"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
	"KnowForge/pkg/zlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func texts(ss ...string) []request.RawUnit {
	out := make([]request.RawUnit, len(ss))
	for i, s := range ss {
		out[i] = request.RawUnit{Text: s}
	}
	return out
}

func TestSubmitIngestionRejectsDuplicates(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()

	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("a", "b", "a"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.AcceptedCount)
	assert.Equal(t, 1, res.RejectedCount)
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, 2, res.Rejections[0].Index)
	assert.Equal(t, "duplicate", res.Rejections[0].Reason)
	assert.Len(t, res.UnitIDs, 2)
	assert.EqualValues(t, 2, e.jobsByStatus(t, training.JobStatusQueued))

	// 已登记的内容在后续提交中同样被拒绝
	res, err = e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts(" b ", "c"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AcceptedCount)
	assert.Equal(t, 1, res.RejectedCount)
	assert.EqualValues(t, 3, e.jobsByStatus(t, training.JobStatusQueued))

	u, err := e.units.GetByID(ctx, res.UnitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "c", u.Q)
	assert.Equal(t, "member-1", u.MemberID)
	assert.Equal(t, training.ModeEmbedding, u.Mode)
}

func TestSubmitIngestionValidation(t *testing.T) {
	e := newTestEnv(t, func(o *config.PipelineOptions) {
		o.MaxUnitRunes = 10
		o.MaxUnitsPerSubmission = 4
	})
	ctx := t.Context()

	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units: []request.RawUnit{
			{Text: "   "},
			{Q: "", A: "orphan answer"},
			{Q: "what is it", A: "a very long answer"},
			{Q: "ok", A: "fine"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AcceptedCount)
	assert.Equal(t, 3, res.RejectedCount)
	for _, r := range res.Rejections {
		assert.Equal(t, "validation", r.Reason)
	}

	_, err = e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("1", "2", "3", "4", "5"),
	})
	assert.ErrorIs(t, err, training.ErrValidation)

	_, err = e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Mode:         "video",
		Units:        texts("x"),
	})
	assert.ErrorIs(t, err, training.ErrValidation)

	// 未配置对话模型时 qa 模式不可用
	_, err = e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Mode:         "qa",
		Units:        texts("x"),
	})
	assert.ErrorIs(t, err, training.ErrValidation)

	_, err = e.ingest.SubmitIngestion(ctx, training.Principal{CollectionID: e.collectionA.ID}, request.SubmitIngestionRequest{
		Units: texts("x"),
	})
	assert.ErrorIs(t, err, training.ErrUnauthorized)
}

func TestSubmitIngestionChunksLongText(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()
	zero := 0.0

	var sb strings.Builder
	for i := 0; i < 80; i++ {
		fmt.Fprintf(&sb, "word%d ", i)
	}
	words := sb.String()
	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts(words),
		Options:      request.IngestOptions{ChunkSize: 40, OverlapRatio: &zero},
	})
	require.NoError(t, err)
	require.Greater(t, res.AcceptedCount, 1)

	for _, id := range res.UnitIDs {
		u, err := e.units.GetByID(ctx, id)
		require.NoError(t, err)
		assert.LessOrEqual(t, len([]rune(u.Q)), 40)
		assert.NotEmpty(t, strings.TrimSpace(u.Q))
	}

	_, err = e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("x"),
		Options:      request.IngestOptions{ChunkSize: e.opts.MaxUnitRunes + 1},
	})
	assert.ErrorIs(t, err, training.ErrValidation)
}

func TestSubmitIngestionImageRefs(t *testing.T) {
	e := newTestEnv(t, func(o *config.PipelineOptions) {
		o.VisionModel = "mock-vision"
	})
	res, err := e.ingest.SubmitIngestion(t.Context(), e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Mode:         "image_caption",
		Units: []request.RawUnit{
			{ImageRef: "https://example.com/cat.png"},
			{ImageRef: "ftp://example.com/cat.png"},
			{ImageRef: "https://example.com/cat.png"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AcceptedCount)
	assert.Equal(t, 2, res.RejectedCount)

	job := &training.Job{}
	require.NoError(t, e.db.Where("unit_id = ?", res.UnitIDs[0]).First(job).Error)
	assert.Equal(t, training.ModeImageCaption, job.Mode)
	assert.Equal(t, "mock-vision", job.Model)
}

func TestSubmitDerivedLinksParent(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := t.Context()

	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("source text"),
	})
	require.NoError(t, err)
	parent, err := e.units.GetByID(ctx, res.UnitIDs[0])
	require.NoError(t, err)

	pairs := []provider.QAPair{
		{Q: "what?", A: "this"},
		{Q: "what?", A: "this"},
		{Q: "no answer", A: ""},
		{Q: "why?", A: "because"},
	}
	n, err := e.ingest.SubmitDerived(ctx, parent, pairs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var derived []training.Unit
	require.NoError(t, e.db.Where("parent_unit_id = ?", parent.ID).Order("id").Find(&derived).Error)
	require.Len(t, derived, 2)
	assert.Equal(t, "what?", derived[0].Q)
	assert.Equal(t, "this", derived[0].A)
	assert.Equal(t, parent.CollectionID, derived[0].CollectionID)

	// 重跑同一结果不会重复写入
	n, err = e.ingest.SubmitDerived(ctx, parent, pairs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmitDerivedLogsDroppedPairs(t *testing.T) {
	e := newTestEnv(t, func(o *config.PipelineOptions) { o.MaxUnitsPerSubmission = 2 })
	ctx := t.Context()

	res, err := e.ingest.SubmitIngestion(ctx, e.principal(), request.SubmitIngestionRequest{
		CollectionID: e.collectionA.ID,
		Units:        texts("source text"),
	})
	require.NoError(t, err)
	parent, err := e.units.GetByID(ctx, res.UnitIDs[0])
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	t.Cleanup(zlog.Replace(zap.New(core)))

	pairs := []provider.QAPair{
		{Q: "q1", A: "a1"},
		{Q: "q2", A: "a2"},
		{Q: "q3", A: "a3"},
		{Q: "q4", A: "a4"},
		{Q: "q5", A: "a5"},
	}
	n, err := e.ingest.SubmitDerived(ctx, parent, pairs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dropped := logs.FilterMessage("derived qa pairs over submission limit, rest dropped").All()
	require.Len(t, dropped, 1)
	fields := dropped[0].ContextMap()
	assert.Equal(t, parent.ID, fields["parent_unit_id"])
	assert.EqualValues(t, 3, fields["dropped"])
	assert.EqualValues(t, 2, fields["limit"])
}
