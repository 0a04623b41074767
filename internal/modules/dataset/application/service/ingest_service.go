package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/application/dto/respond"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/chunking"
	"KnowForge/internal/modules/dataset/infrastructure/dedup"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
	"KnowForge/internal/telemetry"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

const (
	rejectValidation = "validation"
	rejectDuplicate  = "duplicate"

	maxImageRefBytes = 10 << 20
)

type IngestService interface {
	SubmitIngestion(ctx context.Context, p training.Principal, req request.SubmitIngestionRequest) (*respond.SubmitIngestionRespond, error)
	// SubmitDerived 把 QA 模式生成的问答对作为新单元入队，返回实际写入的数量
	SubmitDerived(ctx context.Context, parent *training.Unit, pairs []provider.QAPair) (int, error)
}

type ingestServiceImpl struct {
	units   repository.UnitRepository
	filter  *dedup.Filter
	modes   training.ModeSet
	opts    config.PipelineOptions
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewIngestService(units repository.UnitRepository, modes training.ModeSet, opts config.PipelineOptions, metrics *telemetry.Metrics) IngestService {
	return &ingestServiceImpl{
		units:   units,
		filter:  dedup.NewFilter(units),
		modes:   modes,
		opts:    opts,
		metrics: metrics,
		now:     time.Now,
	}
}

// draft 通过校验、等待去重的单元
type draft struct {
	index int
	unit  *training.Unit
}

type submission struct {
	p      training.Principal
	limit  int
	drafts []draft
	out    *respond.SubmitIngestionRespond
}

func (b *submission) reject(index, chunk int, reason, msg string) {
	b.out.RejectedCount++
	b.out.Rejections = append(b.out.Rejections, respond.Rejection{Index: index, ChunkIndex: chunk, Reason: reason, Message: msg})
}

func (b *submission) push(index int, u *training.Unit) error {
	if len(b.drafts) >= b.limit {
		return fmt.Errorf("%w: submission expands to more than %d units", training.ErrValidation, b.limit)
	}
	u.OwnerID = b.p.OwnerID
	u.MemberID = b.p.MemberID
	u.CollectionID = b.p.CollectionID
	b.drafts = append(b.drafts, draft{index: index, unit: u})
	return nil
}

func (s *ingestServiceImpl) SubmitIngestion(ctx context.Context, p training.Principal, req request.SubmitIngestionRequest) (*respond.SubmitIngestionRespond, error) {
	if strings.TrimSpace(p.OwnerID) == "" {
		return nil, training.ErrUnauthorized
	}
	if p.CollectionID <= 0 {
		return nil, fmt.Errorf("%w: collection id is required", training.ErrValidation)
	}
	mode, err := training.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	params, err := s.modes.For(mode)
	if err != nil {
		return nil, err
	}
	if len(req.Units) == 0 {
		return nil, fmt.Errorf("%w: no units submitted", training.ErrValidation)
	}
	if len(req.Units) > s.opts.MaxUnitsPerSubmission {
		return nil, fmt.Errorf("%w: %d units exceeds limit %d", training.ErrValidation, len(req.Units), s.opts.MaxUnitsPerSubmission)
	}
	chunker, err := s.chunker(req.Options)
	if err != nil {
		return nil, err
	}

	b := &submission{
		p:     p,
		limit: s.opts.MaxUnitsPerSubmission,
		out: &respond.SubmitIngestionRespond{
			Rejections: []respond.Rejection{},
			UnitIDs:    []int64{},
		},
	}
	for i, raw := range req.Units {
		if err := s.expand(b, chunker, mode, i, raw); err != nil {
			return nil, err
		}
	}
	if err := s.persist(ctx, b, params, req.Options.Priority); err != nil {
		return nil, err
	}

	s.metrics.RecordSubmitted(b.out.AcceptedCount, b.out.RejectedCount)
	zlog.Info("ingestion submitted",
		zap.String("owner_id", p.OwnerID),
		zap.Int64("collection_id", p.CollectionID),
		zap.String("mode", string(mode)),
		zap.Int("raw_units", len(req.Units)),
		zap.Int("accepted", b.out.AcceptedCount),
		zap.Int("rejected", b.out.RejectedCount))
	return b.out, nil
}

func (s *ingestServiceImpl) chunker(o request.IngestOptions) (*chunking.Chunker, error) {
	size := s.opts.ChunkSize
	if o.ChunkSize > 0 {
		if o.ChunkSize > s.opts.MaxUnitRunes {
			return nil, fmt.Errorf("%w: chunk size %d exceeds %d", training.ErrValidation, o.ChunkSize, s.opts.MaxUnitRunes)
		}
		size = o.ChunkSize
	}
	ratio := s.opts.OverlapRatio
	if o.OverlapRatio != nil {
		ratio = *o.OverlapRatio
		if ratio < 0 || ratio >= 1 {
			return nil, fmt.Errorf("%w: overlap ratio must be in [0,1)", training.ErrValidation)
		}
	}
	return chunking.New(
		chunking.WithMaxLen(size),
		chunking.WithOverlapRatio(ratio),
		chunking.WithDelimiters(o.Delimiters...),
	), nil
}

// expand 把一条原始输入展开为若干单元草稿；内容问题记为拒绝，超出提交上限时整批失败
func (s *ingestServiceImpl) expand(b *submission, chunker *chunking.Chunker, mode training.Mode, i int, raw request.RawUnit) error {
	if mode == training.ModeImageCaption {
		ref := strings.TrimSpace(raw.ImageRef)
		if msg := checkImageRef(ref); msg != "" {
			b.reject(i, 0, rejectValidation, msg)
			return nil
		}
		return b.push(i, &training.Unit{Mode: mode, ImageRef: ref, ContentHash: dedup.ImageHash(ref)})
	}

	if raw.Q != "" || raw.A != "" {
		if mode == training.ModeQA {
			b.reject(i, 0, rejectValidation, "qa mode expects raw text")
			return nil
		}
		q, a := strings.TrimSpace(raw.Q), strings.TrimSpace(raw.A)
		if q == "" {
			b.reject(i, 0, rejectValidation, "question is empty")
			return nil
		}
		if n := utf8.RuneCountInString(q) + utf8.RuneCountInString(a); n > s.opts.MaxUnitRunes {
			b.reject(i, 0, rejectValidation, fmt.Sprintf("unit has %d characters, limit %d", n, s.opts.MaxUnitRunes))
			return nil
		}
		return b.push(i, &training.Unit{Mode: mode, Q: q, A: a, ContentHash: dedup.ContentHash(q, a)})
	}

	if strings.TrimSpace(raw.Text) == "" {
		b.reject(i, 0, rejectValidation, "content is empty")
		return nil
	}
	for c := range chunker.Chunks(raw.Text) {
		// 只剩重叠部分的尾块没有新内容
		if strings.TrimSpace(c.Fresh()) == "" {
			continue
		}
		body := strings.TrimSpace(c.Text)
		if n := utf8.RuneCountInString(body); n > s.opts.MaxUnitRunes {
			b.reject(i, c.Index, rejectValidation, fmt.Sprintf("chunk has %d characters, limit %d", n, s.opts.MaxUnitRunes))
			continue
		}
		err := b.push(i, &training.Unit{Mode: mode, Q: body, ChunkIndex: c.Index, ContentHash: dedup.ContentHash(body, "")})
		if err != nil {
			return err
		}
	}
	return nil
}

func checkImageRef(ref string) string {
	switch {
	case ref == "":
		return "image reference is empty"
	case len(ref) > maxImageRefBytes:
		return "image reference is too large"
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "data:image/"):
		return ""
	default:
		return "image reference must be an http(s) url or data:image uri"
	}
}

// persist 去重后单事务写入单元与首个 Job
func (s *ingestServiceImpl) persist(ctx context.Context, b *submission, params training.ModeParams, priority int) error {
	if len(b.drafts) == 0 {
		return nil
	}
	cands := make([]dedup.Candidate, len(b.drafts))
	for i, d := range b.drafts {
		cands[i] = dedup.Candidate{Index: i, Hash: d.unit.ContentHash}
	}
	res, err := s.filter.Apply(ctx, b.p.OwnerID, b.p.CollectionID, cands)
	if err != nil {
		return err
	}
	for _, c := range res.Duplicates {
		d := b.drafts[c.Index]
		b.reject(d.index, d.unit.ChunkIndex, rejectDuplicate, "duplicate content")
	}
	if len(res.Accepted) == 0 {
		return nil
	}

	now := s.now()
	items := make([]repository.NewUnitWithJob, len(res.Accepted))
	for i, c := range res.Accepted {
		u := b.drafts[c.Index].unit
		items[i] = repository.NewUnitWithJob{Unit: u, Job: newJob(u, params, priority, now)}
	}
	inserted, err := s.units.CreateWithJobs(ctx, items)
	if err != nil {
		zlog.Error("create units failed", zap.Error(err), zap.Int64("collection_id", b.p.CollectionID))
		return fmt.Errorf("%w: %v", training.ErrStoreUnavailable, err)
	}
	for i, ok := range inserted {
		d := b.drafts[res.Accepted[i].Index]
		if !ok {
			// 并发提交的同内容抢先写入
			b.reject(d.index, d.unit.ChunkIndex, rejectDuplicate, "duplicate content")
			continue
		}
		b.out.AcceptedCount++
		b.out.UnitIDs = append(b.out.UnitIDs, d.unit.ID)
	}
	return nil
}

func (s *ingestServiceImpl) SubmitDerived(ctx context.Context, parent *training.Unit, pairs []provider.QAPair) (int, error) {
	if parent == nil || len(pairs) == 0 {
		return 0, nil
	}
	b := &submission{
		p: training.Principal{
			OwnerID:      parent.OwnerID,
			MemberID:     parent.MemberID,
			CollectionID: parent.CollectionID,
		},
		limit: s.opts.MaxUnitsPerSubmission,
		out:   &respond.SubmitIngestionRespond{},
	}
	for i, pair := range pairs {
		q, a := strings.TrimSpace(pair.Q), strings.TrimSpace(pair.A)
		if q == "" || a == "" {
			continue
		}
		if utf8.RuneCountInString(q)+utf8.RuneCountInString(a) > s.opts.MaxUnitRunes {
			zlog.Warn("derived qa pair too long, skipped", zap.Int64("parent_unit_id", parent.ID), zap.Int("pair", i))
			continue
		}
		u := &training.Unit{
			Mode:         training.ModeEmbedding,
			Q:            q,
			A:            a,
			ChunkIndex:   i,
			ParentUnitID: parent.ID,
			ContentHash:  dedup.ContentHash(q, a),
		}
		if err := b.push(i, u); err != nil {
			zlog.Warn("derived qa pairs over submission limit, rest dropped",
				zap.Int64("parent_unit_id", parent.ID),
				zap.Int("limit", b.limit),
				zap.Int("dropped", len(pairs)-i))
			break
		}
	}

	model := s.modes.QA.EmbeddingModel
	if model == "" {
		model = s.modes.Embedding.Model
	}
	if err := s.persist(ctx, b, training.EmbeddingParams{Model: model}, 0); err != nil {
		return 0, err
	}
	s.metrics.RecordSubmitted(b.out.AcceptedCount, b.out.RejectedCount)
	return b.out.AcceptedCount, nil
}
