package service

import (
	"context"
	"fmt"

	"KnowForge/internal/modules/dataset/application/dto/respond"
	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"
)

const defaultErrorLimit = 20

type StatusService interface {
	QueryTrainingStatus(ctx context.Context, collectionID int64, errorLimit int) (*respond.TrainingStatusRespond, error)
}

type statusServiceImpl struct {
	jobs  repository.JobRepository
	units repository.UnitRepository
}

func NewStatusService(jobs repository.JobRepository, units repository.UnitRepository) StatusService {
	return &statusServiceImpl{jobs: jobs, units: units}
}

func (s *statusServiceImpl) QueryTrainingStatus(ctx context.Context, collectionID int64, errorLimit int) (*respond.TrainingStatusRespond, error) {
	if collectionID <= 0 {
		return nil, fmt.Errorf("%w: collection id is required", training.ErrValidation)
	}
	if errorLimit <= 0 || errorLimit > 200 {
		errorLimit = defaultErrorLimit
	}
	counts, err := s.jobs.CountByStatus(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: count jobs: %v", training.ErrStoreUnavailable, err)
	}
	breakdown, err := s.units.Breakdown(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: index breakdown: %v", training.ErrStoreUnavailable, err)
	}
	lastErrors, err := s.jobs.LastErrors(ctx, collectionID, errorLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: last errors: %v", training.ErrStoreUnavailable, err)
	}
	if lastErrors == nil {
		lastErrors = []repository.UnitError{}
	}
	return &respond.TrainingStatusRespond{
		CollectionID:   collectionID,
		Queued:         counts[training.JobStatusQueued],
		Processing:     counts[training.JobStatusClaimed],
		RetryWait:      counts[training.JobStatusRetryWait],
		Done:           counts[training.JobStatusDone],
		Failed:         counts[training.JobStatusFailed],
		IndexBreakdown: breakdown,
		LastErrors:     lastErrors,
	}, nil
}
