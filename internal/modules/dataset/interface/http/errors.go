package handler

import (
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/xerr"
)

var domainCodes = []xerr.Mapping{
	{Target: training.ErrValidation, Code: xerr.BadRequest},
	{Target: training.ErrUnauthorized, Code: xerr.Unauthorized},
	{Target: training.ErrNotFound, Code: xerr.NotFound},
	{Target: training.ErrDuplicate, Code: xerr.Conflict},
	{Target: training.ErrReindexRunning, Code: xerr.Conflict},
	{Target: training.ErrStoreUnavailable, Code: xerr.ServiceUnavailable},
}

func codeError(err error) error {
	if err == nil {
		return nil
	}
	return xerr.Map(err, domainCodes...)
}
