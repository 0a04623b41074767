package handler

import (
	"strings"

	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/application/dto/respond"
	"KnowForge/internal/modules/dataset/application/service"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/back"
	"KnowForge/pkg/xerr"
	"KnowForge/pkg/zlog"

	"github.com/gin-gonic/gin"
)

type TrainingHandler struct {
	ingest      service.IngestService
	status      service.StatusService
	reindex     service.ReindexController
	collections service.CollectionService
	auth        service.Authorizer
}

func NewTrainingHandler(
	ingest service.IngestService,
	status service.StatusService,
	reindex service.ReindexController,
	collections service.CollectionService,
	auth service.Authorizer,
) *TrainingHandler {
	return &TrainingHandler{
		ingest:      ingest,
		status:      status,
		reindex:     reindex,
		collections: collections,
		auth:        auth,
	}
}

func (h *TrainingHandler) Submit(c *gin.Context) {
	var req request.SubmitIngestionRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	p, ok := authorize(c, h.auth, req.CollectionID)
	if !ok {
		return
	}
	data, err := h.ingest.SubmitIngestion(c.Request.Context(), p, req)
	back.Result(c, data, codeError(err))
}

func (h *TrainingHandler) Status(c *gin.Context) {
	var req request.TrainingStatusRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	p, ok := authorize(c, h.auth, req.CollectionID)
	if !ok {
		return
	}
	data, err := h.status.QueryTrainingStatus(c.Request.Context(), p.CollectionID, req.ErrorLimit)
	back.Result(c, data, codeError(err))
}

// Reindex 对外只开放 collection 与 owner 范围，全量重建走命令行
func (h *TrainingHandler) Reindex(c *gin.Context) {
	var req request.ReindexRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}

	var scope training.Scope
	switch strings.ToLower(strings.TrimSpace(req.Scope)) {
	case "", training.ScopeCollection:
		p, ok := authorize(c, h.auth, req.CollectionID)
		if !ok {
			return
		}
		scope = training.CollectionScope(p.OwnerID, p.CollectionID)
	case training.ScopeOwner:
		p, ok := authorize(c, h.auth, 0)
		if !ok {
			return
		}
		scope = training.OwnerScope(p.OwnerID)
	default:
		back.Error(c, xerr.BadRequest, "unsupported reindex scope")
		return
	}
	data, err := h.reindex.RequestReindex(c.Request.Context(), scope)
	back.Result(c, data, codeError(err))
}

func (h *TrainingHandler) RetryFailed(c *gin.Context) {
	var req request.RetryFailedRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	p, ok := authorize(c, h.auth, req.CollectionID)
	if !ok {
		return
	}
	data, err := h.collections.RetryFailed(c.Request.Context(), p.CollectionID)
	back.Result(c, data, codeError(err))
}

// Searchable 检索方在返回结果前调用，剔除已删除或不在当前版本的单元
func (h *TrainingHandler) Searchable(c *gin.Context) {
	var req request.SearchableRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	if _, ok := authorize(c, h.auth, req.CollectionID); !ok {
		return
	}
	ids, err := h.collections.FilterSearchable(c.Request.Context(), req.CollectionID, req.UnitIDs)
	if err != nil {
		back.Result(c, nil, codeError(err))
		return
	}
	back.Success(c, respond.SearchableRespond{UnitIDs: ids})
}
