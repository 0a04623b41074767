package handler

import (
	"KnowForge/internal/modules/dataset/application/dto/request"
	"KnowForge/internal/modules/dataset/application/service"
	"KnowForge/pkg/back"
	"KnowForge/pkg/xerr"
	"KnowForge/pkg/zlog"

	"github.com/gin-gonic/gin"
)

type CollectionHandler struct {
	svc  service.CollectionService
	auth service.Authorizer
}

func NewCollectionHandler(svc service.CollectionService, auth service.Authorizer) *CollectionHandler {
	return &CollectionHandler{svc: svc, auth: auth}
}

func (h *CollectionHandler) Create(c *gin.Context) {
	var req request.CreateCollectionRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	p, ok := authorize(c, h.auth, 0)
	if !ok {
		return
	}
	data, err := h.svc.Create(c.Request.Context(), p, req.Name)
	back.Result(c, data, codeError(err))
}

func (h *CollectionHandler) List(c *gin.Context) {
	p, ok := authorize(c, h.auth, 0)
	if !ok {
		return
	}
	data, err := h.svc.List(c.Request.Context(), p.OwnerID)
	back.Result(c, data, codeError(err))
}

func (h *CollectionHandler) Delete(c *gin.Context) {
	var req request.DeleteCollectionRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	p, ok := authorize(c, h.auth, req.CollectionID)
	if !ok {
		return
	}
	data, err := h.svc.Delete(c.Request.Context(), p.CollectionID)
	back.Result(c, data, codeError(err))
}

func (h *CollectionHandler) Repair(c *gin.Context) {
	var req request.RepairCollectionRequest
	if err := c.BindJSON(&req); err != nil {
		zlog.Error(err.Error())
		back.Error(c, xerr.BadRequest, xerr.ErrParam.Message)
		return
	}
	p, ok := authorize(c, h.auth, req.CollectionID)
	if !ok {
		return
	}
	data, err := h.svc.RepairOrphans(c.Request.Context(), p.CollectionID)
	back.Result(c, data, codeError(err))
}
