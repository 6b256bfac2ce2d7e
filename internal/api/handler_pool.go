package api

import (
	"net/http"
	"strconv"

	"agentfleet/internal/service"

	"github.com/gin-gonic/gin"
)

type PoolHandler struct {
	svc *service.Service
}

func NewPoolHandler(svc *service.Service) *PoolHandler {
	return &PoolHandler{svc: svc}
}

// DeployOrReuse POST /api/v1/tenants/:tenant/sessions
// ?async=true 时只入队，结果通过事件流返回
func (h *PoolHandler) DeployOrReuse(c *gin.Context) {
	var req DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	params := service.DeployParams{
		TenantID:  c.Param("tenant"),
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
		RoomName:  req.RoomName,
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		ticket, err := h.svc.EnqueueDeploy(c.Request.Context(), params)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, ticket)
		return
	}

	lease, err := h.svc.DeployOrReuse(c.Request.Context(), params)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lease)
}

// ReturnContainer DELETE /api/v1/tenants/:tenant/sessions/:session
func (h *PoolHandler) ReturnContainer(c *gin.Context) {
	tenantID, sessionID := c.Param("tenant"), c.Param("session")

	if err := h.svc.ReturnContainer(c.Request.Context(), tenantID, sessionID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, ReturnResponse{
		Status:    "returned",
		TenantID:  tenantID,
		SessionID: sessionID,
	})
}

func (h *PoolHandler) PoolStatus(c *gin.Context) {
	status, err := h.svc.PoolStatus(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *PoolHandler) CleanupPool(c *gin.Context) {
	tenantID := c.Param("tenant")
	n, err := h.svc.CleanupTenantPool(c.Request.Context(), tenantID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, CleanupResponse{TenantID: tenantID, Evicted: n})
}

// RegisterWorker PUT /api/v1/containers/:name/worker
func (h *PoolHandler) RegisterWorker(c *gin.Context) {
	var req RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	name := c.Param("name")
	if err := h.svc.RegisterWorker(c.Request.Context(), name, req.WorkerID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"container": name,
		"worker_id": req.WorkerID,
	})
}
