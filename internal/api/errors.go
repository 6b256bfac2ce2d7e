package api

import (
	"errors"
	"net/http"

	"agentfleet/internal/orchestrator"
	"agentfleet/internal/poolstore"
	"agentfleet/internal/service"
	"agentfleet/internal/tenant"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

// respondServiceError 将领域错误映射为 HTTP 状态码。部署失败时附带容器日志。
func respondServiceError(c *gin.Context, err error) {
	code := mapServiceError(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	var deployErr *orchestrator.DeployError
	if errors.As(err, &deployErr) && deployErr.Logs != "" {
		c.JSON(code, ErrorResponse{
			Error:   deployErr.Err.Error(),
			Code:    code,
			Details: deployErr.Logs,
		})
		return
	}
	respondError(c, code, err)
}

func mapServiceError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrMissingCredentials),
		errors.Is(err, orchestrator.ErrUnknownTier):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrLeaseExists):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoLease),
		errors.Is(err, poolstore.ErrRecordNotFound),
		errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrDeployFailed),
		errors.Is(err, service.ErrQueueUnavailable),
		errors.Is(err, service.ErrEventsUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
