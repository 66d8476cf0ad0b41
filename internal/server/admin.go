package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/observability/logger"
	settingsdomain "github.com/smallbiznis/payflow/internal/settings/domain"
	"go.uber.org/zap"
)

const (
	integrationDatabase   = "database"
	integrationMyFatoorah = "myfatoorah"

	integrationTestTimeout = 15 * time.Second
)

type upsertIntegrationsRequest struct {
	Settings []settingsdomain.UpsertItem `json:"settings"`
}

type testIntegrationRequest struct {
	Integration string `json:"integration"`
}

type testIntegrationResponse struct {
	Integration string `json:"integration"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
}

func (s *Server) ListIntegrations(c *gin.Context) {
	views, err := s.settingsSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": views})
}

func (s *Server) UpsertIntegrations(c *gin.Context) {
	var req upsertIntegrationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(req.Settings) == 0 {
		AbortWithError(c, newValidationError("settings", "required", "settings is required"))
		return
	}

	ctx := c.Request.Context()
	if err := s.settingsSvc.Upsert(ctx, req.Settings); err != nil {
		AbortWithError(c, err)
		return
	}

	views, err := s.settingsSvc.List(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": views})
}

// TestIntegration reports connectivity as data; a failed check is still a 200.
func (s *Server) TestIntegration(c *gin.Context) {
	var req testIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	integration := strings.ToLower(strings.TrimSpace(req.Integration))
	ctx, cancel := context.WithTimeout(c.Request.Context(), integrationTestTimeout)
	defer cancel()

	var err error
	switch integration {
	case integrationDatabase:
		err = s.db.WithContext(ctx).Exec("SELECT 1").Error
	case integrationMyFatoorah:
		err = s.gatewayHealth.Ping(ctx)
	default:
		AbortWithError(c, newValidationError("integration", "invalid_integration", "unknown integration"))
		return
	}

	resp := testIntegrationResponse{
		Integration: integration,
		Success:     err == nil,
		Message:     "connection successful",
	}
	if err != nil {
		logger.FromContext(ctx).Warn("integration test failed",
			zap.String("integration", integration),
			zap.Error(err),
		)
		resp.Message = err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListDiagnostics(c *gin.Context) {
	var req auditdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	if limit != nil {
		req.PageSize = *limit
	}

	resp, err := s.auditSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
