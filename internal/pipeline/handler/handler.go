package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pipeline_engine_backend/internal/pipeline/service"
	"pipeline_engine_backend/internal/pipeline/transport"
	"pipeline_engine_backend/platform/httpkit"
	"pipeline_engine_backend/platform/validator"
)

// Handler handles HTTP requests for pipelines, opportunities and analytics.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

const (
	msgInvalidRequest     = "invalid request"
	msgValidationFailed   = "validation failed"
	msgInvalidPipelineID  = "invalid pipeline id"
	msgInvalidStageID     = "invalid stage id"
	msgInvalidRuleID      = "invalid rule id"
	msgInvalidOpportunity = "invalid opportunity id"
)

// New creates a new pipeline handler.
func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

// ListPipelines returns the tenant's pipelines.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(c *gin.Context) {
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.ListPipelines(c.Request.Context(), tenantID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// GetPipeline returns one pipeline with its stages and rules.
// GET /api/v1/pipelines/:id
func (h *Handler) GetPipeline(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.GetPipeline(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// CreatePipeline creates a pipeline from an explicit stage list.
// POST /api/v1/admin/pipelines
func (h *Handler) CreatePipeline(c *gin.Context) {
	var req transport.CreatePipelineRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.CreatePipeline(c.Request.Context(), tenantID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// ListTemplates returns the pipeline template catalogue.
// GET /api/v1/pipelines/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	httpkit.OK(c, h.svc.ListTemplates())
}

// CreateFromTemplate instantiates a template.
// POST /api/v1/admin/pipelines/from-template
func (h *Handler) CreateFromTemplate(c *gin.Context) {
	var req transport.CreateFromTemplateRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.CreateFromTemplate(c.Request.Context(), tenantID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// UpdatePipeline renames a pipeline or replaces its custom fields.
// PATCH /api/v1/admin/pipelines/:id
func (h *Handler) UpdatePipeline(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	var req transport.UpdatePipelineRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.UpdatePipeline(c.Request.Context(), tenantID, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// DeletePipeline removes a pipeline.
// DELETE /api/v1/admin/pipelines/:id
func (h *Handler) DeletePipeline(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.svc.DeletePipeline(c.Request.Context(), tenantID, id)) {
		return
	}
	c.Status(http.StatusNoContent)
}

// ActivatePipeline makes the pipeline the tenant's active one.
// POST /api/v1/admin/pipelines/:id/activate
func (h *Handler) ActivatePipeline(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.ActivatePipeline(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// AddStage inserts a stage.
// POST /api/v1/admin/pipelines/:id/stages
func (h *Handler) AddStage(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	var req transport.StageRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.AddStage(c.Request.Context(), tenantID, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// UpdateStage patches a stage.
// PATCH /api/v1/admin/pipelines/:id/stages/:stageId
func (h *Handler) UpdateStage(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	stageID, ok := parseID(c, "stageId", msgInvalidStageID)
	if !ok {
		return
	}
	var req transport.UpdateStageRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.UpdateStage(c.Request.Context(), tenantID, id, stageID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// RemoveStage deletes a stage and its rules.
// DELETE /api/v1/admin/pipelines/:id/stages/:stageId
func (h *Handler) RemoveStage(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	stageID, ok := parseID(c, "stageId", msgInvalidStageID)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.RemoveStage(c.Request.Context(), tenantID, id, stageID)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ReorderStages assigns new stage positions.
// PUT /api/v1/admin/pipelines/:id/stages/order
func (h *Handler) ReorderStages(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	var req transport.ReorderStagesRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.ReorderStages(c.Request.Context(), tenantID, id, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ListRules reports every rule with its state.
// GET /api/v1/pipelines/:id/rules
func (h *Handler) ListRules(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.ListRules(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// CreateRule attaches a rule to a stage.
// POST /api/v1/admin/pipelines/:id/stages/:stageId/rules
func (h *Handler) CreateRule(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	stageID, ok := parseID(c, "stageId", msgInvalidStageID)
	if !ok {
		return
	}
	var req transport.RuleRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.CreateRule(c.Request.Context(), tenantID, id, stageID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// UpdateRule replaces a rule definition.
// PUT /api/v1/admin/pipelines/:id/rules/:ruleId
func (h *Handler) UpdateRule(c *gin.Context) {
	id, ruleID, ok := parseRulePath(c)
	if !ok {
		return
	}
	var req transport.RuleRequest
	if !h.bindJSON(c, &req) {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.UpdateRule(c.Request.Context(), tenantID, id, ruleID, req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ActivateRule arms a rule.
// POST /api/v1/admin/pipelines/:id/rules/:ruleId/activate
func (h *Handler) ActivateRule(c *gin.Context) {
	h.setRuleActive(c, true)
}

// DeactivateRule disarms a rule and cancels its pending deferred actions.
// POST /api/v1/admin/pipelines/:id/rules/:ruleId/deactivate
func (h *Handler) DeactivateRule(c *gin.Context) {
	h.setRuleActive(c, false)
}

func (h *Handler) setRuleActive(c *gin.Context, active bool) {
	id, ruleID, ok := parseRulePath(c)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.SetRuleActive(c.Request.Context(), tenantID, id, ruleID, active)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// DeleteRule removes a rule.
// DELETE /api/v1/admin/pipelines/:id/rules/:ruleId
func (h *Handler) DeleteRule(c *gin.Context) {
	id, ruleID, ok := parseRulePath(c)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	if httpkit.HandleError(c, h.svc.DeleteRule(c.Request.Context(), tenantID, id, ruleID)) {
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitEvent feeds an inbound event to the automation engine.
// POST /api/v1/pipelines/:id/events
func (h *Handler) SubmitEvent(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	var req transport.SubmitEventRequest
	if !h.bindJSON(c, &req) {
		return
	}
	principal, ok := httpkit.MustGetPrincipal(c)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.SubmitEvent(c.Request.Context(), tenantID, id, principal.UserID.String(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// CreateOpportunity registers an opportunity and raises deal_created.
// POST /api/v1/opportunities
func (h *Handler) CreateOpportunity(c *gin.Context) {
	var req transport.CreateOpportunityRequest
	if !h.bindJSON(c, &req) {
		return
	}
	principal, ok := httpkit.MustGetPrincipal(c)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.CreateOpportunity(c.Request.Context(), tenantID, principal.UserID.String(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.JSON(c, http.StatusCreated, result)
}

// GetOpportunity returns an opportunity.
// GET /api/v1/opportunities/:id
func (h *Handler) GetOpportunity(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidOpportunity)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.GetOpportunity(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// MoveOpportunity is a manual stage change.
// POST /api/v1/opportunities/:id/move
func (h *Handler) MoveOpportunity(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidOpportunity)
	if !ok {
		return
	}
	var req transport.MoveOpportunityRequest
	if !h.bindJSON(c, &req) {
		return
	}
	principal, ok := httpkit.MustGetPrincipal(c)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.MoveOpportunity(c.Request.Context(), tenantID, id, principal.UserID.String(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// UpdateFields writes opportunity fields.
// PATCH /api/v1/opportunities/:id/fields
func (h *Handler) UpdateFields(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidOpportunity)
	if !ok {
		return
	}
	var req transport.UpdateFieldsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	principal, ok := httpkit.MustGetPrincipal(c)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.UpdateFields(c.Request.Context(), tenantID, id, principal.UserID.String(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ListMovements returns an opportunity's ledger history.
// GET /api/v1/opportunities/:id/movements
func (h *Handler) ListMovements(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidOpportunity)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.ListMovements(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// GetAnalytics returns the pipeline analytics report.
// GET /api/v1/pipelines/:id/analytics?from=&to=&fresh=
func (h *Handler) GetAnalytics(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	var query transport.AnalyticsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(query); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	result, err := h.svc.Analytics(c.Request.Context(), tenantID, id, query)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, result)
}

// ListArchivedReports returns download links for archived analytics reports.
// GET /api/v1/pipelines/:id/analytics/archive
func (h *Handler) ListArchivedReports(c *gin.Context) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return
	}
	tenantID, ok := httpkit.MustGetTenantID(c)
	if !ok {
		return
	}
	reports, err := h.svc.ArchivedReports(c.Request.Context(), tenantID, id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, reports)
}

func (h *Handler) bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return false
	}
	return true
}

func parseID(c *gin.Context, param, msg string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msg, nil)
		return uuid.Nil, false
	}
	return id, true
}

func parseRulePath(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	id, ok := parseID(c, "id", msgInvalidPipelineID)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	ruleID, ok := parseID(c, "ruleId", msgInvalidRuleID)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	return id, ruleID, true
}
