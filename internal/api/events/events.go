// Package events implements the audit event ingestion and query endpoints.
// Identity fields (tenant, acting user, role, department, client IP, user
// agent) always come from the authenticated request, never from the payload:
// a caller cannot write an event as someone else or into another tenant.
package events

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projectpulse/audit-engine/internal/config"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/hashchain"
	"github.com/projectpulse/audit-engine/internal/middleware"
	"github.com/projectpulse/audit-engine/internal/telemetry"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

// verifyChunkSize bounds how many events a chain walk loads per query.
const verifyChunkSize = 500

// Handler serves the event endpoints.
type Handler struct {
	events *repositories.EventRepository
	cfg    config.ChainConfig
	logger *slog.Logger
}

// NewHandler creates the events handler.
func NewHandler(events *repositories.EventRepository, cfg config.ChainConfig, logger *slog.Logger) *Handler {
	return &Handler{events: events, cfg: cfg, logger: logger}
}

// RegisterRoutes mounts the event routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/events", h.Append)
	rg.POST("/events/batch", h.AppendBatch)
	rg.GET("/events", h.Query)
	rg.GET("/events/:id", h.GetByID)
	rg.POST("/events/verify", h.VerifyChain)
}

// eventRequest is the ingestion payload. Identity fields are deliberately
// absent; they are filled from the authenticated scope and the connection.
type eventRequest struct {
	EventType     string                 `json:"event_type" binding:"required"`
	EntityType    *string                `json:"entity_type"`
	EntityID      *string                `json:"entity_id"`
	ActionDetails map[string]interface{} `json:"action_details"`
	Severity      string                 `json:"severity" binding:"required"`
	Timestamp     *time.Time             `json:"timestamp"`
}

func (r *eventRequest) toDraft(c *gin.Context, scope tenant.Scope) models.EventDraft {
	draft := models.EventDraft{
		EventType:     r.EventType,
		EntityType:    r.EntityType,
		EntityID:      r.EntityID,
		ActionDetails: r.ActionDetails,
		Severity:      models.Severity(r.Severity),
	}
	if r.Timestamp != nil {
		draft.Timestamp = *r.Timestamp
	}
	if scope.UserID != "" {
		draft.ActingUser = &scope.UserID
	}
	if scope.Role != "" {
		draft.ActorRole = &scope.Role
	}
	if scope.Department != "" {
		draft.ActorDepartment = &scope.Department
	}
	if ip := c.ClientIP(); ip != "" {
		draft.IPAddress = &ip
	}
	if ua := c.Request.UserAgent(); ua != "" {
		draft.UserAgent = &ua
	}
	return draft
}

// Append handles POST /events.
func (h *Handler) Append(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	event, err := h.events.Append(c.Request.Context(), scope, req.toDraft(c, scope))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderEvent(event))
}

type batchRequest struct {
	Events []eventRequest `json:"events" binding:"required"`
}

// AppendBatch handles POST /events/batch. The batch is all-or-nothing.
func (h *Handler) AppendBatch(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	drafts := make([]models.EventDraft, len(req.Events))
	for i := range req.Events {
		drafts[i] = req.Events[i].toDraft(c, scope)
	}

	events, err := h.events.AppendBatch(c.Request.Context(), scope, drafts)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	out := make([]gin.H, len(events))
	for i, e := range events {
		out[i] = renderEvent(e)
	}
	c.JSON(http.StatusCreated, gin.H{"events": out, "count": len(out)})
}

// Query handles GET /events.
func (h *Handler) Query(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	filters, page, err := parseQuery(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	events, total, err := h.events.Query(c.Request.Context(), scope, filters, page)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	resp := gin.H{
		"events": renderEvents(events),
		"total":  total,
		"limit":  page.Limit,
		"offset": page.Offset,
	}

	// Verification runs when the caller asks for it or the server is
	// configured for opportunistic verification on every bulk read.
	verify := h.cfg.VerifyOnRead || c.Query("verify") == "true"
	if verify && len(events) > 0 {
		result := h.verifyRange(c, scope, events)
		resp["verification"] = gin.H{
			"intact":      result.Intact,
			"checked":     result.Checked,
			"break_point": result.BreakPoint,
		}
		if !result.Intact {
			c.JSON(http.StatusConflict, gin.H{
				"error": gin.H{
					"code":           "integrity_violation",
					"message":        "hash chain verification failed for the returned range",
					"correlation_id": c.GetString(middleware.RequestIDKey),
				},
				"verification": resp["verification"],
			})
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// verifyRange verifies the stored chain covering the sequence range of the
// returned page. Filtered queries return a non-contiguous subsequence of the
// chain, so the page rows themselves are never verified directly; the walk
// re-reads the underlying contiguous slice in sequence order instead.
func (h *Handler) verifyRange(c *gin.Context, scope tenant.Scope, events []*models.AuditEvent) hashchain.VerificationResult {
	ctx := c.Request.Context()
	minSeq, maxSeq := events[0].Seq, events[0].Seq
	for _, e := range events[1:] {
		if e.Seq < minSeq {
			minSeq = e.Seq
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}

	prior, err := h.events.PredecessorHash(ctx, scope, minSeq)
	if err != nil {
		h.logger.Error("predecessor lookup failed during read verification", "error", err)
		telemetry.ChainVerificationsTotal.WithLabelValues("read", "error").Inc()
		return hashchain.VerificationResult{Intact: true}
	}

	result := hashchain.VerificationResult{Intact: true}
	afterSeq := minSeq - 1
	for {
		chunk, sliceErr := h.events.ChainSlice(ctx, scope, afterSeq, verifyChunkSize)
		if sliceErr != nil {
			h.logger.Error("chain read failed during read verification", "error", sliceErr)
			telemetry.ChainVerificationsTotal.WithLabelValues("read", "error").Inc()
			return hashchain.VerificationResult{Intact: true, Checked: result.Checked}
		}
		if len(chunk) == 0 {
			break
		}

		r := hashchain.Verify(chunk, prior)
		result.Checked += r.Checked
		if !r.Intact {
			result.Intact = false
			result.BreakPoint = r.BreakPoint
			break
		}

		last := chunk[len(chunk)-1]
		prior = last.Hash
		afterSeq = last.Seq
		if last.Seq >= maxSeq || len(chunk) < verifyChunkSize {
			break
		}
	}

	outcome := "intact"
	if !result.Intact {
		outcome = "broken"
		breakPoint := ""
		if result.BreakPoint != nil {
			breakPoint = *result.BreakPoint
		}
		h.logger.Error("chain integrity violation detected on read",
			"tenant_id", scope.TenantID,
			"break_point", breakPoint,
			"correlation_id", c.GetString(middleware.RequestIDKey))
	}
	telemetry.ChainVerificationsTotal.WithLabelValues("read", outcome).Inc()
	return result
}

// GetByID handles GET /events/:id.
func (h *Handler) GetByID(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	event, err := h.events.GetByID(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if event == nil {
		respondError(c, http.StatusNotFound, "not_found", "no such event in this tenant")
		return
	}
	c.JSON(http.StatusOK, renderEvent(event))
}

// VerifyChain handles POST /events/verify: a full walk of the caller's
// chain. Verification only reports; it never modifies events.
func (h *Handler) VerifyChain(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	prior := hashchain.GenesisHash
	var afterSeq int64
	checked := 0
	for {
		chunk, err := h.events.ChainSlice(c.Request.Context(), scope, afterSeq, verifyChunkSize)
		if err != nil {
			h.respondStoreError(c, err)
			return
		}
		if len(chunk) == 0 {
			break
		}

		result := hashchain.Verify(chunk, prior)
		checked += result.Checked
		if !result.Intact {
			telemetry.ChainVerificationsTotal.WithLabelValues("api", "broken").Inc()
			c.JSON(http.StatusOK, gin.H{
				"intact":      false,
				"checked":     checked,
				"break_point": result.BreakPoint,
			})
			return
		}

		last := chunk[len(chunk)-1]
		prior = last.Hash
		afterSeq = last.Seq
		if len(chunk) < verifyChunkSize {
			break
		}
	}

	telemetry.ChainVerificationsTotal.WithLabelValues("api", "intact").Inc()
	c.JSON(http.StatusOK, gin.H{"intact": true, "checked": checked})
}

func parseQuery(c *gin.Context) (repositories.EventFilters, repositories.Page, error) {
	var filters repositories.EventFilters
	var page repositories.Page

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, page, errors.New("from must be RFC3339")
		}
		filters.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, page, errors.New("to must be RFC3339")
		}
		filters.To = &t
	}
	if raw := c.Query("event_types"); raw != "" {
		filters.EventTypes = strings.Split(raw, ",")
	}
	if raw := c.Query("acting_user"); raw != "" {
		filters.ActingUser = &raw
	}
	if raw := c.Query("entity_type"); raw != "" {
		filters.EntityType = &raw
	}
	if raw := c.Query("entity_id"); raw != "" {
		filters.EntityID = &raw
	}
	if raw := c.Query("severities"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filters.Severities = append(filters.Severities, models.Severity(s))
		}
	}
	if raw := c.Query("categories"); raw != "" {
		filters.Categories = strings.Split(raw, ",")
	}
	if raw := c.Query("risk_levels"); raw != "" {
		for _, r := range strings.Split(raw, ",") {
			filters.RiskLevels = append(filters.RiskLevels, models.RiskLevel(r))
		}
	}

	page.Limit = intQuery(c, "limit", 100)
	page.Offset = intQuery(c, "offset", 0)
	page.Descending = c.DefaultQuery("order", "asc") == "desc"
	return filters, page, nil
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func renderEvents(events []*models.AuditEvent) []gin.H {
	out := make([]gin.H, len(events))
	for i, e := range events {
		out[i] = renderEvent(e)
	}
	return out
}

func renderEvent(e *models.AuditEvent) gin.H {
	return gin.H{
		"id":               e.ID,
		"tenant_id":        e.TenantID,
		"event_type":       e.EventType,
		"acting_user":      e.ActingUser,
		"actor_role":       e.ActorRole,
		"actor_department": e.ActorDepartment,
		"entity_type":      e.EntityType,
		"entity_id":        e.EntityID,
		"action_details":   e.ActionDetails,
		"severity":         e.Severity,
		"ip_address":       e.IPAddress,
		"user_agent":       e.UserAgent,
		"timestamp":        e.Timestamp,
		"anomaly_score":    e.AnomalyScore,
		"is_anomaly":       e.IsAnomaly,
		"category":         e.Category,
		"risk_level":       e.RiskLevel,
		"tags":             e.Tags,
		"hash":             e.Hash,
		"previous_hash":    e.PreviousHash,
		"created_at":       e.CreatedAt,
	}
}

// respondStoreError maps repository errors onto the API error taxonomy.
func (h *Handler) respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tenant.ErrAuthorization):
		respondError(c, http.StatusForbidden, "authorization_denied", "access denied")
	case errors.Is(err, repositories.ErrValidation),
		errors.Is(err, repositories.ErrEmptyBatch),
		errors.Is(err, repositories.ErrBatchTooLarge):
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, repositories.ErrChainConflict):
		respondError(c, http.StatusConflict, "chain_conflict", "concurrent append conflict, retry")
	default:
		h.logger.Error("event store error",
			"error", err,
			"correlation_id", c.GetString(middleware.RequestIDKey))
		respondError(c, http.StatusInternalServerError, "external_dependency", "storage failure")
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"code":           code,
			"message":        message,
			"correlation_id": c.GetString(middleware.RequestIDKey),
		},
	})
}
