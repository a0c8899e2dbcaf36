// Package anomalies serves the detection review surface: flagged events,
// their explanations, reviewer feedback, alerts, and model lineage.
package anomalies

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/projectpulse/audit-engine/internal/db/models"
	"github.com/projectpulse/audit-engine/internal/db/repositories"
	"github.com/projectpulse/audit-engine/internal/middleware"
	"github.com/projectpulse/audit-engine/internal/tenant"
)

// Handler serves the anomaly review endpoints.
type Handler struct {
	anomalies *repositories.AnomalyRepository
	alerts    *repositories.AlertRepository
	modelRepo *repositories.ModelRepository
	logger    *slog.Logger
}

// NewHandler creates the anomalies handler.
func NewHandler(anomalies *repositories.AnomalyRepository, alerts *repositories.AlertRepository, modelRepo *repositories.ModelRepository, logger *slog.Logger) *Handler {
	return &Handler{anomalies: anomalies, alerts: alerts, modelRepo: modelRepo, logger: logger}
}

// RegisterRoutes mounts the anomaly routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/anomalies", h.List)
	rg.GET("/anomalies/:event_id", h.GetByEvent)
	rg.GET("/anomalies/:event_id/explanation", h.GetByEvent)
	rg.POST("/anomalies/:event_id/feedback", h.Feedback)
	rg.GET("/anomalies/stats/false-positive-rate", h.FalsePositiveRate)
	rg.GET("/alerts", h.ListAlerts)
	rg.GET("/alerts/bias", h.ListBiasAlerts)
	rg.GET("/models", h.ListModels)
}

// List handles GET /anomalies. Window defaults to the last 7 days.
func (h *Handler) List(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	from, to, err := parseWindow(c, 7*24*time.Hour)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	records, err := h.anomalies.List(c.Request.Context(), scope, from, to, limit, offset)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	out := make([]gin.H, len(records))
	for i, rec := range records {
		out[i] = renderRecord(rec)
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": out, "from": from, "to": to})
}

// GetByEvent handles GET /anomalies/:event_id and returns the record with
// its feature snapshot and the ranked attribution list computed at detection
// time. The /explanation alias serves the same payload.
func (h *Handler) GetByEvent(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	rec, err := h.anomalies.GetByEventID(c.Request.Context(), scope, c.Param("event_id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if rec == nil {
		respondError(c, http.StatusNotFound, "not_found", "event has no anomaly record")
		return
	}
	c.JSON(http.StatusOK, renderRecord(rec))
}

type feedbackRequest struct {
	IsFalsePositive bool    `json:"is_false_positive"`
	Notes           *string `json:"notes"`
}

// Feedback handles POST /anomalies/:event_id/feedback. Feedback annotates
// the anomaly record; the underlying event is never altered.
func (h *Handler) Feedback(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	rec, err := h.anomalies.GetByEventID(c.Request.Context(), scope, c.Param("event_id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if rec == nil {
		respondError(c, http.StatusNotFound, "not_found", "event has no anomaly record")
		return
	}

	fb := models.AnomalyFeedback{IsFalsePositive: req.IsFalsePositive, Notes: req.Notes}
	if err := h.anomalies.RecordFeedback(c.Request.Context(), scope, rec.ID, fb); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, http.StatusNotFound, "not_found", "anomaly record not found")
			return
		}
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record_id": rec.ID, "is_false_positive": req.IsFalsePositive})
}

// FalsePositiveRate handles GET /anomalies/stats/false-positive-rate over a
// window defaulting to 30 days.
func (h *Handler) FalsePositiveRate(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	from, _, err := parseWindow(c, 30*24*time.Hour)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	rate, reviewed, err := h.anomalies.FalsePositiveRate(c.Request.Context(), scope.TenantID, from)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"false_positive_rate": rate, "reviewed": reviewed, "since": from})
}

// ListAlerts handles GET /alerts.
func (h *Handler) ListAlerts(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	alerts, err := h.alerts.List(c.Request.Context(), scope, intQuery(c, "limit", 100), intQuery(c, "offset", 0))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	out := make([]gin.H, len(alerts))
	for i, a := range alerts {
		out[i] = gin.H{
			"id":                a.ID,
			"anomaly_record_id": a.AnomalyRecordID,
			"event_id":          a.EventID,
			"severity":          a.Severity,
			"message":           a.Message,
			"review_required":   a.ReviewRequired,
			"sent":              a.Sent,
			"sent_at":           a.SentAt,
			"created_at":        a.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

// ListBiasAlerts handles GET /alerts/bias. Bias findings compare detection
// rates platform-wide across tenants, so the route is restricted to the
// "admin" role, which is issued only to platform operators, never to
// tenant-level users.
func (h *Handler) ListBiasAlerts(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}
	if scope.Role != "admin" {
		respondError(c, http.StatusForbidden, "authorization_denied", "bias reports require the admin role")
		return
	}

	from, to, err := parseWindow(c, 30*24*time.Hour)
	if err != nil {
		respondError(c, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	alerts, err := h.alerts.ListBiasAlerts(c.Request.Context(), from, to)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	out := make([]gin.H, len(alerts))
	for i, b := range alerts {
		out[i] = gin.H{
			"id":           b.ID,
			"dimension":    b.GroupDimension,
			"window_start": b.WindowStart,
			"window_end":   b.WindowEnd,
			"max_group":    b.MaxGroup,
			"max_rate":     b.MaxRate,
			"min_group":    b.MinGroup,
			"min_rate":     b.MinRate,
			"gap":          b.Gap,
			"created_at":   b.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{"bias_alerts": out})
}

// ListModels handles GET /models: the caller's active model (if any), the
// shared baseline, and the tenant's version history.
func (h *Handler) ListModels(c *gin.Context) {
	scope, ok := middleware.ScopeFrom(c)
	if !ok {
		respondError(c, http.StatusForbidden, "authorization_denied", "no authenticated tenant")
		return
	}

	ctx := c.Request.Context()
	tenantModel, err := h.modelRepo.GetActive(ctx, models.ModelAnomalyDetector, &scope.TenantID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	baseline, err := h.modelRepo.GetActive(ctx, models.ModelAnomalyDetector, nil)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	history, err := h.modelRepo.History(ctx, models.ModelAnomalyDetector, &scope.TenantID, intQuery(c, "limit", 20))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	out := make([]gin.H, len(history))
	for i, m := range history {
		out[i] = renderModel(m)
	}
	c.JSON(http.StatusOK, gin.H{
		"tenant_model": renderModel(tenantModel),
		"baseline":     renderModel(baseline),
		"history":      out,
	})
}

func renderModel(m *models.ModelMetadata) gin.H {
	if m == nil {
		return nil
	}
	return gin.H{
		"version":           m.VersionString(),
		"training_date":     m.TrainingDate,
		"training_set_size": m.TrainingSetSize,
		"metrics":           m.Metrics,
		"active":            m.Active,
		"state":             m.State,
	}
}

func renderRecord(rec *models.AnomalyRecord) gin.H {
	return gin.H{
		"id":                  rec.ID,
		"event_id":            rec.EventID,
		"anomaly_score":       rec.AnomalyScore,
		"detection_timestamp": rec.DetectionTimestamp,
		"features_used":       rec.FeaturesUsed,
		"explanation":         rec.Explanation,
		"model_version":       rec.ModelVersion,
		"is_false_positive":   rec.IsFalsePositive,
		"feedback_notes":      rec.FeedbackNotes,
		"alert_sent":          rec.AlertSent,
	}
}

func parseWindow(c *gin.Context, span time.Duration) (from, to time.Time, err error) {
	to = time.Now().UTC()
	from = to.Add(-span)
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("from must be RFC3339")
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("to must be RFC3339")
		}
	}
	if !from.Before(to) {
		return from, to, errors.New("from must precede to")
	}
	return from, to, nil
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

func (h *Handler) respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, tenant.ErrAuthorization) {
		respondError(c, http.StatusForbidden, "authorization_denied", "access denied")
		return
	}
	h.logger.Error("anomaly store error",
		"error", err,
		"correlation_id", c.GetString(middleware.RequestIDKey))
	respondError(c, http.StatusInternalServerError, "external_dependency", "storage failure")
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
