// model_metadata.go defines the ModelMetadata record: one row per training run
// of an anomaly detector or classifier, with at most one active row per
// (model type, tenant) pair. Activation is a swap, never an in-place edit.
package models

import (
	"strconv"
	"time"
)

// ModelType identifies which trained component a metadata row describes.
type ModelType string

// Known model types.
const (
	ModelAnomalyDetector    ModelType = "anomaly_detector"
	ModelCategoryClassifier ModelType = "category_classifier"
	ModelRiskClassifier     ModelType = "risk_classifier"
)

// ModelState tracks the per-tenant model lifecycle:
// UNTRAINED → TRAINED → STALE → RETRAINING → TRAINED.
type ModelState string

// Model lifecycle states.
const (
	ModelUntrained  ModelState = "untrained"
	ModelTrained    ModelState = "trained"
	ModelStale      ModelState = "stale"
	ModelRetraining ModelState = "retraining"
)

// ModelMetrics holds training evaluation metrics.
type ModelMetrics struct {
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Recall    *float64 `json:"recall,omitempty"`
}

// ModelMetadata is the versioned record of one trained model.
// TenantID nil means the shared baseline model used by tenants without
// enough history for their own.
type ModelMetadata struct {
	ID              string
	ModelType       ModelType
	Version         int
	TrainingDate    time.Time
	TrainingSetSize int
	Metrics         ModelMetrics
	TenantID        *string
	Active          bool
	State           ModelState
	CreatedAt       time.Time
}

// VersionString renders the version the way records and explanations
// reference it, e.g. "anomaly_detector/v3".
func (m *ModelMetadata) VersionString() string {
	if m == nil {
		return ""
	}
	return string(m.ModelType) + "/v" + strconv.Itoa(m.Version)
}
