// anomaly_record.go defines the AnomalyRecord model: one detection outcome per
// anomaly-flagged event, carrying the feature snapshot used for the decision so
// every flag is explainable after the fact.
package models

import "time"

// FeatureAttribution is one entry of the ranked explanation for a flagged
// event: how much a single feature contributed to the anomaly score.
type FeatureAttribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// AnomalyRecord is created exactly once per event whose anomaly score crossed
// the detection threshold. Only the feedback fields (IsFalsePositive,
// FeedbackNotes) are ever mutated after creation.
type AnomalyRecord struct {
	ID                 string
	EventID            string
	TenantID           string
	AnomalyScore       float64
	DetectionTimestamp time.Time
	FeaturesUsed       map[string]float64 // Input snapshot, for explainability
	Explanation        []FeatureAttribution
	ModelVersion       string
	IsFalsePositive    bool
	FeedbackNotes      *string
	AlertSent          bool
	CreatedAt          time.Time
}

// AnomalyFeedback carries a human reviewer's verdict on a flagged event.
type AnomalyFeedback struct {
	IsFalsePositive bool
	Notes           *string
}
