package scheduler

import (
	"encoding/json"

	"github.com/modelplane-io/modelplane/internal/catalog"
	"github.com/modelplane-io/modelplane/internal/fault"
	"github.com/modelplane-io/modelplane/internal/training"
)

// Typed job payloads, one variant per JobKind. The Job row stores the JSON
// encoding; handlers decode with Decode.

// FeatureComputePayload drives a feature_compute job.
type FeatureComputePayload struct {
	DatasetID string                `json:"datasetId"`
	Config    catalog.FeatureConfig `json:"config"`
}

// TrainPayload drives a train job.
type TrainPayload struct {
	training.Request
}

// DriftPayload drives a data_drift job.
type DriftPayload struct {
	ModelID string `json:"modelId"`
}

// ConceptDriftPayload drives a concept_drift job.
type ConceptDriftPayload struct {
	ModelID string `json:"modelId"`
}

// BiasPayload drives a bias job.
type BiasPayload struct {
	ModelID string `json:"modelId"`
}

// RetrainPayload drives a retrain job. The retrain row carries the trigger
// reason and merge strategy; the job only references it.
type RetrainPayload struct {
	RetrainJobID string `json:"retrainJobId"`
}

// ABEvaluatePayload drives an ab_evaluate job.
type ABEvaluatePayload struct {
	TestID string `json:"testId"`
}

// Decode unmarshals a job's payload into its typed variant.
func Decode[T any](job *catalog.Job) (T, error) {
	var p T

	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fault.Validation("decoding %s payload for job %s: %v", job.Kind, job.ID, err)
	}

	return p, nil
}

func encodePayload(kind catalog.JobKind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Validation("encoding %s payload: %v", kind, err)
	}

	return data, nil
}
