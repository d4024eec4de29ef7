// Package catalog provides the domain model for the modelplane metadata
// catalog: datasets, feature sets, models, baselines, predictions, metrics,
// alerts, jobs, A/B tests and retrain jobs.
//
// This package defines the entity types, their lifecycle state machines and
// the store interfaces the domain needs for persistence, following the
// Dependency Inversion Principle. Concrete implementations (PostgreSQL,
// in-memory) live in the internal/storage package.
package catalog

import (
	"time"
)

// ColumnType is the logical type of a dataset column.
type ColumnType string

// Supported column types.
const (
	ColumnFloat     ColumnType = "float"
	ColumnInt       ColumnType = "int"
	ColumnString    ColumnType = "string"
	ColumnBool      ColumnType = "bool"
	ColumnTimestamp ColumnType = "timestamp"
)

// Column is one entry of an ordered dataset schema.
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// DatasetStatus is the dataset lifecycle state.
type DatasetStatus string

// Dataset lifecycle states. A dataset is immutable once ACTIVE; a new
// version is a new entity with ParentID linkage.
const (
	DatasetProcessing DatasetStatus = "PROCESSING"
	DatasetActive     DatasetStatus = "ACTIVE"
	DatasetArchived   DatasetStatus = "ARCHIVED"
)

// Dataset is a versioned, immutable tabular dataset identified by
// (Name, Version).
type Dataset struct {
	ID          string
	Name        string
	Version     int
	RowCount    int
	ColumnCount int
	Schema      []Column
	Checksum    string // sha256 over the dataset bytes
	BlobRef     string // artifact store reference
	Status      DatasetStatus
	ParentID    string // previous version, empty for the first
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FeatureConfig controls which feature families the pipeline computes and
// how selection prunes them.
type FeatureConfig struct {
	Transaction bool `json:"transaction" yaml:"transaction"`
	Behavioral  bool `json:"behavioral" yaml:"behavioral"`
	Temporal    bool `json:"temporal" yaml:"temporal"`
	Aggregation bool `json:"aggregation" yaml:"aggregation"`

	// AggregationWindows are the rolling windows for the aggregation family,
	// anchored on per-row event time. Values are Go duration strings.
	AggregationWindows []string `json:"aggregationWindows" yaml:"aggregation_windows"`

	VarianceThreshold    float64 `json:"varianceThreshold" yaml:"variance_threshold"`
	CorrelationThreshold float64 `json:"correlationThreshold" yaml:"correlation_threshold"`
	MaxFeatures          int     `json:"maxFeatures" yaml:"max_features"`
}

// DefaultFeatureConfig returns the default pipeline configuration: all
// families on, the standard rolling windows and the documented selection
// defaults.
func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		Transaction:          true,
		Behavioral:           true,
		Temporal:             true,
		Aggregation:          true,
		AggregationWindows:   []string{"1h", "6h", "24h", "168h", "720h"},
		VarianceThreshold:    0.01,
		CorrelationThreshold: 0.95,
		MaxFeatures:          30,
	}
}

// FeatureSetStatus is the feature set lifecycle state.
type FeatureSetStatus string

// Feature set lifecycle states.
const (
	FeatureSetPending   FeatureSetStatus = "PENDING"
	FeatureSetRunning   FeatureSetStatus = "RUNNING"
	FeatureSetCompleted FeatureSetStatus = "COMPLETED"
	FeatureSetFailed    FeatureSetStatus = "FAILED"
)

// FeatureScore records the per-stage selection scores for one feature.
type FeatureScore struct {
	Feature    string  `json:"feature"`
	Variance   float64 `json:"variance"`
	MutualInfo float64 `json:"mutualInfo"`
	Importance float64 `json:"importance"`
	RankAvg    float64 `json:"rankAvg"`
}

// FeatureSet is the output of one feature pipeline run over a dataset.
// SchemaHash uniquely determines the feature extraction contract seen at
// inference: SHA-256 over the final ordered (name, dtype) list.
type FeatureSet struct {
	ID               string
	DatasetID        string
	Config           FeatureConfig
	AllFeatures      []string
	SelectedFeatures []string
	Scores           []FeatureScore
	SchemaHash       string
	ArtifactRef      string // feature matrix blob
	Status           FeatureSetStatus
	Error            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ModelStatus is the model lifecycle state.
type ModelStatus string

// Model lifecycle states. At most one model is PRODUCTION globally.
const (
	ModelTrained    ModelStatus = "TRAINED"
	ModelStaging    ModelStatus = "STAGING"
	ModelProduction ModelStatus = "PRODUCTION"
	ModelArchived   ModelStatus = "ARCHIVED"
)

// Model is a registered, versioned model artifact.
type Model struct {
	ID           string
	Algorithm    string
	Hyperparams  map[string]float64
	FeatureSetID string
	SchemaHash   string // copied from the feature set at registration
	Metrics      map[string]float64
	Importance   map[string]float64
	// FeatureNames is the exact ordered feature list applied at scoring
	// time. Must equal FeatureSet.SelectedFeatures.
	FeatureNames   []string
	NativeRef      string
	PortableRef    string
	Checksum       string // sha256 over the portable artifact
	Status         ModelStatus
	ArchivedReason string
	PromotedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BaselineOperator compares a model metric against a baseline threshold.
type BaselineOperator string

// Baseline comparison operators.
const (
	OpGTE BaselineOperator = ">="
	OpLTE BaselineOperator = "<="
	OpGT  BaselineOperator = ">"
	OpLT  BaselineOperator = "<"
	OpEQ  BaselineOperator = "="
)

// Baseline is a threshold on a model metric, unique per
// (ModelID, MetricName), enforced at promotion time and monitored in
// production.
type Baseline struct {
	ID         string
	ModelID    string
	MetricName string
	Threshold  float64
	Operator   BaselineOperator
	CreatedAt  time.Time
}

// Satisfied reports whether value meets the baseline.
func (b Baseline) Satisfied(value float64) bool {
	switch b.Operator {
	case OpGTE:
		return value >= b.Threshold
	case OpLTE:
		return value <= b.Threshold
	case OpGT:
		return value > b.Threshold
	case OpLT:
		return value < b.Threshold
	case OpEQ:
		return value == b.Threshold
	default:
		return false
	}
}

// Explanation is the top-k positive and negative feature contributions for
// one prediction.
type Explanation struct {
	Positive []FeatureContribution `json:"positive"`
	Negative []FeatureContribution `json:"negative"`
}

// FeatureContribution is one feature's signed contribution to a score.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// Prediction is one append-only scoring record. ActualLabel arrives later
// from the labeling pipeline. Storage is time-partitioned by CreatedAt.
type Prediction struct {
	ID          string
	ModelID     string
	Input       map[string]float64
	Score       float64
	Label       bool
	Confidence  float64
	Explanation *Explanation
	LatencyMS   float64
	Degraded    bool
	CreatedAt   time.Time
	ActualLabel *bool
}

// MetricStatus is the severity band of a monitoring metric value.
type MetricStatus string

// Metric status bands.
const (
	MetricOK       MetricStatus = "OK"
	MetricWarning  MetricStatus = "WARNING"
	MetricCritical MetricStatus = "CRITICAL"
)

// DriftKind distinguishes the monitoring job families writing drift rows.
type DriftKind string

// Drift kinds.
const (
	DriftData    DriftKind = "data"
	DriftConcept DriftKind = "concept"
)

// DriftMetric is one data- or concept-drift measurement for a model.
type DriftMetric struct {
	ID          string
	ModelID     string
	Kind        DriftKind
	Feature     string // feature name for data drift, metric name for concept
	MetricName  string // psi, ks, ks_pvalue, chi2, relative_degradation, ...
	Value       float64
	Status      MetricStatus
	WindowStart time.Time
	WindowEnd   time.Time
	ComputedAt  time.Time
}

// BiasMetric is one fairness measurement for a protected attribute.
type BiasMetric struct {
	ID          string
	ModelID     string
	Attribute   string
	MetricName  string // demographic_parity, equalized_odds, disparate_impact, fpr_parity
	Value       float64
	Status      MetricStatus
	WindowStart time.Time
	WindowEnd   time.Time
	ComputedAt  time.Time
}

// AlertSeverity grades an alert.
type AlertSeverity string

// Alert severities.
const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the alert lifecycle state.
type AlertStatus string

// Alert lifecycle states. DISMISSED is a terminal alternative to the
// ACTIVE → ACKNOWLEDGED → RESOLVED flow.
const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
	AlertDismissed    AlertStatus = "DISMISSED"
)

// Alert is a deduplicated, severity-tagged event. At most one ACTIVE alert
// exists per DedupKey.
type Alert struct {
	ID             string
	SourceKind     string // monitoring, training, scheduler, registry
	SourceRef      string // weak reference (model id, job id)
	Severity       AlertSeverity
	Title          string
	Details        string
	DedupKey       string
	Status         AlertStatus
	Occurrences    int
	CreatedAt      time.Time
	LastSeenAt     time.Time
	AcknowledgedAt *time.Time
	ResolvedAt     *time.Time
}

// JobKind discriminates the typed job payload.
type JobKind string

// Job kinds, one per payload variant.
const (
	JobFeatureCompute JobKind = "feature_compute"
	JobTrain          JobKind = "train"
	JobDataDrift      JobKind = "data_drift"
	JobConceptDrift   JobKind = "concept_drift"
	JobBias           JobKind = "bias"
	JobRetrain        JobKind = "retrain"
	JobABEvaluate     JobKind = "ab_evaluate"
)

// JobState is the job lifecycle state.
type JobState string

// Job lifecycle states.
const (
	JobQueued    JobState = "QUEUED"
	JobRunning   JobState = "RUNNING"
	JobCompleted JobState = "COMPLETED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
)

// Job is one unit of background work. Payload is the JSON encoding of the
// typed payload variant for Kind. IdempotencyKey uniqueness prevents
// duplicate work; Recurring jobs carry a cron Schedule and NextRunAt.
type Job struct {
	ID             string
	Kind           JobKind
	State          JobState
	Progress       float64 // monotonic in [0,1]
	Stage          string
	IdempotencyKey string
	Payload        []byte
	Schedule       string // cron expression, recurring jobs only
	Recurring      bool
	Enabled        bool
	NextRunAt      *time.Time
	Retries        int
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ABState is the A/B test lifecycle state.
type ABState string

// A/B test lifecycle states.
const (
	ABDraft      ABState = "DRAFT"
	ABRunning    ABState = "RUNNING"
	ABEvaluating ABState = "EVALUATING"
	ABCompleted  ABState = "COMPLETED"
	ABAborted    ABState = "ABORTED"
)

// ABRecommendation is the outcome of an A/B evaluation.
type ABRecommendation string

// A/B evaluation outcomes.
const (
	ChallengerWins          ABRecommendation = "CHALLENGER_WINS"
	ChampionWins            ABRecommendation = "CHAMPION_WINS"
	NoSignificantDifference ABRecommendation = "NO_SIGNIFICANT_DIFFERENCE"
)

// ABTest is a champion/challenger traffic-split experiment.
type ABTest struct {
	ID                string
	ChampionModelID   string
	ChallengerModelID string
	// TrafficSplit is the challenger share in [0,1].
	TrafficSplit      float64
	MinSamples        int
	PrimaryMetric     string
	MirrorMode        bool
	AutoPromote       bool
	ChampionSamples   int
	ChallengerSamples int
	State             ABState
	Result            ABRecommendation
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RetrainReason tags why a retrain was triggered. Bias-triggered retrains
// require human approval regardless of metrics.
type RetrainReason string

// Retrain trigger reasons.
const (
	ReasonScheduled      RetrainReason = "SCHEDULED"
	ReasonDataDrift      RetrainReason = "DATA_DRIFT"
	ReasonConceptDrift   RetrainReason = "CONCEPT_DRIFT"
	ReasonBiasDetected   RetrainReason = "BIAS_DETECTED"
	ReasonPerformanceLow RetrainReason = "PERFORMANCE_DEGRADATION"
	ReasonManual         RetrainReason = "MANUAL"
)

// RetrainState is the retrain pipeline state.
type RetrainState string

// Retrain pipeline states.
const (
	RetrainPending    RetrainState = "PENDING"
	RetrainDataPrep   RetrainState = "DATA_PREPARATION"
	RetrainTraining   RetrainState = "TRAINING"
	RetrainValidation RetrainState = "VALIDATION"
	RetrainComparison RetrainState = "COMPARISON"
	RetrainPromoted   RetrainState = "PROMOTED"
	RetrainRejected   RetrainState = "REJECTED"
	RetrainFailed     RetrainState = "FAILED"
)

// MergeKind selects how new labeled data is merged with the historical
// training data during retraining.
type MergeKind string

// Merge strategies.
const (
	MergeReplace       MergeKind = "replace"
	MergeAppend        MergeKind = "append"
	MergeWeighted      MergeKind = "weighted"
	MergeSlidingWindow MergeKind = "sliding_window"
)

// MergeStrategy is a merge kind plus its parameters.
type MergeStrategy struct {
	Kind      MergeKind `json:"kind"`
	NewWeight float64   `json:"newWeight,omitempty"` // weighted only
	MaxRows   int       `json:"maxRows,omitempty"`   // sliding_window only
}

// RetrainJob is the state-machine record for one automated retraining run.
type RetrainJob struct {
	ID               string
	BaseModelID      string
	CandidateModelID string
	Reason           RetrainReason
	Strategy         MergeStrategy
	PrimaryMetric    string
	MinImprovement   float64
	AutoPromote      bool
	State            RetrainState
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
