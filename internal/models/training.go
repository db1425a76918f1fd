package models

import "time"

// TrainingState is a state of the training orchestrator.
type TrainingState string

const (
	StateIdle          TrainingState = "idle"
	StateLoading       TrainingState = "loading"
	StatePreprocessing TrainingState = "preprocessing"
	StateTraining      TrainingState = "training"
	StateEvaluating    TrainingState = "evaluating"
	StatePersisting    TrainingState = "persisting"
	StateDone          TrainingState = "done"
	StateFailed        TrainingState = "failed"
	StateCancelled     TrainingState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s TrainingState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// StateTransition records when the orchestrator entered a state.
type StateTransition struct {
	State     TrainingState `json:"state"`
	EnteredAt time.Time     `json:"entered_at"`
}

// EpochMetrics holds one epoch of the training curves.
type EpochMetrics struct {
	Epoch              int     `json:"epoch"`
	Loss               float64 `json:"loss"`
	Accuracy           float64 `json:"accuracy"`
	ValidationLoss     float64 `json:"val_loss"`
	ValidationAccuracy float64 `json:"val_accuracy"`
	LearningRate       float64 `json:"learning_rate"`
}

// ClassMetrics is one row of the classification report.
type ClassMetrics struct {
	Label     CommandType `json:"label"`
	Support   int         `json:"support"`
	Precision float64     `json:"precision"`
	Recall    float64     `json:"recall"`
	F1        float64     `json:"f1"`
}

// WordFrequency is a token and its count in the training corpus.
type WordFrequency struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// LengthStats describes utterance lengths (in characters) for one label.
type LengthStats struct {
	Count int     `json:"count"`
	Min   int     `json:"min"`
	Max   int     `json:"max"`
	Mean  float64 `json:"mean"`
}

// TrainingReport is the diagnostic output of one run. It is never used for decisions.
type TrainingReport struct {
	Accuracy            float64                     `json:"accuracy"`
	ClassNames          []CommandType               `json:"class_names"`
	ConfusionMatrix     [][]int                     `json:"confusion_matrix"`
	Classes             []ClassMetrics              `json:"classes"`
	Epochs              []EpochMetrics              `json:"epochs"`
	BestEpoch           int                         `json:"best_epoch"`
	StoppedEarly        bool                        `json:"stopped_early"`
	CommandDistribution map[CommandType]int         `json:"command_distribution"`
	TopWords            []WordFrequency             `json:"top_words"`
	InputLengths        map[CommandType]LengthStats `json:"input_lengths"`
	UniqueWords         int                         `json:"unique_words"`
	VocabularySize      int                         `json:"vocabulary_size"`
	Transitions         []StateTransition           `json:"transitions"`
}

// TrainingRun is the persisted record of a training run.
type TrainingRun struct {
	ID              string          `json:"id" db:"id"`
	State           TrainingState   `json:"state" db:"state"`
	Trigger         string          `json:"trigger" db:"triggered_by"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	ArtifactVersion string          `json:"artifact_version,omitempty" db:"artifact_version"`
	Accuracy        float64         `json:"accuracy" db:"accuracy"`
	SampleCount     int             `json:"sample_count" db:"sample_count"`
	TrainCount      int             `json:"train_count" db:"train_count"`
	ValidationCount int             `json:"validation_count" db:"validation_count"`
	ExcludedUnknown int             `json:"excluded_unknown" db:"excluded_unknown"`
	UsedSeedCorpus  bool            `json:"used_seed_corpus" db:"used_seed_corpus"`
	ErrorMessage    string          `json:"error_message,omitempty" db:"error_message"`
	Report          *TrainingReport `json:"report,omitempty" db:"-"`
}

// Prediction is the classifier output for one utterance.
type Prediction struct {
	Label            CommandType             `json:"command_type"`
	Confidence       float64                 `json:"confidence"`
	AllProbabilities map[CommandType]float64 `json:"all_probabilities"`
	ModelVersion     string                  `json:"model_version"`
}

// Recommendation is a human-readable training data suggestion.
type Recommendation struct {
	Kind    string      `json:"kind"`
	Label   CommandType `json:"label,omitempty"`
	Share   float64     `json:"share,omitempty"`
	Message string      `json:"message"`
}

const (
	RecommendationUnderrepresented = "underrepresented"
	RecommendationOverrepresented  = "overrepresented"
	RecommendationLowDiversity     = "low_diversity"
	RecommendationNoData           = "no_data"
	RecommendationHealthy          = "healthy"
)
