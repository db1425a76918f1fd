package trainer

import (
	"errors"
	"fmt"

	"intent-service/internal/models"
)

// ErrTrainingInProgress is returned when a run is requested while another
// one is still in flight.
var ErrTrainingInProgress = errors.New("a training run is already in progress")

// DataError reports a corpus the classifier cannot be trained on.
type DataError struct {
	Reason string
}

func (e *DataError) Error() string {
	return "training data error: " + e.Reason
}

// TrainingFailure reports a run that aborted after its data was accepted.
type TrainingFailure struct {
	Stage models.TrainingState
	Err   error
}

func (e *TrainingFailure) Error() string {
	return fmt.Sprintf("training failed during %s: %v", e.Stage, e.Err)
}

func (e *TrainingFailure) Unwrap() error { return e.Err }
