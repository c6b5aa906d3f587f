package pipeline

import (
	"errors"
	"fmt"
)

// FailureClass buckets step failures for retry decisions.
type FailureClass string

const (
	// FailureValidation: malformed input photos or measurements. Not
	// worth retrying, the input will not improve.
	FailureValidation FailureClass = "validation"
	// FailureCollaborator: an inference or storage call failed or
	// timed out. Retryable.
	FailureCollaborator FailureClass = "collaborator"
	// FailureDataIntegrity: a required prior record is missing, e.g.
	// regeneration without measurements. Not retryable; surfaced to
	// the caller directly.
	FailureDataIntegrity FailureClass = "data_integrity"
	// FailureTransient: infrastructure blips. Retryable.
	FailureTransient FailureClass = "transient"
)

// Failure is a classified step error carrying the code persisted on
// the job and the retryable flag carried by failure events.
type Failure struct {
	Class     FailureClass
	Code      string
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Code
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func ValidationFailure(code string, err error) *Failure {
	return &Failure{Class: FailureValidation, Code: code, Retryable: false, Err: err}
}

func CollaboratorFailure(code string, err error) *Failure {
	return &Failure{Class: FailureCollaborator, Code: code, Retryable: true, Err: err}
}

func DataIntegrityFailure(code string, err error) *Failure {
	return &Failure{Class: FailureDataIntegrity, Code: code, Retryable: false, Err: err}
}

func TransientFailure(code string, err error) *Failure {
	return &Failure{Class: FailureTransient, Code: code, Retryable: true, Err: err}
}

// Classify maps any step error onto the failure taxonomy. Unclassified
// errors default to retryable, per the failure contract.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Class: FailureTransient, Code: "INTERNAL_ERROR", Retryable: true, Err: err}
}
