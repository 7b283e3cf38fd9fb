package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	// KindAuthentication covers bad or missing webhook signatures. Nothing is
	// persisted before an authentication failure.
	KindAuthentication ErrorKind = "authentication_error"
	// KindValidation covers malformed envelopes and missing required fields.
	KindValidation ErrorKind = "validation_error"
	// KindNotFound covers a missing parent story (fatal) and a missing vector
	// during the relevance check (absorbed).
	KindNotFound ErrorKind = "not_found_error"
	// KindUpstream covers non-success or unreachable completion, embedding and
	// index services.
	KindUpstream ErrorKind = "upstream_service_error"
	// KindPersistence covers content store write failures.
	KindPersistence ErrorKind = "persistence_error"
)

// Stage names the pipeline stage a failure was raised from.
type Stage string

const (
	StageAuthenticate Stage = "authenticate"
	StageValidate     Stage = "validate"
	StageClassify     Stage = "classify"
	StageExtract      Stage = "extract"
	StageEmbed        Stage = "embed"
	StageRelevance    Stage = "relevance"
)

// Error is a stage failure. Earlier stages' committed writes are not rolled
// back when a later stage fails.
type Error struct {
	Kind  ErrorKind
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func failStage(stage Stage, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// KindOf returns the taxonomy kind of err, or "" if err is not a stage error.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
