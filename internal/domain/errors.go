package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrEmptyTargetURL  = errors.New("target url is required")
	ErrDecode          = errors.New("decode status event")
	ErrMissingArtifact = errors.New("clone completed without a result")
	ErrChannelClosed   = errors.New("status channel closed")
	ErrChannelLost     = errors.New("lost connection to status channel")
)

// GenericSubmissionFailure is shown when the backend gives no usable detail.
const GenericSubmissionFailure = "failed to submit clone request"

// SubmissionError reports a failed attempt to create a job. Detail is the
// human readable reason shown to the observer.
type SubmissionError struct {
	StatusCode int
	Detail     string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return GenericSubmissionFailure
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
