package types

import (
	"errors"
	"fmt"
)

var (
	ErrProcessorNotReady = errors.New("processor not ready")
	ErrSinkClosed        = errors.New("sink closed")
)

type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error at stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func NewPipelineError(stage string, err error) error {
	return &PipelineError{Stage: stage, Err: err}
}

// InspectError 回调内部无法继续时抛出的错误，abort 策略下作为 panic 的值
type InspectError struct {
	Callback string
	Err      error
}

func (e *InspectError) Error() string {
	return fmt.Sprintf("inspector callback %s aborted: %v", e.Callback, e.Err)
}

func (e *InspectError) Unwrap() error {
	return e.Err
}

func NewInspectError(callback string, err error) *InspectError {
	return &InspectError{Callback: callback, Err: err}
}
