package model

import (
	"errors"
)

var (
	ErrNoActiveJob    = errors.New("no active job")
	ErrInvalidJobID   = errors.New("invalid job id")
	ErrNoBrowser      = errors.New("no browser")
	ErrNoOperation    = errors.New("no operation")
	ErrNoTabs         = errors.New("no tab could be opened")
	ErrTabBroken      = errors.New("tab is broken")
	ErrUnknownJobType = errors.New("unknown job type")
)

// StructuralError prevents a job from running at all.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

func Structural(op string, err error) error {
	return &StructuralError{Op: op, Err: err}
}
