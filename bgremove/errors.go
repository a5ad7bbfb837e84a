package bgremove

import (
	"github.com/pkg/errors"
)

// Kind is a stable failure category. Callers branch on Kind, not on the
// message.
type Kind string

const (
	KindEmptyInput        Kind = "EmptyInput"
	KindDependencyMissing Kind = "DependencyMissing"
	KindDecode            Kind = "Decode"
	KindInference         Kind = "Inference"
	KindEncode            Kind = "Encode"
	KindUnexpected        Kind = "Unexpected"
)

// Stage is one step of the conversion pipeline.
type Stage string

const (
	StageRead    Stage = "read"
	StageDecode  Stage = "decode"
	StageSegment Stage = "segment"
	StageEncode  Stage = "encode"
	StageWrite   Stage = "write"
)

// Error is returned by every failing conversion.
type Error struct {
	Kind  Kind
	Stage Stage
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Stage) + ": " + describe(e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func describe(k Kind) string {
	switch k {
	case KindEmptyInput:
		return "no input bytes"
	case KindDependencyMissing:
		return "segmentation backend unavailable"
	case KindDecode:
		return "input is not a decodable image"
	case KindInference:
		return "segmentation failed"
	case KindEncode:
		return "png encoding failed"
	default:
		return "unexpected failure"
	}
}

// NewError builds an *Error. The cause keeps its stack when it has one.
func NewError(kind Kind, stage Stage, cause error) error {
	return &Error{Kind: kind, Stage: stage, Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the Kind of err. Errors that did not come from this package
// are KindUnexpected; nil is "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return KindUnexpected
	}
	return e.Kind
}

// StageOf returns the failing stage, or "" when unknown.
func StageOf(err error) Stage {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Stage
}
