// Package rembg wraps the segmentation capability that separates an image's
// foreground from its background.
package rembg

import (
	"context"
	"image"

	"github.com/pkg/errors"
)

// ErrUnavailable reports that the segmentation backend cannot be loaded or
// reached. Match it with errors.Is.
var ErrUnavailable = errors.New("rembg: segmentation backend unavailable")

// Remover returns a copy of img whose background pixels are transparent.
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Prober is implemented by removers whose backend can be checked without
// running inference.
type Prober interface {
	Probe(ctx context.Context) error
}

type unavailableError struct {
	op    string
	cause error
}

func (e *unavailableError) Error() string {
	if e.cause == nil {
		return ErrUnavailable.Error() + ": " + e.op
	}
	return ErrUnavailable.Error() + ": " + e.op + ": " + e.cause.Error()
}

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *unavailableError) Unwrap() error { return e.cause }

// Unavailable wraps cause so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, cause error) error {
	return errors.WithStack(&unavailableError{op: op, cause: cause})
}
