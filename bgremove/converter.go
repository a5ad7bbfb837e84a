// Package bgremove turns encoded image bytes into a PNG whose background has
// been made transparent.
package bgremove

import (
	"context"
	"image"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/chaos-io/rmbg/rembg"
)

const (
	defaultMaxSize = 1024
	// alpha above this fraction counts as foreground in diagnostics
	foregroundThreshold = 0.5
)

type Option func(*Converter)

// WithLogger sets the diagnostic sink. The default discards everything. A
// logger attached to the context passed to RemoveBackground (zerolog's
// Logger.WithContext) takes precedence for that call.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Converter) { c.logger = l }
}

// WithMaxSize bounds the longest side of the image handed to the remover.
// 0 disables scaling.
func WithMaxSize(n int) Option {
	return func(c *Converter) {
		if n >= 0 {
			c.maxSize = n
		}
	}
}

// WithMaxPixels rejects inputs whose header declares more pixels than n.
// 0 disables the check.
func WithMaxPixels(n int64) Option {
	return func(c *Converter) {
		if n >= 0 {
			c.maxPixels = n
		}
	}
}

type Converter struct {
	remover   rembg.Remover
	logger    zerolog.Logger
	maxSize   int
	maxPixels int64

	encode func(image.Image) ([]byte, error)
}

func NewConverter(remover rembg.Remover, opts ...Option) *Converter {
	c := &Converter{
		remover:   remover,
		logger:    zerolog.Nop(),
		maxSize:   defaultMaxSize,
		maxPixels: DefaultMaxPixels,
		encode:    encodePNG,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RemoveBackground decodes data, removes its background and returns the
// result as PNG with the same dimensions as the input. Every failure is an
// *Error; data is never modified.
func (c *Converter) RemoveBackground(ctx context.Context, data []byte) (out []byte, err error) {
	l := c.loggerFor(ctx)
	stage := StageRead
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = NewError(KindUnexpected, stage, errors.Errorf("panic: %v", r))
			l.Error().Str("stage", string(stage)).Err(err).Msg("conversion panicked")
		}
	}()

	if len(data) == 0 {
		err = NewError(KindEmptyInput, stage, nil)
		l.Error().Str("stage", string(stage)).Err(err).Msg("empty input rejected")
		return nil, err
	}

	stage = StageDecode
	img, err := c.decode(l, data)
	if err != nil {
		return nil, err
	}

	stage = StageSegment
	res, err := c.segment(ctx, l, img)
	if err != nil {
		return nil, err
	}

	stage = StageEncode
	return c.encodeResult(l, res)
}

func (c *Converter) decode(l zerolog.Logger, data []byte) (image.Image, error) {
	l.Debug().Str("stage", string(StageDecode)).Int("bytes", len(data)).Msg("decode started")

	start := time.Now()
	img, format, err := decodeImage(data, c.maxPixels)
	if err != nil {
		err = NewError(KindDecode, StageDecode, err)
		l.Error().Str("stage", string(StageDecode)).Int("bytes", len(data)).Err(err).Msg("decode failed")
		return nil, err
	}

	b := img.Bounds()
	l.Info().
		Str("stage", string(StageDecode)).
		Str("format", format).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Dur("elapsed", time.Since(start)).
		Msg("decode finished")
	return img, nil
}

func (c *Converter) segment(ctx context.Context, l zerolog.Logger, img image.Image) (*image.NRGBA, error) {
	bounds := img.Bounds()
	input, scaled := resizeWithinMax(img, c.maxSize)
	l.Debug().
		Str("stage", string(StageSegment)).
		Int("width", input.Bounds().Dx()).
		Int("height", input.Bounds().Dy()).
		Bool("scaled", scaled).
		Msg("segment started")

	start := time.Now()
	res, err := c.runRemover(ctx, input)
	if err != nil {
		l.Error().
			Str("stage", string(StageSegment)).
			Str("kind", string(KindOf(err))).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("segment failed")
		return nil, err
	}

	var out *image.NRGBA
	if res.Bounds().Size() == bounds.Size() {
		out = toNRGBA(res)
	} else {
		// scale the mask, not the cutout, so colours stay at full resolution
		mask := rembg.MaskFromImage(rembg.MaskFromAlpha(res), bounds)
		out = rembg.ApplyMask(img, mask)
	}

	transparent := hasUsefulAlpha(out)
	ev := l.Info()
	if !transparent {
		ev = l.Warn()
	}
	ev = ev.Str("stage", string(StageSegment)).
		Dur("elapsed", time.Since(start)).
		Bool("transparent", transparent)
	if bbox, found := alphaBBox(out, foregroundThreshold); found {
		ev = ev.Str("foreground", bbox.String())
	}
	ev.Msg("segment finished")

	return out, nil
}

// runRemover calls the remover and sorts its failure into a Kind.
func (c *Converter) runRemover(ctx context.Context, img image.Image) (image.Image, error) {
	if c.remover == nil {
		return nil, NewError(KindDependencyMissing, StageSegment, errors.New("no segmentation backend configured"))
	}

	res, err := c.remover.Remove(ctx, img)
	if err != nil {
		kind := KindInference
		if errors.Is(err, rembg.ErrUnavailable) {
			kind = KindDependencyMissing
		}
		return nil, NewError(kind, StageSegment, err)
	}
	if res == nil {
		return nil, NewError(KindInference, StageSegment, errors.New("segmentation returned no image"))
	}
	return res, nil
}

func (c *Converter) encodeResult(l zerolog.Logger, img *image.NRGBA) ([]byte, error) {
	l.Debug().Str("stage", string(StageEncode)).Msg("encode started")

	start := time.Now()
	out, err := c.encode(img)
	if err != nil {
		err = NewError(KindEncode, StageEncode, err)
		l.Error().Str("stage", string(StageEncode)).Err(err).Msg("encode failed")
		return nil, err
	}

	l.Info().
		Str("stage", string(StageEncode)).
		Int("bytes", len(out)).
		Dur("elapsed", time.Since(start)).
		Msg("encode finished")
	return out, nil
}

func (c *Converter) loggerFor(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return c.logger
}
