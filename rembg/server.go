package rembg

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	nhttp "github.com/chaos-io/rmbg/util/http"
)

const (
	removePath        = "/api/remove"
	defaultHealthPath = "/api"
)

type ServerOption func(*ServerRemover)

func WithHealthPath(path string) ServerOption {
	return func(s *ServerRemover) {
		if path != "" {
			s.healthPath = path
		}
	}
}

func WithClient(cli nhttp.IClient) ServerOption {
	return func(s *ServerRemover) {
		if cli != nil {
			s.cli = cli
		}
	}
}

// WithAlphaMatting asks the server to refine edges with alpha matting.
func WithAlphaMatting(on bool) ServerOption {
	return func(s *ServerRemover) { s.alphaMatting = on }
}

// WithPostProcessMask asks the server to clean the raw mask before applying it.
func WithPostProcessMask(on bool) ServerOption {
	return func(s *ServerRemover) { s.postProcessMask = on }
}

// WithOnlyMask makes the server return the mask only; it is applied locally.
func WithOnlyMask(on bool) ServerOption {
	return func(s *ServerRemover) { s.onlyMask = on }
}

// WithFeather softens the mask edge over radius pixels. The softened mask is
// applied to the original image, so edge colours come from the input.
func WithFeather(radius int) ServerOption {
	return func(s *ServerRemover) {
		if radius > 0 {
			s.featherRadius = radius
		}
	}
}

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *ServerRemover) { s.logger = l }
}

// ServerRemover calls a rembg HTTP server (`rembg s`).
//
// The backend is probed lazily on the first Remove; a successful probe is
// remembered until the backend stops answering.
type ServerRemover struct {
	baseURL         string
	healthPath      string
	cli             nhttp.IClient
	alphaMatting    bool
	postProcessMask bool
	onlyMask        bool
	featherRadius   int
	logger          zerolog.Logger

	mu    sync.Mutex
	ready bool
}

func NewServerRemover(baseURL string, opts ...ServerOption) *ServerRemover {
	s := &ServerRemover{
		baseURL:    strings.TrimRight(baseURL, "/"),
		healthPath: defaultHealthPath,
		cli:        nhttp.NewHTTPClient(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Probe checks that the server answers on its health path.
func (s *ServerRemover) Probe(ctx context.Context) error {
	err := s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: s.baseURL + s.healthPath,
		Method:     http.MethodGet,
	})
	s.setReady(err == nil)
	if err != nil {
		return Unavailable("probe "+s.baseURL, err)
	}
	return nil
}

// Ready reports the outcome of the last probe or request.
func (s *ServerRemover) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *ServerRemover) setReady(ready bool) {
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()
}

func (s *ServerRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	if img == nil {
		return nil, errors.New("nil image")
	}

	if !s.Ready() {
		if err := s.Probe(ctx); err != nil {
			return nil, err
		}
		s.logger.Debug().Str("url", s.baseURL).Msg("rembg server reachable")
	}

	body, contentType, err := s.buildForm(img)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = s.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: s.baseURL + removePath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": contentType},
		Body:       body,
		Response:   &out,
	})
	if err != nil {
		return nil, s.classify(err)
	}
	if len(out) == 0 {
		return nil, errors.New("rembg server returned an empty body")
	}

	res, format, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, errors.Wrap(err, "decode rembg response")
	}
	s.logger.Debug().
		Int("bytes", len(out)).
		Str("format", format).
		Bool("only_mask", s.onlyMask).
		Msg("rembg response received")

	if !s.onlyMask && s.featherRadius == 0 {
		return res, nil
	}

	src := res
	if !s.onlyMask {
		src = MaskFromAlpha(res)
	}
	mask := Feather(MaskFromImage(src, img.Bounds()), s.featherRadius)
	return ApplyMask(img, mask), nil
}

/*
	curl -X POST "$BASE_URL/api/remove" \
	  -F "file=@my_image.png" \
	  -F "a=false" -F "ppm=false" -F "om=false"
*/
func (s *ServerRemover) buildForm(img image.Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, "", errors.Wrap(err, "create form file")
	}
	if err := png.Encode(part, img); err != nil {
		return nil, "", errors.Wrap(err, "encode upload")
	}

	fields := map[string]bool{
		"a":   s.alphaMatting,
		"ppm": s.postProcessMask,
		"om":  s.onlyMask,
	}
	for k, v := range fields {
		if err := writer.WriteField(k, strconv.FormatBool(v)); err != nil {
			return nil, "", errors.Wrapf(err, "write field %s", k)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", errors.Wrap(err, "close form")
	}
	return body, writer.FormDataContentType(), nil
}

// classify separates a backend that went away from one that failed while
// running the model.
func (s *ServerRemover) classify(err error) error {
	var se *nhttp.StatusError
	if errors.As(err, &se) {
		if se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusServiceUnavailable {
			s.setReady(false)
			return Unavailable("remove", err)
		}
		return errors.Wrap(err, "remove background")
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return errors.Wrap(err, "remove background timed out")
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "remove background canceled")
	}

	s.setReady(false)
	return Unavailable("remove", err)
}
