package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"github.com/chaos-io/rmbg/bgremove"
	"github.com/chaos-io/rmbg/metrics"
	"github.com/chaos-io/rmbg/util"
)

const (
	requestIDHeader   = "X-Request-ID"
	multipartOverhead = 1 << 20
)

// Converter is the part of bgremove.Converter the HTTP surface needs.
type Converter interface {
	RemoveBackground(ctx context.Context, data []byte) ([]byte, error)
}

type Server struct {
	engine        *gin.Engine
	conv          Converter
	health        *HealthMonitor
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	maxInputBytes int64
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

func NewServer(conv Converter, health *HealthMonitor, m *metrics.Metrics, logger zerolog.Logger, maxInputBytes int64) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:        gin.New(),
		conv:          conv,
		health:        health,
		metrics:       m,
		logger:        logger,
		maxInputBytes: maxInputBytes,
	}

	s.engine.Use(s.requestLogger(), gin.CustomRecovery(s.onPanic))
	s.engine.POST("/remove-bg", s.removeBG)
	s.engine.GET("/healthz", s.healthz)
	if m != nil {
		s.engine.GET("/metrics", gin.WrapH(m.Handler()))
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// requestLogger attaches a request scoped logger to the context and logs the
// outcome of every request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = ksuid.New().String()
		}
		c.Header(requestIDHeader, rid)

		logger := s.logger.With().
			Str("request_id", rid).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("remote_ip", c.ClientIP()).
			Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		c.Next()

		status := c.Writer.Status()
		if s.metrics != nil {
			path := c.FullPath()
			if path == "" {
				path = "unmatched"
			}
			s.metrics.ObserveRequest(c.Request.Method, path, status)
		}

		ev := logger.Info()
		if status >= http.StatusInternalServerError {
			ev = logger.Error()
		}
		ev.Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("duration", time.Since(start)).
			Msg("http request served")
	}
}

func (s *Server) onPanic(c *gin.Context, recovered any) {
	zerolog.Ctx(c.Request.Context()).Error().Interface("panic", recovered).Msg("handler panicked")
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
		Message: "An error occurred while processing your request.",
	})
}

// removeBG handles POST /remove-bg. The image comes either as the multipart
// field "image" or as the raw request body.
func (s *Server) removeBG(c *gin.Context) {
	data, err := s.readImage(c)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, util.ErrInputTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, errorResponse{Message: "Could not read the uploaded image.", Error: err.Error()})
		return
	}

	start := time.Now()
	out, err := s.conv.RemoveBackground(c.Request.Context(), data)
	result := "ok"
	if err != nil {
		result = string(bgremove.KindOf(err))
	}
	if s.metrics != nil {
		s.metrics.ObserveConversion(result, len(data), time.Since(start))
	}

	if err != nil {
		status, msg := describeFailure(bgremove.KindOf(err))
		c.JSON(status, errorResponse{Message: msg, Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", out)
}

func (s *Server) readImage(c *gin.Context) ([]byte, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return util.ReadInput(c.Request.Body, s.maxInputBytes)
	}

	if s.maxInputBytes > 0 {
		// 留出 multipart 头部和边界的余量
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxInputBytes+multipartOverhead)
	}
	fh, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.Wrapf(util.ErrInputTooLarge, "request body over %d bytes", tooLarge.Limit)
		}
		return nil, errors.Wrap(err, "no image file provided")
	}
	if s.maxInputBytes > 0 && fh.Size > s.maxInputBytes {
		return nil, errors.Wrapf(util.ErrInputTooLarge, "%d bytes", fh.Size)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open uploaded file")
	}
	defer func() {
		_ = f.Close()
	}()
	return util.ReadInput(f, s.maxInputBytes)
}

func describeFailure(kind bgremove.Kind) (int, string) {
	switch kind {
	case bgremove.KindEmptyInput:
		return http.StatusBadRequest, "No image data provided."
	case bgremove.KindDecode:
		return http.StatusBadRequest, "The uploaded file is not a supported image."
	case bgremove.KindDependencyMissing:
		return http.StatusServiceUnavailable, "The background removal model is not available."
	case bgremove.KindInference:
		return http.StatusBadGateway, "The background removal model failed."
	default:
		return http.StatusInternalServerError, "An error occurred while processing your request."
	}
}

func (s *Server) healthz(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	body := gin.H{"backend": "down", "checked_at": s.health.LastCheck()}
	if s.health.Ready() {
		body["backend"] = "up"
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusServiceUnavailable, body)
}
