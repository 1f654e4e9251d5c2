package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/dunamismax/image-resize-api/internal/domain"
	"github.com/dunamismax/image-resize-api/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger    *logrus.Logger
	processor imageProcessor
	pool      taskRunner
	metrics   *metrics
	tracer    trace.Tracer
	mux       *http.ServeMux
}

type imageProcessor interface {
	Process(ctx context.Context, req domain.ResizeRequest) (domain.Image, error)
}

type taskRunner interface {
	Do(ctx context.Context, task func(ctx context.Context) error) error
}

func NewServer(logger *logrus.Logger, processor imageProcessor, pool taskRunner, reg prometheus.Registerer) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		logger:    logger,
		processor: processor,
		pool:      pool,
		metrics:   newMetrics(reg),
		tracer:    otel.Tracer("image-resize-api/api"),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.withTracing(s.withHTTPMetrics(s.withRecovery(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health-check", s.handleHealthCheck)
	s.mux.HandleFunc("GET /{path...}", s.handleResize)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	req, err := parseResizeRequest(r)
	if err != nil {
		log.WithError(err).Info("rejecting malformed resize request")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var out domain.Image
	err = s.pool.Do(r.Context(), func(ctx context.Context) error {
		var err error
		out, err = s.processor.Process(ctx, req)
		return err
	})
	if err != nil {
		s.writeFailure(w, r, req, err)
		return
	}

	s.metrics.outputBytes.WithLabelValues(string(out.Format)).Observe(float64(len(out.Data)))
	w.Header().Set("Content-Type", out.Format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		log.WithError(err).Warn("write response body failed")
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, req domain.ResizeRequest, err error) {
	kind := domain.KindOf(err)
	s.metrics.transformFailures.WithLabelValues(kind.String()).Inc()

	log := logging.FromContext(r.Context()).WithFields(logrus.Fields{
		"image_path": req.Path,
		"kind":       kind.String(),
	}).WithError(err)

	switch {
	case kind == domain.KindNotFound:
		log.Debug("image not found")
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Warn("client went away before the transform finished")
		w.WriteHeader(http.StatusInternalServerError)
	default:
		log.Error("transform failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func parseResizeRequest(r *http.Request) (domain.ResizeRequest, error) {
	imagePath, err := domain.CleanImagePath(r.PathValue("path"))
	if err != nil {
		return domain.ResizeRequest{}, err
	}

	req := domain.ResizeRequest{Path: imagePath}
	query := r.URL.Query()
	if query.Has("width") {
		if req.MaxWidth, err = domain.ParseDimension("width", query.Get("width")); err != nil {
			return domain.ResizeRequest{}, err
		}
	}
	if query.Has("height") {
		if req.MaxHeight, err = domain.ParseDimension("height", query.Get("height")); err != nil {
			return domain.ResizeRequest{}, err
		}
	}
	return req, nil
}
