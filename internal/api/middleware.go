package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dunamismax/image-resize-api/internal/id"
	"github.com/dunamismax/image-resize-api/internal/logging"
	"github.com/sirupsen/logrus"
)

type requestIDKey struct{}

// RequestID returns the correlation id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// withRequestLogging assigns the correlation id, exposes a log entry carrying
// it through the request context and writes one access line per request.
// The id is never sent back to the client.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := id.New()

		entry := s.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = logging.WithEntry(ctx, entry)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r.WithContext(ctx))

		entry = entry.WithFields(logrus.Fields{
			"status":   recorder.status,
			"duration": time.Since(start).String(),
			"bytes":    recorder.bytes,
		})
		if recorder.status >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Info("request processed")
		}
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}

			logging.FromContext(r.Context()).WithFields(logrus.Fields{
				"panic": recovered,
				"stack": string(debug.Stack()),
			}).Error("handler panicked")

			if recorder, ok := w.(*statusRecorder); ok && recorder.wroteHeader {
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, r)
	})
}

// recordStatus reuses a statusRecorder installed further out in the chain so
// every middleware observes the same final status.
func recordStatus(w http.ResponseWriter) *statusRecorder {
	if recorder, ok := w.(*statusRecorder); ok {
		return recorder
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.status = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
