package api

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/image-resize-api/internal/domain"
	"github.com/dunamismax/image-resize-api/internal/pipeline"
	"github.com/dunamismax/image-resize-api/internal/worker"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, root, name string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(w, h)))
	writeBytes(t, root, name, buf.Bytes())
}

func writeGIF(t *testing.T, root, name string, w, h int) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, testImage(w, h), nil))
	writeBytes(t, root, name, buf.Bytes())
}

func writeBytes(t *testing.T, root, name string, data []byte) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
}

func newImageServer(t *testing.T, root string) (*Server, *logtest.Hook) {
	t.Helper()

	processor, err := pipeline.NewProcessor(pipeline.LocalSource{Root: root}, pipeline.Limits{})
	require.NoError(t, err)

	logger, hook := quietLogger()
	pool := worker.NewPool(worker.Config{Concurrency: 2, Timeout: 10 * time.Second}, nil)
	return NewServer(logger, processor, pool, nil), hook
}

func serve(t *testing.T, handler http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newImageServer(t, filepath.Join(t.TempDir(), "does-not-exist"))

	rec := serve(t, srv.Handler(), http.MethodGet, "/health-check")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestResizeResponses(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "cat.png", 800, 600)
	writeGIF(t, root, "animals/dog.gif", 90, 60)
	writeBytes(t, root, "broken.png", []byte("this is not an image"))
	srv, _ := newImageServer(t, root)

	tests := []struct {
		name         string
		target       string
		status       int
		format       string
		wantW, wantH int
	}{
		{name: "width", target: "/cat.png?width=400", status: http.StatusOK, format: "png", wantW: 400, wantH: 300},
		{name: "height", target: "/cat.png?height=150", status: http.StatusOK, format: "png", wantW: 200, wantH: 150},
		{name: "both", target: "/cat.png?width=100&height=100", status: http.StatusOK, format: "png", wantW: 100, wantH: 75},
		{name: "original", target: "/cat.png", status: http.StatusOK, format: "png", wantW: 800, wantH: 600},
		{name: "enlarge", target: "/cat.png?width=1600", status: http.StatusOK, format: "png", wantW: 1600, wantH: 1200},
		{name: "nested gif", target: "/animals/dog.gif?width=30", status: http.StatusOK, format: "gif", wantW: 30, wantH: 20},
		{name: "missing", target: "/missing.png", status: http.StatusNotFound},
		{name: "missing with bounds", target: "/missing.png?width=10", status: http.StatusNotFound},
		{name: "directory", target: "/animals", status: http.StatusNotFound},
		{name: "root", target: "/", status: http.StatusNotFound},
		{name: "undecodable", target: "/broken.png", status: http.StatusInternalServerError},
		{name: "zero width", target: "/cat.png?width=0", status: http.StatusBadRequest},
		{name: "negative height", target: "/cat.png?height=-3", status: http.StatusBadRequest},
		{name: "non numeric", target: "/cat.png?width=wide", status: http.StatusBadRequest},
		{name: "empty value", target: "/cat.png?height=", status: http.StatusBadRequest},
		{name: "nul byte", target: "/cat%00.png", status: http.StatusBadRequest},
		{name: "backslash traversal", target: "/%5C..%5Csecret.png", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, srv.Handler(), http.MethodGet, tt.target)
			require.Equal(t, tt.status, rec.Code)

			if tt.status != http.StatusOK {
				assert.Empty(t, rec.Body.Bytes())
				return
			}

			cfg, format, err := image.DecodeConfig(bytes.NewReader(rec.Body.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, tt.format, format)
			assert.Equal(t, tt.wantW, cfg.Width)
			assert.Equal(t, tt.wantH, cfg.Height)
			assert.Equal(t, "image/"+tt.format, rec.Header().Get("Content-Type"))
		})
	}
}

func TestResizeRejectsOtherMethods(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "cat.png", 20, 20)
	srv, _ := newImageServer(t, root)

	rec := serve(t, srv.Handler(), http.MethodPost, "/cat.png")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTraversalOverHTTP(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "cat.png", 20, 20)
	srv, _ := newImageServer(t, root)

	// Literal dot segments are cleaned by the mux and redirected to a path
	// that is still below the root.
	redirects := map[string]string{
		"/animals/../cat.png": "/cat.png",
		"/../etc/passwd":      "/etc/passwd",
	}
	for target, location := range redirects {
		rec := serve(t, srv.Handler(), http.MethodGet, target)
		assert.Equal(t, http.StatusMovedPermanently, rec.Code, target)
		assert.Equal(t, location, rec.Header().Get("Location"), target)
	}

	// Encoded dot segments reach the handler unchanged and are refused.
	for _, target := range []string{"/%2e%2e/etc/passwd", "/animals/%2E%2E/%2e%2e/secret.png"} {
		rec := serve(t, srv.Handler(), http.MethodGet, target)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Empty(t, rec.Body.Bytes())
	}
}

func TestParseResizeRequestRejectsTraversal(t *testing.T) {
	for _, raw := range []string{"../etc/passwd", "a/../../b.png", ".."} {
		r := httptest.NewRequest(http.MethodGet, "/ignored", nil)
		r.SetPathValue("path", raw)
		_, err := parseResizeRequest(r)
		assert.ErrorIs(t, err, domain.ErrInvalidPath, "path %q", raw)
	}

	r := httptest.NewRequest(http.MethodGet, "/cats/cat.png?width=12&height=34", nil)
	r.SetPathValue("path", "cats/cat.png")
	req, err := parseResizeRequest(r)
	require.NoError(t, err)
	assert.Equal(t, domain.ResizeRequest{Path: "cats/cat.png", MaxWidth: 12, MaxHeight: 34}, req)
}

func TestRequestIDIsLoggedButNotReturned(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "cat.png", 10, 10)
	srv, hook := newImageServer(t, root)

	rec := serve(t, srv.Handler(), http.MethodGet, "/cat.png")
	require.Equal(t, http.StatusOK, rec.Code)
	for name := range rec.Header() {
		assert.NotContains(t, []string{"X-Request-Id", "X-Correlation-Id"}, name)
	}

	serve(t, srv.Handler(), http.MethodGet, "/missing.png")

	ids := map[string]struct{}{}
	for _, entry := range hook.AllEntries() {
		requestID, ok := entry.Data["request_id"].(string)
		require.True(t, ok, "log entry %q has no request_id", entry.Message)
		require.NotEmpty(t, requestID)
		ids[requestID] = struct{}{}
	}
	assert.Len(t, ids, 2)
}

func TestDecodeFailureIsLoggedAsError(t *testing.T) {
	root := t.TempDir()
	writeBytes(t, root, "broken.png", []byte("garbage"))
	srv, hook := newImageServer(t, root)

	rec := serve(t, srv.Handler(), http.MethodGet, "/broken.png")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var found bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "transform failed" {
			found = true
			assert.Equal(t, logrus.ErrorLevel, entry.Level)
			assert.Equal(t, domain.KindDecode.String(), entry.Data["kind"])
		}
	}
	assert.True(t, found)
}

type scriptedProcessor struct {
	started chan string
	release chan struct{}
}

func (p *scriptedProcessor) Process(ctx context.Context, req domain.ResizeRequest) (domain.Image, error) {
	switch req.Path {
	case "large.png":
		p.started <- req.Path
		select {
		case <-p.release:
		case <-ctx.Done():
			return domain.Image{}, domain.IOFailure("transform", ctx.Err())
		}
	case "panic.png":
		panic("corrupt decoder state")
	}
	return domain.Image{Data: []byte("img"), Format: domain.FormatPNG, Width: 1, Height: 1}, nil
}

func TestLargeTransformDoesNotBlockSmallRequest(t *testing.T) {
	processor := &scriptedProcessor{started: make(chan string, 1), release: make(chan struct{})}
	logger, _ := quietLogger()
	pool := worker.NewPool(worker.Config{Concurrency: 2}, nil)
	ts := httptest.NewServer(NewServer(logger, processor, pool, nil).Handler())
	defer ts.Close()

	largeDone := make(chan int, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/large.png?width=100")
		if err != nil {
			largeDone <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		largeDone <- resp.StatusCode
	}()

	select {
	case <-processor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("large transform never started")
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(ts.URL + "/small.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-largeDone:
		t.Fatal("large request finished before it was released")
	default:
	}

	close(processor.release)
	select {
	case status := <-largeDone:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(5 * time.Second):
		t.Fatal("large request never finished")
	}
}

func TestPanickingTransformMapsTo500(t *testing.T) {
	processor := &scriptedProcessor{started: make(chan string, 1), release: make(chan struct{})}
	logger, _ := quietLogger()
	pool := worker.NewPool(worker.Config{Concurrency: 1}, nil)
	handler := NewServer(logger, processor, pool, nil).Handler()

	rec := serve(t, handler, http.MethodGet, "/panic.png")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = serve(t, handler, http.MethodGet, "/fine.png")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelledRequestReleasesHandler(t *testing.T) {
	processor := &scriptedProcessor{started: make(chan string, 1), release: make(chan struct{})}
	logger, _ := quietLogger()
	pool := worker.NewPool(worker.Config{Concurrency: 1}, nil)
	handler := NewServer(logger, processor, pool, nil).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/large.png", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	<-processor.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The worker slot frees up once the abandoned task notices cancellation.
	require.Eventually(t, func() bool {
		return serve(t, handler, http.MethodGet, "/small.png").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTransformTimeoutAnswers500BeforeWriteDeadline(t *testing.T) {
	processor := &scriptedProcessor{started: make(chan string, 1), release: make(chan struct{})}
	defer close(processor.release)

	logger, _ := quietLogger()
	pool := worker.NewPool(worker.Config{Concurrency: 1, Timeout: 200 * time.Millisecond}, nil)
	ts := httptest.NewUnstartedServer(NewServer(logger, processor, pool, nil).Handler())
	ts.Config.WriteTimeout = time.Second
	ts.Start()
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	for i := 0; i < 3; i++ {
		resp, err := client.Get(ts.URL + "/large.png")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Empty(t, body)
		<-processor.started
	}
}

func TestServerSpansCarryStatus(t *testing.T) {
	root := t.TempDir()
	writePNG(t, root, "cat.png", 10, 10)
	writeBytes(t, root, "broken.png", []byte("garbage"))
	srv, _ := newImageServer(t, root)

	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	defer provider.Shutdown(context.Background())
	srv.tracer = provider.Tracer("test")
	handler := srv.Handler()

	wantStatus := map[string]int{
		"/cat.png":     http.StatusOK,
		"/missing.png": http.StatusNotFound,
		"/broken.png":  http.StatusInternalServerError,
	}
	for target := range wantStatus {
		serve(t, handler, http.MethodGet, target)
	}

	ended := spans.Ended()
	require.Len(t, ended, len(wantStatus))
	for _, span := range ended {
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}

		target := attrs["url.path"].AsString()
		status := wantStatus[target]
		assert.Equal(t, int64(status), attrs["http.response.status_code"].AsInt64(), target)
		assert.NotEmpty(t, attrs["request.id"].AsString())

		if status >= http.StatusInternalServerError {
			assert.Equal(t, codes.Error, span.Status().Code, target)
		} else {
			assert.Equal(t, codes.Unset, span.Status().Code, target)
		}
	}
}
