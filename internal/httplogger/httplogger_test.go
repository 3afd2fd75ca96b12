package httplogger

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type detailedError struct{ attempts int }

func (e *detailedError) Error() string { return "upstream failed" }

func (e *detailedError) MarshalZerologObject(ev *zerolog.Event) {
	ev.Int("attempts", e.attempts)
}

func newRouter(logs *bytes.Buffer) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(zerolog.New(logs), &Options{
		RecoverPanics: true,
		Skip:          func(r *http.Request) bool { return r.URL.Path == "/health" },
	}))
	r.Get("/ok/{name}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	r.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		SetError(r.Context(), &detailedError{attempts: 3})
		w.WriteHeader(http.StatusBadGateway)
	})
	r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("boom"))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})
	return r
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRequestLoggerFields(t *testing.T) {
	var logs bytes.Buffer
	rec := serve(t, newRouter(&logs), "/ok/world")
	require.Equal(t, http.StatusOK, rec.Code)

	line := logs.String()
	assert.Equal(t, "info", gjson.Get(line, "level").String())
	assert.Equal(t, "/ok/{name}", gjson.Get(line, "route").String())
	assert.Equal(t, int64(5), gjson.Get(line, "bytes").Int())
	assert.NotEmpty(t, gjson.Get(line, "request_id").String())
}

func TestSetErrorAddsDetail(t *testing.T) {
	var logs bytes.Buffer
	rec := serve(t, newRouter(&logs), "/fail")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	line := logs.String()
	assert.Equal(t, "error", gjson.Get(line, "level").String())
	assert.Equal(t, "upstream failed", gjson.Get(line, "error").String())
	assert.Equal(t, int64(3), gjson.Get(line, "error_detail.attempts").Int())
}

func TestPanicRecovered(t *testing.T) {
	var logs bytes.Buffer
	rec := serve(t, newRouter(&logs), "/panic")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", gjson.GetBytes(rec.Body.Bytes(), "code").String())
	assert.Contains(t, logs.String(), "Panic recovered")
}

func TestSkip(t *testing.T) {
	var logs bytes.Buffer
	serve(t, newRouter(&logs), "/health")
	assert.Empty(t, logs.String())
}
