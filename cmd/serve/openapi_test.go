package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/require"

	"github.com/invakid404/baml-runtime/internal/mockllm"
)

// schemaValidator checks responses against the document served at /openapi.json.
type schemaValidator struct {
	doc    *openapi3.T
	router routers.Router
}

func newSchemaValidator(t *testing.T, app *fiber.App) *schemaValidator {
	t.Helper()
	resp, body := doRequest(t, app, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc, err := openapi3.NewLoader().LoadFromData(body)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(context.Background()))

	router, err := gorillamux.NewRouter(doc)
	require.NoError(t, err)

	return &schemaValidator{doc: doc, router: router}
}

func (v *schemaValidator) validateResponse(t *testing.T, method, path string, statusCode int, contentType string, body []byte) {
	t.Helper()
	parsedURL, err := url.Parse(path)
	require.NoError(t, err)

	route, pathParams, err := v.router.FindRoute(&http.Request{Method: method, URL: parsedURL})
	require.NoError(t, err, "no route for %s %s", method, path)

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request: &http.Request{
				Method: method,
				URL:    parsedURL,
				Header: http.Header{"Content-Type": []string{"application/json"}},
			},
			PathParams: pathParams,
			Route:      route,
		},
		Status: statusCode,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			IncludeResponseStatus: true,
		},
	}
	require.NoError(t, openapi3filter.ValidateResponse(context.Background(), input), string(body))
}

func TestResponsesMatchOpenAPI(t *testing.T) {
	s, store := newTestServer(t)
	store.Register(&mockllm.Scenario{ID: "resume", Content: resumeJSON})
	app := newTestApp(t, s)
	v := newSchemaValidator(t, app)

	tests := []struct {
		path   string
		body   string
		status int
	}{
		{"/call/ExtractResume", `{"text": "Ada"}`, http.StatusOK},
		{"/call-with-raw/ExtractResume", `{"text": "Ada"}`, http.StatusOK},
		{"/call/ExtractResume", `{}`, http.StatusBadRequest},
		{"/call/Unavailable", `{"text": "x"}`, http.StatusBadGateway},
		{"/parse/ExtractResume", `{"raw": "{\"name\": \"Ada\", \"skills\": []}"}`, http.StatusOK},
		{"/parse/ExtractResume", `{"raw": "nothing useful"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := doRequest(t, app, http.MethodPost, tt.path, tt.body, nil)
			require.Equal(t, tt.status, resp.StatusCode, string(body))
			v.validateResponse(t, http.MethodPost, tt.path, resp.StatusCode, resp.Header.Get("Content-Type"), body)
		})
	}
}
