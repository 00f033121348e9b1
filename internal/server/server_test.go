package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/auth"
)

func TestShouldSkipJWT(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/channels/feishu/webhook", want: true},
		{path: "/channels/webhook/ops", want: true},
		{path: "/ping", want: true},
		{path: "/administrator", want: true},
		{path: "/admin", want: false},
		{path: "/admin/tasks", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}

type routeHandler struct {
	method, path string
}

func (h routeHandler) Register(e *echo.Echo) {
	e.Add(h.method, h.path, func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
}

func TestServerGuardsOnlyAdminRoutes(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, "", "s3cret",
		routeHandler{method: http.MethodPost, path: "/channels/webhook/:name"},
		routeHandler{method: http.MethodGet, path: "/admin/tasks"},
		nil,
	)

	serve := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		if token != "" {
			req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		srv.Echo().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, serve(http.MethodPost, "/channels/webhook/ops", ""))
	assert.NotEqual(t, http.StatusNoContent, serve(http.MethodGet, "/admin/tasks", ""))

	token, _, err := auth.GenerateToken("ops", "s3cret", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/admin/tasks", token))
}
