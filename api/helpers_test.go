package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/account/whoami", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, apiCSP, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/_matrix/client/docs", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	assert.Equal(t, docsCSP, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func TestAccessToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?access_token=query", nil)
	assert.Equal(t, "query", accessToken(req))

	req.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "header", accessToken(req), "header wins over query")

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, accessToken(req))
}

func TestAttrMapSkipsUserID(t *testing.T) {
	assert.Nil(t, attrMap(nil))
	m := attrMap([]slog.Attr{slog.String("user_id", "@a:b"), slog.Bool("logged_in", true)})
	assert.Equal(t, map[string]string{"logged_in": "true"}, m)
}
