package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newOriginRouter(origins []string) *gin.Engine {
	r := gin.New()
	r.Use(OriginCheck(origins))
	r.GET("/stream", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestOriginCheck_EmptyAllowsAll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newOriginRouter(nil)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginCheck_AllowedOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newOriginRouter([]string{"https://play.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://play.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://play.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginCheck_ForbiddenOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newOriginRouter([]string{"https://play.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestOriginCheck_NoOriginHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newOriginRouter([]string{"https://play.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
