package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestChainStopsOnAbort(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var order []string
	ch := NewChain(func(c *gin.Context) { order = append(order, "a") })
	ch.Add(func(c *gin.Context) {
		order = append(order, "deny")
		c.AbortWithStatus(http.StatusForbidden)
	})

	r := gin.New()
	r.Use(ch.Use())
	GET(r, "/x", func(c *gin.Context) { order = append(order, "handler") }, RouteOpt{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []string{"a", "deny"}, order)

	ch.Clear()
	order = nil
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"handler"}, order)
}

func TestRouteAuthAndRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery(), AccessLog())
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	GET(r, "/private", func(c *gin.Context) { c.Status(http.StatusOK) }, RouteOpt{Auth: deny})
	POST(r, "/boom", func(c *gin.Context) { panic("boom") }, RouteOpt{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "500")
}
