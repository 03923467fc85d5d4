package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/watchsync/party-server/internal/logging"
)

func newRouter() (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	var seen string
	r := gin.New()
	r.Use(CorrelationID())
	r.GET("/", func(c *gin.Context) {
		if v, ok := c.Request.Context().Value(logging.CorrelationIDKey).(string); ok {
			seen = v
		}
		c.Status(http.StatusOK)
	})
	return r, &seen
}

func TestCorrelationIDGeneratedWhenAbsent(t *testing.T) {
	router, seen := newRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	got := w.Header().Get(HeaderXCorrelationID)
	assert.NotEmpty(t, got)
	assert.Equal(t, got, *seen, "handler context must carry the same id as the response header")
}

func TestCorrelationIDPropagatedWhenPresent(t *testing.T) {
	router, seen := newRouter()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXCorrelationID, "req-123")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(HeaderXCorrelationID))
	assert.Equal(t, "req-123", *seen)
}
