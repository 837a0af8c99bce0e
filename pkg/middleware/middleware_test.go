package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })

	w := serve(r, http.MethodGet, "/", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, generated)
	assert.Equal(t, generated, w.Body.String())

	w = serve(r, http.MethodGet, "/", map[string]string{RequestIDHeader: "req-42"})
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-42", w.Body.String())
}

func TestRecovery(t *testing.T) {
	log := zerolog.Nop()
	r := gin.New()
	r.Use(RequestID(), Logger(&log), Recovery(&log))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL")
}

func TestIdentify(t *testing.T) {
	r := gin.New()
	r.Use(Identify())
	var got Identity
	r.GET("/", func(c *gin.Context) {
		got, _ = GetIdentity(c)
		c.Status(http.StatusOK)
	})

	w := serve(r, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, http.MethodGet, "/", map[string]string{
		UserIDHeader:    "mgr-1",
		UserRolesHeader: " Manager, ,admin ",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "mgr-1", got.UserID)
	assert.Equal(t, []string{"manager", "admin"}, got.Roles)
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.example.com"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(r, http.MethodGet, "/", map[string]string{"Origin": "https://evil.example.com"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(r, http.MethodOptions, "/", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimiter_PerKey(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(0.001), 2, func(c *gin.Context) string { return c.GetHeader("X-Key") })
	r := gin.New()
	r.Use(rl.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	a := map[string]string{"X-Key": "a"}
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", a).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", a).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/", a).Code)

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", map[string]string{"X-Key": "b"}).Code)
}

func TestMetricsAndTracing_PassThrough(t *testing.T) {
	r := gin.New()
	r.Use(Tracing("quotes-test"), Metrics())
	r.GET("/quotes/:id", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	assert.Equal(t, http.StatusTeapot, serve(r, http.MethodGet, "/quotes/1", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/nowhere", nil).Code)
}
