package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestIsSafeRedirectURL(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"/", true},
		{"/records", true},
		{"/records?view=week", true},
		{"", false},
		{"https://evil.com", false},
		{"//evil.com", false},
		{"/path%2F%2Fevil.com", false},
		{"/path\\evil", false},
	}

	for _, tt := range tests {
		if got := IsSafeRedirectURL(tt.url); got != tt.safe {
			t.Errorf("IsSafeRedirectURL(%q) = %v, want %v", tt.url, got, tt.safe)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimiter(1, 2))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		codes[w.Code]++
	}

	if codes[http.StatusOK] != 2 {
		t.Errorf("expected burst of 2 to pass, got %v", codes)
	}
	if codes[http.StatusTooManyRequests] != 3 {
		t.Errorf("expected 3 throttled requests, got %v", codes)
	}
}

func TestRequireJSONContentType(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequireJSONContentType())
	router.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("json accepted", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status %d", w.Code)
		}
	})

	t.Run("form rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", strings.NewReader("a=b"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("status %d", w.Code)
		}
	})

	t.Run("GET ignored", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status %d", w.Code)
		}
	})
}

func TestValidateOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("ALLOWED_ORIGINS", "https://daysync.example.com")

	router := gin.New()
	router.Use(ValidateOrigin())
	router.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", nil)
		req.Header.Set("Origin", "https://daysync.example.com")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status %d", w.Code)
		}
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", nil)
		req.Header.Set("Origin", "https://evil.example.net")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("status %d", w.Code)
		}
	})

	t.Run("missing origin", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusForbidden {
			t.Errorf("status %d", w.Code)
		}
	})

	t.Run("safe methods skip the check", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("status %d", w.Code)
		}
	})
}
