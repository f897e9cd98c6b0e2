package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path string
		skip bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/api/v1/messages", false},
		{"/api/v1/hl7v2/process", false},
		{"/ws", false},
		{"/", false},
		{"/health/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			c := e.NewContext(req, httptest.NewRecorder())
			c.SetPath(tt.path)

			if got := AuthSkipper(c); got != tt.skip {
				t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.skip)
			}
			if got := IsPublicPath(tt.path); got != tt.skip {
				t.Errorf("IsPublicPath(%s) = %v, want %v", tt.path, got, tt.skip)
			}
		})
	}
}

func TestJWTConfig_CustomSkipper(t *testing.T) {
	cfg := JWTConfig{
		SigningKey: testSigningKey,
		Skipper:    func(c echo.Context) bool { return c.Path() == "/open" },
	}

	if _, err := runMiddleware(t, JWTMiddleware(cfg), "/open", "", okHandler); err != nil {
		t.Errorf("expected custom skipper to bypass auth, got %v", err)
	}
	_, err := runMiddleware(t, JWTMiddleware(cfg), "/health", "", okHandler)
	expectStatus(t, err, http.StatusUnauthorized)
}
