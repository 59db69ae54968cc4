package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"matching role", []string{RoleOperator}, http.StatusOK},
		{"admin overrides", []string{RoleAdmin}, http.StatusOK},
		{"other role", []string{"billing"}, http.StatusForbidden},
		{"no roles", nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req = req.WithContext(WithPrincipal(req.Context(), Principal{ID: "u1", Roles: tt.roles}))
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := RequireRole(RoleOperator)(okHandler)(c)
			if tt.want == http.StatusOK {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			expectStatus(t, err, tt.want)
		})
	}
}

func TestRequireRole_NoPrincipal(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	expectStatus(t, RequireRole(RoleOperator)(okHandler)(c), http.StatusForbidden)
}

func TestPrincipalFromContext(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Error("expected no principal in a bare context")
	}
	ctx := WithPrincipal(context.Background(), Principal{ID: "7", Username: "cubex"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Username != "cubex" || UserIDFromContext(ctx) != "7" {
		t.Errorf("unexpected principal %+v", p)
	}
}
