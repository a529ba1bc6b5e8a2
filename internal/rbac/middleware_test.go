package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/taolaktech/amplify-wallet/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(userID, role string, allowed ...string) int {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireUser(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if code := serveAs("u", RoleSuperAdmin, RoleAdmin); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_HiddenRoleDeniedUnlessAllowed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if code := serveAs("u", RoleBillingOperator, RoleAdmin); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs("u", RoleBillingOperator, RoleAdmin, RoleBillingOperator); code != 200 {
		t.Fatalf("expected 200 when explicitly allowed, got %d", code)
	}
}

func TestRequireAnyRole_UserDeniedOnAdminRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if code := serveAs("u", RoleUser, RoleAdmin); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_SupportReadsOnlyWhereListed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if code := serveAs("u", RoleSupport, RoleAdmin); code != 403 {
		t.Fatalf("expected 403 on admin-only route, got %d", code)
	}
	if code := serveAs("u", RoleSupport, RoleAdmin, RoleSupport); code != 200 {
		t.Fatalf("expected 200 on support route, got %d", code)
	}
}

func TestRequireUser_RejectsUnknownRole(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if code := serveAs("u", "telephony_admin", RoleAdmin); code != 403 {
		t.Fatalf("expected 403 for unknown role, got %d", code)
	}
}

func TestRequireUser_Required(t *testing.T) {
	gin.SetMode(gin.TestMode)

	if code := serveAs("", RoleAdmin, RoleAdmin); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
