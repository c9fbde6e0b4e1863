package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

type AdminStore interface {
	IsAdmin(ctx context.Context, userID string) (bool, bool, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// Grant is the caller's admin standing, resolved once per request.
type Grant struct {
	UserID string
	Super  bool
}

const grantKey contextKey = "admin_grant"

func GrantFromContext(ctx context.Context) (Grant, bool) {
	grant, ok := ctx.Value(grantKey).(Grant)
	return grant, ok
}

type rejection struct {
	status  int
	message string
}

type gate struct {
	admins AdminStore
	logger *zap.Logger
}

// RequireAdmin lets through admins holding role. Super admins hold every role,
// and an empty role admits any admin.
func RequireAdmin(admins AdminStore, role string, logger *zap.Logger) func(http.Handler) http.Handler {
	g := newGate(admins, logger)
	return g.middleware(func(ctx context.Context, grant Grant) *rejection {
		if grant.Super || role == "" {
			return nil
		}
		held, err := g.admins.HasRole(ctx, grant.UserID, role)
		if err != nil {
			g.logger.Error("role lookup failed", zap.String("user_id", grant.UserID), zap.String("role", role), zap.Error(err))
			return &rejection{http.StatusInternalServerError, "role_check_failed"}
		}
		if !held {
			return &rejection{http.StatusForbidden, "missing_role"}
		}
		return nil
	})
}

// RequireSuperAdmin guards admin management.
func RequireSuperAdmin(admins AdminStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return newGate(admins, logger).middleware(func(_ context.Context, grant Grant) *rejection {
		if !grant.Super {
			return &rejection{http.StatusForbidden, "super_admin_required"}
		}
		return nil
	})
}

func newGate(admins AdminStore, logger *zap.Logger) *gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gate{admins: admins, logger: logger}
}

func (g *gate) middleware(check func(context.Context, Grant) *rejection) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			grant, rej := g.resolve(r.Context())
			if rej == nil {
				rej = check(r.Context(), grant)
			}
			if rej != nil {
				writeError(w, rej.status, rej.message)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), grantKey, grant)))
		})
	}
}

func (g *gate) resolve(ctx context.Context) (Grant, *rejection) {
	userID, ok := UserIDFromContext(ctx)
	if !ok {
		return Grant{}, &rejection{http.StatusUnauthorized, "unauthorized"}
	}
	isAdmin, isSuper, err := g.admins.IsAdmin(ctx, userID)
	if err != nil {
		g.logger.Error("admin lookup failed", zap.String("user_id", userID), zap.Error(err))
		return Grant{}, &rejection{http.StatusInternalServerError, "admin_check_failed"}
	}
	if !isAdmin {
		return Grant{}, &rejection{http.StatusForbidden, "admin_required"}
	}
	return Grant{UserID: userID, Super: isSuper}, nil
}
