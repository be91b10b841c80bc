package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/matchrate/internal/model"
)

// NewRequireAdminMiddleware は管理者以外のリクエストを403で拒否するミドルウェアを返す。
// isAdminには認証済みユーザーのメールアドレスが渡される。RequireSessionの後に配置する。
func NewRequireAdminMiddleware(isAdmin func(email string) bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := ManagerFromContext(r.Context())
			if m == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNoCurrentUserError())
				return
			}
			id := m.Identity()
			if id == nil || !isAdmin(id.Email) {
				if id != nil {
					slog.Warn("admin access denied",
						slog.String("user_id", id.ID),
						slog.String("path", r.URL.Path),
					)
				}
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
