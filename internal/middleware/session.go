// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hitoshi/matchrate/internal/lifecycle"
	"github.com/hitoshi/matchrate/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// sessionIDPattern はセッションIDの形式（32バイトの16進表記）。
var sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	managerContextKey     = contextKey("manager")
	requestInfoContextKey = contextKey("request_info")
)

// SessionResolver はセッションIDから認証済みのManagerを解決する。
// *lifecycle.Registry が満たす。
type SessionResolver interface {
	Resolve(ctx context.Context, sessionID string) (*lifecycle.Manager, error)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge int // 秒
}

// SetSessionCookie はセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewSessionMiddleware はCookieのセッションを照合し、認証済みManagerをコンテキストに注入するミドルウェアを返す。
// 未認証でもリクエストは拒否しない。拒否が必要なルートはRequireSessionを重ねる。
// 形式不正または無効なセッションのCookieは削除する。
func NewSessionMiddleware(resolver SessionResolver, cookies CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			if !sessionIDPattern.MatchString(cookie.Value) {
				ClearSessionCookie(w, cookies)
				next.ServeHTTP(w, r)
				return
			}

			m, err := resolver.Resolve(r.Context(), cookie.Value)
			if err != nil {
				// ストア障害ではCookieを残し、次のリクエストで再照合する
				slog.Error("failed to resolve session",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if m == nil {
				ClearSessionCookie(w, cookies)
				next.ServeHTTP(w, r)
				return
			}

			ctx := ContextWithManager(r.Context(), m)
			if id := m.Identity(); id != nil {
				if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
					info.userID = id.ID
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession は認証済みManagerのないリクエストを401で拒否する。
// NewSessionMiddlewareの後に配置する。
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ManagerFromContext(r.Context()) == nil {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewNoCurrentUserError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ManagerFromContext はリクエストコンテキストからManagerを取得する。未認証の場合はnil。
func ManagerFromContext(ctx context.Context) *lifecycle.Manager {
	m, _ := ctx.Value(managerContextKey).(*lifecycle.Manager)
	return m
}

// ContextWithManager はコンテキストにManagerを注入する。
func ContextWithManager(ctx context.Context, m *lifecycle.Manager) context.Context {
	return context.WithValue(ctx, managerContextKey, m)
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	m := ManagerFromContext(ctx)
	if m == nil {
		return "", fmt.Errorf("user ID not found in context")
	}
	id := m.Identity()
	if id == nil || id.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return id.ID, nil
}
