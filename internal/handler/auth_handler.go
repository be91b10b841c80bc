package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/hitoshi/matchrate/internal/lifecycle"
	"github.com/hitoshi/matchrate/internal/metrics"
	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/model"
)

const oauthStateCookie = "oauth_state"

// authQueryParam はGoogleサインインと確認リンクの結果をフロントエンドに伝えるクエリパラメータ名。
const authQueryParam = "auth"

// リダイレクト時に付与する結果コード（エラー時はAPIErrorのコード）。
const (
	authResultVerifyEmail   = "VERIFY_EMAIL"
	authResultEmailVerified = "EMAIL_VERIFIED"
)

// SessionRegistry は認証ハンドラーが必要とするセッションごとのManager管理。
// *lifecycle.Registry が満たす。
type SessionRegistry interface {
	middleware.SessionResolver
	NewManager() *lifecycle.Manager
	Adopt(m *lifecycle.Manager)
	Forget(sessionID string)
	ConfirmEmail(ctx context.Context, token string) (string, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string
	Cookies middleware.CookieConfig
	// GoogleLoginURL はstateを埋め込んだGoogleの認可URLを返す。
	GoogleLoginURL func(state string) string
}

// AuthHandler はアカウントライフサイクル関連のHTTPハンドラー。
type AuthHandler struct {
	sessions SessionRegistry
	config   AuthHandlerConfig
	metrics  metrics.MetricsCollector
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionRegistry, config AuthHandlerConfig, collector metrics.MetricsCollector) *AuthHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &AuthHandler{
		sessions: sessions,
		config:   config,
		metrics:  collector,
	}
}

// maxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
const maxPasswordBytes = 72

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r registerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.RuneLength(1, 100)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
		validation.Field(&r.Password, validation.Required, validation.Length(0, maxPasswordBytes)),
	)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

// signInResponse はサインイン系操作のレスポンス。
type signInResponse struct {
	User                *identityResponse `json:"user"`
	VerifyEmailReminder bool              `json:"verify_email_reminder,omitempty"`
	PendingApproval     bool              `json:"pending_approval,omitempty"`
}

// Register はパスワードアカウントを登録する。登録直後は承認待ちのためセッションは発行しない。
// POST /auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	m := h.sessions.NewManager()
	defer m.Close()

	outcome, err := m.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		h.metrics.RecordAuthAttempt("register", metrics.ResultFailure)
		handleServiceError(w, err)
		return
	}
	h.metrics.RecordAuthAttempt("register", metrics.ResultPending)

	writeJSON(w, http.StatusCreated, signInResponse{
		User:            toIdentityResponse(outcome.Identity),
		PendingApproval: true,
	})
}

// Login はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
		return
	}

	m := h.sessions.NewManager()
	outcome, err := m.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		m.Close()
		h.recordSignInFailure("password", err)
		handleServiceError(w, err)
		return
	}
	h.adopt(w, r, m)
	h.metrics.RecordAuthAttempt("password", metrics.ResultSuccess)

	writeJSON(w, http.StatusOK, signInResponse{
		User:                toIdentityResponse(outcome.Identity),
		VerifyEmailReminder: outcome.VerifyEmailReminder,
	})
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.GoogleLoginURL(state), http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理し、結果をクエリパラメータ付きでフロントエンドへリダイレクトする。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("stateが一致しません"))
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 同意画面で拒否された場合はコードなしで戻ってくる
	code := r.URL.Query().Get("code")
	if r.URL.Query().Get("error") != "" {
		code = ""
	}

	// 3. サインインと承認ゲート
	m := h.sessions.NewManager()
	outcome, err := m.GoogleSignIn(r.Context(), code)
	if err != nil {
		m.Close()
		h.recordSignInFailure("google", err)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			slog.Error("google sign-in failed", slog.String("error", err.Error()))
			h.redirectWithResult(w, r, model.ErrCodeInternal)
			return
		}
		h.redirectWithResult(w, r, apiErr.Code)
		return
	}

	// 4. セッションCookieを設定してフロントエンドにリダイレクト
	h.adopt(w, r, m)
	h.metrics.RecordAuthAttempt("google", metrics.ResultSuccess)
	if outcome.VerifyEmailReminder {
		h.redirectWithResult(w, r, authResultVerifyEmail)
		return
	}
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。プロバイダー側の失敗はログのみでCookieは必ず削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if m := middleware.ManagerFromContext(r.Context()); m != nil {
		sessionID := m.Snapshot().SessionID
		if err := m.Logout(r.Context()); err != nil {
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
		h.sessions.Forget(sessionID)
	}

	middleware.ClearSessionCookie(w, h.config.Cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のサインインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	m := middleware.ManagerFromContext(r.Context())
	if m == nil {
		writeUnauthorized(w)
		return
	}
	identity := m.Identity()
	if identity == nil {
		writeUnauthorized(w)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(identity))
}

// SendVerification は確認メールを再送する。
// POST /auth/verification
func (h *AuthHandler) SendVerification(w http.ResponseWriter, r *http.Request) {
	m := middleware.ManagerFromContext(r.Context())
	if m == nil {
		writeUnauthorized(w)
		return
	}
	if err := m.SendVerificationEmail(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Verify は確認リンクのトークンを検証し、結果をクエリパラメータ付きでフロントエンドへリダイレクトする。
// GET /auth/verify?token=xxx
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.redirectWithResult(w, r, model.ErrCodeInvalidVerificationToken)
		return
	}

	uid, err := h.sessions.ConfirmEmail(r.Context(), token)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			slog.Error("email verification failed", slog.String("error", err.Error()))
			h.redirectWithResult(w, r, model.ErrCodeInternal)
			return
		}
		h.redirectWithResult(w, r, apiErr.Code)
		return
	}

	slog.Info("email verified", slog.String("user_id", uid))
	h.redirectWithResult(w, r, authResultEmailVerified)
}

// adopt は認証済みManagerをRegistryに登録し、セッションCookieを設定する。
// 別セッションでサインイン中だった場合はそのセッションを破棄する。
func (h *AuthHandler) adopt(w http.ResponseWriter, r *http.Request, m *lifecycle.Manager) {
	if prev := middleware.ManagerFromContext(r.Context()); prev != nil && prev != m {
		prevID := prev.Snapshot().SessionID
		if err := prev.Logout(r.Context()); err != nil {
			slog.Warn("failed to end previous session", slog.String("error", err.Error()))
		}
		h.sessions.Forget(prevID)
	}

	h.sessions.Adopt(m)
	middleware.SetSessionCookie(w, h.config.Cookies, m.Snapshot().SessionID)
}

// recordSignInFailure はサインイン失敗をメトリクスに記録する。承認待ちはpendingとして区別する。
func (h *AuthHandler) recordSignInFailure(method string, err error) {
	if model.HasCode(err, model.ErrCodePendingApproval) {
		h.metrics.RecordAuthAttempt(method, metrics.ResultPending)
		return
	}
	h.metrics.RecordAuthAttempt(method, metrics.ResultFailure)
}

// redirectWithResult はBASE_URLに結果コードを付与してリダイレクトする。
func (h *AuthHandler) redirectWithResult(w http.ResponseWriter, r *http.Request, result string) {
	target := h.config.BaseURL
	if u, err := url.Parse(h.config.BaseURL); err == nil {
		q := u.Query()
		q.Set(authQueryParam, result)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
