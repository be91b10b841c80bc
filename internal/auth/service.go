// Package auth はクレデンシャルプロバイダーを提供する。
// メールアドレスとパスワード、およびGoogleアカウントによるサインイン、
// セッション管理、プロフィール項目、確認メールを扱う。
// 承認状態（UserRecord）は扱わない。承認ゲートはlifecycleパッケージの責務。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/matchrate/internal/mail"
	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/notify"
	"github.com/hitoshi/matchrate/internal/repository"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
	Provider       string // "google" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge        int // セッション有効期間（秒）
	PasswordMinLength    int
	BcryptCost           int
	VerificationCooldown time.Duration // 確認メール再送の最短間隔
	BaseURL              string        // 確認リンクの組み立てに使う公開URL
}

// Service はクレデンシャルプロバイダーの実装。
type Service struct {
	oauth       OAuthProvider
	credentials repository.CredentialRepository
	identities  repository.IdentityRepository
	sessions    repository.SessionRepository
	mailer      mail.Mailer
	tokens      *TokenIssuer
	cooldown    Cooldown
	events      notify.Publisher
	config      ServiceConfig
}

// Deps はServiceの依存。
type Deps struct {
	OAuth       OAuthProvider
	Credentials repository.CredentialRepository
	Identities  repository.IdentityRepository
	Sessions    repository.SessionRepository
	Mailer      mail.Mailer
	Tokens      *TokenIssuer
	Cooldown    Cooldown
	Events      notify.Publisher
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	if config.PasswordMinLength <= 0 {
		config.PasswordMinLength = 6
	}
	return &Service{
		oauth:       deps.OAuth,
		credentials: deps.Credentials,
		identities:  deps.Identities,
		sessions:    deps.Sessions,
		mailer:      deps.Mailer,
		tokens:      deps.Tokens,
		cooldown:    deps.Cooldown,
		events:      deps.Events,
		config:      config,
	}
}

// GoogleLoginURL はGoogleの認証URLを生成する。
func (s *Service) GoogleLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// CreateUser はパスワードアカウントを作成し、そのままサインインする。
func (s *Service) CreateUser(ctx context.Context, email, password string) (*model.SignIn, error) {
	email = model.NormalizeEmail(email)
	if len([]rune(password)) < s.config.PasswordMinLength {
		return nil, model.NewWeakPasswordError(s.config.PasswordMinLength)
	}
	if len(password) > MaxPasswordBytes {
		return nil, model.NewValidationError(fmt.Sprintf("パスワードは%dバイト以内で入力してください", MaxPasswordBytes))
	}

	existing, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateEmailError()
	}

	hash, err := hashPassword(password, s.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	cred := &model.Credential{
		UID:          uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateEmailError()
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	session, err := s.createSession(ctx, cred.UID)
	if err != nil {
		return nil, err
	}

	slog.Info("account created", slog.String("user_id", cred.UID))
	return &model.SignIn{Credential: cred, Session: session, IsNewAccount: true}, nil
}

// SignInWithPassword はメールアドレスとパスワードで認証しセッションを発行する。
// アカウント不存在とパスワード不一致は区別せずINVALID_CREDENTIALSとする。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.SignIn, error) {
	cred, err := s.credentials.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if cred == nil || cred.PasswordHash == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	if err := comparePassword(cred.PasswordHash, password); err != nil {
		if errors.Is(err, errPasswordMismatch) {
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, fmt.Errorf("failed to compare password: %w", err)
	}

	session, err := s.createSession(ctx, cred.UID)
	if err != nil {
		return nil, err
	}
	return &model.SignIn{Credential: cred, Session: session}, nil
}

// SignInWithGoogle はGoogleの認可コードでサインインする。
// identityが未登録の場合、同じメールアドレスのアカウントがあればGoogleが確認済みの
// アドレスに限り紐付け、なければアカウントとidentityを同時に作成する。
func (s *Service) SignInWithGoogle(ctx context.Context, code string) (*model.SignIn, error) {
	if code == "" {
		return nil, model.NewSignInCancelledError()
	}

	info, err := s.oauth.ExchangeCode(ctx, code)
	if errors.Is(err, ErrCodeRejected) {
		return nil, model.NewSignInCancelledError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	identity, err := s.identities.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	var cred *model.Credential
	isNew := false

	if identity != nil {
		cred, err = s.credentials.FindByUID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find account: %w", err)
		}
		if cred == nil {
			return nil, fmt.Errorf("identity %s references missing account %s", identity.ID, identity.UserID)
		}
	} else {
		cred, isNew, err = s.linkOrCreateFederated(ctx, info)
		if err != nil {
			return nil, err
		}
	}

	session, err := s.createSession(ctx, cred.UID)
	if err != nil {
		return nil, err
	}

	slog.Info("federated sign-in",
		slog.String("user_id", cred.UID),
		slog.String("provider", info.Provider),
		slog.Bool("new_account", isNew),
	)
	return &model.SignIn{Credential: cred, Session: session, IsNewAccount: isNew}, nil
}

func (s *Service) linkOrCreateFederated(ctx context.Context, info *OAuthUserInfo) (*model.Credential, bool, error) {
	email := model.NormalizeEmail(info.Email)
	now := time.Now()
	identity := &model.FederatedIdentity{
		ID:             uuid.New().String(),
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	existing, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find account: %w", err)
	}

	if existing != nil {
		if !info.EmailVerified {
			return nil, false, model.NewDuplicateEmailError()
		}
		identity.UserID = existing.UID
		if err := s.credentials.LinkIdentity(ctx, identity); err != nil {
			return nil, false, fmt.Errorf("failed to link identity: %w", err)
		}
		if !existing.EmailVerified {
			if err := s.credentials.MarkEmailVerified(ctx, existing.UID); err != nil {
				return nil, false, err
			}
			existing.EmailVerified = true
		}
		return existing, false, nil
	}

	cred := &model.Credential{
		UID:           uuid.New().String(),
		Email:         email,
		DisplayName:   info.Name,
		EmailVerified: info.EmailVerified,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if info.Picture != "" {
		cred.PhotoURL = model.StringPtr(info.Picture)
	}
	identity.UserID = cred.UID

	if err := s.credentials.CreateWithIdentity(ctx, cred, identity); err != nil {
		return nil, false, fmt.Errorf("failed to create account and identity: %w", err)
	}
	return cred, true, nil
}

// SignOut はセッションを破棄する。存在しない・期限切れのセッションでもエラーにしない。
func (s *Service) SignOut(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		slog.Warn("failed to look up session before sign-out", slog.String("error", err.Error()))
	}

	if err := s.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	ev := notify.Event{Kind: notify.SessionEnded, SessionID: sessionID}
	if session != nil {
		ev.UserID = session.UserID
	}
	s.publish(ctx, ev)
	return nil
}

// CurrentSignIn はセッションとそれに対応するアカウントを返す。
// セッションが無効、またはアカウントが削除済みの場合はnilを返す。
func (s *Service) CurrentSignIn(ctx context.Context, sessionID string) (*model.SignIn, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	cred, err := s.credentials.FindByUID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if cred == nil {
		return nil, nil
	}
	return &model.SignIn{Credential: cred, Session: session}, nil
}

// UpdateProfile は表示名とプロフィール画像を更新する。
func (s *Service) UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	if err := s.credentials.UpdateProfile(ctx, uid, update); err != nil {
		return err
	}
	s.publish(ctx, notify.Event{Kind: notify.UserChanged, UserID: uid})
	return nil
}

// SendEmailVerification は確認メールを送信する。
// アカウントが存在しない場合はNO_CURRENT_USER、再送間隔内の場合はRATE_LIMITEDを返す。
func (s *Service) SendEmailVerification(ctx context.Context, uid string) error {
	cred, err := s.credentials.FindByUID(ctx, uid)
	if err != nil {
		return fmt.Errorf("failed to find account: %w", err)
	}
	if cred == nil {
		return model.NewNoCurrentUserError()
	}

	if s.config.VerificationCooldown > 0 {
		ok, err := s.cooldown.Acquire(ctx, "verify:"+uid, s.config.VerificationCooldown)
		if err != nil {
			return fmt.Errorf("failed to acquire cooldown: %w", err)
		}
		if !ok {
			return model.NewRateLimitedError()
		}
	}

	token, err := s.tokens.Issue(cred.UID, cred.Email)
	if err != nil {
		return err
	}
	link := strings.TrimRight(s.config.BaseURL, "/") + "/auth/verify?token=" + url.QueryEscape(token)

	if err := s.mailer.Send(ctx, verificationMessage(cred, link)); err != nil {
		return fmt.Errorf("failed to send verification email: %w", err)
	}
	return nil
}

// VerifyEmail は確認トークンを検証してアカウントを確認済みにし、uidを返す。
// 発行後にメールアドレスが変わったアカウントのトークンは無効とする。
func (s *Service) VerifyEmail(ctx context.Context, token string) (string, error) {
	uid, email, err := s.tokens.Parse(token)
	if err != nil {
		slog.Info("invalid verification token", slog.String("error", err.Error()))
		return "", model.NewInvalidVerificationTokenError()
	}

	cred, err := s.credentials.FindByUID(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("failed to find account: %w", err)
	}
	if cred == nil || cred.Email != email {
		return "", model.NewInvalidVerificationTokenError()
	}

	if !cred.EmailVerified {
		if err := s.credentials.MarkEmailVerified(ctx, uid); err != nil {
			return "", err
		}
	}
	s.publish(ctx, notify.Event{Kind: notify.UserChanged, UserID: uid})
	return uid, nil
}

// DeleteUser はアカウントを削除する。セッションとidentityはCASCADE削除される。
func (s *Service) DeleteUser(ctx context.Context, uid string) error {
	if err := s.credentials.Delete(ctx, uid); err != nil {
		return err
	}
	s.publish(ctx, notify.Event{Kind: notify.SessionEnded, UserID: uid})
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.publish(ctx, notify.Event{Kind: notify.SessionStarted, UserID: userID, SessionID: sessionID})
	return session, nil
}

// publish は通知を送信する。失敗は照合が遅れるだけなのでログに留める。
func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish session event",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// verificationMessage は確認メールを組み立てる。
func verificationMessage(cred *model.Credential, link string) mail.Message {
	name := cred.DisplayName
	if name == "" {
		name = cred.Email
	}
	text := fmt.Sprintf("%s さん\n\n以下のリンクからメールアドレスを確認してください。\n%s\n\nお心当たりがない場合はこのメールを破棄してください。\n", name, link)
	body := fmt.Sprintf(`<p>%s さん</p><p>以下のリンクからメールアドレスを確認してください。</p><p><a href="%s">メールアドレスを確認する</a></p>`,
		html.EscapeString(name), html.EscapeString(link))
	return mail.Message{
		To:      cred.Email,
		Subject: "【matchrate】メールアドレスの確認",
		Text:    text,
		HTML:    body,
	}
}
