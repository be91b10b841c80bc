// Package lifecycle はブラウザセッションごとのアカウントライフサイクル
// （登録、サインイン、承認ゲート、プロフィール更新、サインアウト）を管理する。
//
// 状態の書き込みはManagerごとに1つのgoroutineだけが行う。
// 操作の結果とセッション変更通知はどちらもこのgoroutineに送られ、
// キューに入った順に適用される（後勝ち）。適用のたびにGenerationが増える。
// 読み出し側は不変なSnapshotを参照する。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/repository"
	"github.com/hitoshi/matchrate/internal/security"
)

// State はManagerの認証状態。
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Snapshot はある時点のManagerの状態。生成後に変更してはならない。
type Snapshot struct {
	State      State
	Identity   *model.Identity
	SessionID  string
	// ExpiresAt はクレデンシャルセッションの有効期限。ゼロ値は期限なし。
	ExpiresAt  time.Time
	Generation uint64
}

// Expired はnow時点でセッションの有効期限が切れているかどうかを返す。
func (s Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Outcome はサインイン系操作の結果。
type Outcome struct {
	Identity *model.Identity
	// VerifyEmailReminder はメールアドレスが未確認であることを示す。セッションは有効なまま。
	VerifyEmailReminder bool
	// PendingApproval は承認待ちのためセッションを破棄したことを示す。
	PendingApproval bool
}

// CredentialProvider はManagerが利用するクレデンシャルプロバイダー。
// *auth.Service が満たす。
type CredentialProvider interface {
	CreateUser(ctx context.Context, email, password string) (*model.SignIn, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.SignIn, error)
	SignInWithGoogle(ctx context.Context, code string) (*model.SignIn, error)
	SignOut(ctx context.Context, sessionID string) error
	// CurrentSignIn は有効なセッションとそのアカウントを返す。無効な場合はnil。
	CurrentSignIn(ctx context.Context, sessionID string) (*model.SignIn, error)
	UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error
	SendEmailVerification(ctx context.Context, uid string) error
	VerifyEmail(ctx context.Context, token string) (string, error)
	DeleteUser(ctx context.Context, uid string) error
}

// UserRecords はManagerが利用するUserRecordストア。
type UserRecords interface {
	FindByID(ctx context.Context, id string) (*model.UserRecord, error)
	Create(ctx context.Context, rec *model.UserRecord) error
	MergeProfile(ctx context.Context, id string, update model.ProfileUpdate) error
	SetEmailVerified(ctx context.Context, id string) error
}

// Deps はManagerとRegistryの依存。
type Deps struct {
	Provider  CredentialProvider
	Users     UserRecords
	Sanitizer security.TextSanitizer
	URLGuard  security.URLGuard
	Logger    *slog.Logger
}

type command struct {
	apply func(Snapshot) Snapshot
	done  chan Snapshot
}

// Manager は1つのブラウザセッションの状態機械。
type Manager struct {
	deps Deps

	state     atomic.Pointer[Snapshot]
	commands  chan command
	reconcile chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	inflight atomic.Int32
	// deferred は操作中に保留した強制サインアウトを示す。操作終了時に照合をやり直す。
	deferred atomic.Bool
	lastUsed atomic.Int64
}

// NewManager は未認証状態のManagerを生成し、状態更新goroutineを起動する。
// 不要になったらCloseを呼ぶこと。
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:      deps,
		commands:  make(chan command),
		reconcile: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	m.state.Store(&Snapshot{State: Unauthenticated})
	m.touch()
	go m.loop()
	return m
}

// Close は状態更新goroutineを停止する。複数回呼んでもよい。
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Snapshot は現在の状態を返す。
func (m *Manager) Snapshot() Snapshot {
	return *m.state.Load()
}

// Identity は現在のIdentityのコピーを返す。未認証の場合はnil。
func (m *Manager) Identity() *model.Identity {
	s := m.Snapshot()
	if s.State != Authenticated {
		return nil
	}
	return s.Identity.Clone()
}

// RequestReconcile は照合を要求する。既に保留中の要求があればまとめられる。
func (m *Manager) RequestReconcile() {
	select {
	case m.reconcile <- struct{}{}:
	default:
	}
}

func (m *Manager) touch() {
	m.lastUsed.Store(time.Now().UnixNano())
}

func (m *Manager) idleSince() time.Time {
	return time.Unix(0, m.lastUsed.Load())
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case cmd := <-m.commands:
			cmd.done <- m.commit(cmd.apply(m.Snapshot()))
		case <-m.reconcile:
			m.runReconcile()
		}
	}
}

// commit は次の状態を公開する。状態更新goroutineからのみ呼ぶ。
func (m *Manager) commit(next Snapshot) Snapshot {
	next.Generation = m.Snapshot().Generation + 1
	m.state.Store(&next)
	return next
}

// update は状態更新goroutineでfnを適用し、適用後の状態を返す。
func (m *Manager) update(fn func(Snapshot) Snapshot) Snapshot {
	cmd := command{apply: fn, done: make(chan Snapshot, 1)}
	select {
	case m.commands <- cmd:
		return <-cmd.done
	case <-m.done:
		return m.Snapshot()
	}
}

func (m *Manager) setAuthenticated(identity *model.Identity, session *model.Session) Snapshot {
	return m.update(func(Snapshot) Snapshot {
		return Snapshot{
			State:     Authenticated,
			Identity:  identity,
			SessionID: session.ID,
			ExpiresAt: session.ExpiresAt,
		}
	})
}

func (m *Manager) clear() Snapshot {
	return m.update(func(Snapshot) Snapshot {
		return Snapshot{State: Unauthenticated}
	})
}

// track は操作の開始を記録する。返される関数で操作の終了を記録する。
// 操作中に保留した照合があれば、最後の操作の終了時に要求し直す。
func (m *Manager) track() func() {
	m.inflight.Add(1)
	m.touch()
	return func() {
		if m.inflight.Add(-1) == 0 && m.deferred.CompareAndSwap(true, false) {
			m.RequestReconcile()
		}
	}
}

// begin はサインイン系操作を開始し、状態をAuthenticatingにする。
func (m *Manager) begin() func() {
	end := m.track()
	m.update(func(s Snapshot) Snapshot {
		s.State = Authenticating
		return s
	})
	return func() {
		m.update(settle)
		end()
	}
}

// settle は操作が状態を確定させずに終わった場合にAuthenticatingを解消する。
func settle(s Snapshot) Snapshot {
	if s.State != Authenticating {
		return s
	}
	if s.Identity != nil && s.SessionID != "" {
		s.State = Authenticated
	} else {
		s.State = Unauthenticated
	}
	return s
}

// Restore はCookieに残っていたセッションを照合し、状態を確定させる。
// 承認されていないセッションは強制的にサインアウトする。
func (m *Manager) Restore(ctx context.Context, sessionID string) (Snapshot, error) {
	identity, session, err := m.resolve(ctx, sessionID)
	if err != nil {
		return m.Snapshot(), err
	}
	if identity == nil {
		return m.clear(), nil
	}
	if !identity.Approved() {
		m.forceSignOut(ctx, sessionID)
		return m.clear(), nil
	}
	return m.setAuthenticated(identity, session), nil
}

// resolve はセッションからクレデンシャルとUserRecordを読み直してIdentityを組み立てる。
// セッションが無効な場合はnilを返す。
func (m *Manager) resolve(ctx context.Context, sessionID string) (*model.Identity, *model.Session, error) {
	if sessionID == "" {
		return nil, nil, nil
	}
	signIn, err := m.deps.Provider.CurrentSignIn(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve credential: %w", err)
	}
	if signIn == nil || signIn.Credential == nil || signIn.Session == nil {
		return nil, nil, nil
	}
	rec, err := m.deps.Users.FindByID(ctx, signIn.Credential.UID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve user record: %w", err)
	}
	return model.NewIdentity(signIn.Credential, rec), signIn.Session, nil
}

// runReconcile はセッション変更通知を受けて状態を照合する。状態更新goroutineで実行する。
func (m *Manager) runReconcile() {
	ctx := context.Background()
	cur := m.Snapshot()
	if cur.SessionID == "" {
		return
	}

	identity, session, err := m.resolve(ctx, cur.SessionID)
	if err != nil {
		m.deps.Logger.Warn("照合に失敗しました",
			slog.String("session_id_prefix", sessionPrefix(cur.SessionID)),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case identity == nil:
		m.commit(Snapshot{State: Unauthenticated})
	case identity.Approved():
		next := cur
		next.Identity = identity
		next.ExpiresAt = session.ExpiresAt
		if next.State != Authenticating {
			next.State = Authenticated
		}
		m.commit(next)
	case m.inflight.Load() > 0:
		m.deferred.Store(true)
	default:
		m.forceSignOut(ctx, cur.SessionID)
		m.commit(Snapshot{State: Unauthenticated})
	}
}

// forceSignOut は承認ゲートで不許可となったセッションを破棄する。
// 失敗してもローカル状態は破棄されるため、ログに残すのみとする。
func (m *Manager) forceSignOut(ctx context.Context, sessionID string) {
	if err := m.deps.Provider.SignOut(context.WithoutCancel(ctx), sessionID); err != nil {
		m.deps.Logger.Error("強制サインアウトに失敗しました",
			slog.String("session_id_prefix", sessionPrefix(sessionID)),
			slog.String("error", err.Error()),
		)
	}
}

// Register はパスワードアカウントを登録する。
// クレデンシャル作成後の手順が失敗した場合はクレデンシャルを削除して元に戻す。
// 成功時も新規アカウントは承認待ちのため、セッションは破棄して未認証状態で終わる。
func (m *Manager) Register(ctx context.Context, name, email, password string) (*Outcome, error) {
	defer m.begin()()

	name = m.deps.Sanitizer.Sanitize(name)
	signIn, err := m.deps.Provider.CreateUser(ctx, email, password)
	if err != nil {
		return nil, err
	}
	cred := signIn.Credential

	rollback := func(step string, cause error) error {
		if err := m.deps.Provider.DeleteUser(context.WithoutCancel(ctx), cred.UID); err != nil {
			m.deps.Logger.Error("登録のロールバックに失敗しました",
				slog.String("user_id", cred.UID),
				slog.String("step", step),
				slog.String("error", err.Error()),
			)
			return errors.Join(cause, fmt.Errorf("rollback credential %s: %w", cred.UID, err))
		}
		m.deps.Logger.Warn("登録をロールバックしました",
			slog.String("user_id", cred.UID),
			slog.String("step", step),
			slog.String("error", cause.Error()),
		)
		return cause
	}

	if name != "" {
		if err := m.deps.Provider.UpdateProfile(ctx, cred.UID, model.ProfileUpdate{Name: &name}); err != nil {
			return nil, rollback("display_name", err)
		}
		cred.DisplayName = name
	}

	if err := m.deps.Provider.SendEmailVerification(ctx, cred.UID); err != nil {
		return nil, rollback("verification_email", err)
	}

	rec := newRecord(cred, false)
	rec.EmailVerified = false
	if err := m.deps.Users.Create(ctx, rec); err != nil {
		return nil, rollback("user_record", err)
	}

	m.forceSignOut(ctx, signIn.Session.ID)
	m.clear()

	m.deps.Logger.Info("アカウントを登録しました（承認待ち）", slog.String("user_id", cred.UID))
	return &Outcome{Identity: model.NewIdentity(cred, rec), PendingApproval: true}, nil
}

// Login はメールアドレスとパスワードでサインインする。
// UserRecordが承認済みでない場合はセッションを破棄してPENDING_APPROVALを返す。
func (m *Manager) Login(ctx context.Context, email, password string) (*Outcome, error) {
	defer m.begin()()

	signIn, err := m.deps.Provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.admit(ctx, signIn)
}

// GoogleSignIn はGoogleの認可コードでサインインする。
// 初回サインインではUserRecordを承認待ちで作成し、セッションを破棄する。
func (m *Manager) GoogleSignIn(ctx context.Context, code string) (*Outcome, error) {
	defer m.begin()()

	signIn, err := m.deps.Provider.SignInWithGoogle(ctx, code)
	if err != nil {
		return nil, err
	}
	return m.admit(ctx, signIn)
}

// admit はサインイン結果に承認ゲートを適用する。
// UserRecordがない場合は承認待ちで作成する。
func (m *Manager) admit(ctx context.Context, signIn *model.SignIn) (*Outcome, error) {
	cred := signIn.Credential
	sessionID := signIn.Session.ID

	rec, err := m.deps.Users.FindByID(ctx, cred.UID)
	if err != nil {
		m.forceSignOut(ctx, sessionID)
		return nil, fmt.Errorf("find user record: %w", err)
	}

	if rec == nil {
		rec, err = m.createPending(ctx, cred)
		if err != nil {
			m.forceSignOut(ctx, sessionID)
			return nil, err
		}
	}

	identity := model.NewIdentity(cred, rec)
	if !identity.Approved() {
		m.forceSignOut(ctx, sessionID)
		m.clear()
		return nil, model.NewPendingApprovalError()
	}

	m.setAuthenticated(identity, signIn.Session)
	return &Outcome{
		Identity:            identity.Clone(),
		VerifyEmailReminder: !identity.EmailVerified,
	}, nil
}

// createPending は承認待ちのUserRecordを作成する。
// 同時のサインインが先に作成していた場合は保存済みのレコードを読み直す。
func (m *Manager) createPending(ctx context.Context, cred *model.Credential) (*model.UserRecord, error) {
	rec := newRecord(cred, false)
	err := m.deps.Users.Create(ctx, rec)
	if err == nil {
		m.deps.Logger.Info("承認待ちのUserRecordを作成しました", slog.String("user_id", cred.UID))
		return rec, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, fmt.Errorf("create user record: %w", err)
	}

	stored, err := m.deps.Users.FindByID(ctx, cred.UID)
	if err != nil {
		return nil, fmt.Errorf("reload user record: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("reload user record: %s not found after duplicate", cred.UID)
	}
	return stored, nil
}

// Logout はセッションを破棄する。未認証状態で呼んでもエラーにならない。
// プロバイダーでの破棄に失敗した場合もローカル状態は破棄し、エラーを返す。
func (m *Manager) Logout(ctx context.Context) error {
	m.touch()
	cur := m.Snapshot()
	m.clear()
	if cur.SessionID == "" {
		return nil
	}
	if err := m.deps.Provider.SignOut(ctx, cur.SessionID); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// UpdateProfile は表示名とアバターをプロバイダーとUserRecordの両方に反映する。
// メモリ上のIdentityは両方の更新が成功した場合のみ更新する。
func (m *Manager) UpdateProfile(ctx context.Context, update model.ProfileUpdate) (*model.Identity, error) {
	cur := m.Snapshot()
	if cur.State != Authenticated || cur.Identity == nil {
		return nil, model.NewNoCurrentUserError()
	}
	uid := cur.Identity.ID

	if update.Name != nil {
		name := m.deps.Sanitizer.Sanitize(*update.Name)
		if name == "" {
			return nil, model.NewValidationError("名前を入力してください")
		}
		update.Name = &name
	}
	if update.Avatar != nil {
		if err := m.deps.URLGuard.ValidateAvatarURL(*update.Avatar); err != nil {
			return nil, model.NewInvalidAvatarURLError(err.Error())
		}
	}
	if update.IsEmpty() {
		return cur.Identity.Clone(), nil
	}

	defer m.track()()

	if err := m.deps.Provider.UpdateProfile(ctx, uid, update); err != nil {
		return nil, err
	}
	if err := m.deps.Users.MergeProfile(ctx, uid, update); err != nil {
		return nil, fmt.Errorf("merge user record: %w", err)
	}

	next := m.update(func(s Snapshot) Snapshot {
		if s.Identity == nil || s.Identity.ID != uid {
			return s
		}
		id := s.Identity.Clone()
		if update.Name != nil {
			id.Name = *update.Name
		}
		if update.RemoveAvatar {
			id.Avatar = nil
		} else if update.Avatar != nil {
			id.Avatar = model.StringPtr(*update.Avatar)
		}
		s.Identity = id
		return s
	})
	return next.Identity.Clone(), nil
}

// SendVerificationEmail は確認メールを送信する。状態は変化しない。
func (m *Manager) SendVerificationEmail(ctx context.Context) error {
	cur := m.Snapshot()
	if cur.Identity == nil {
		return model.NewNoCurrentUserError()
	}
	m.touch()
	return m.deps.Provider.SendEmailVerification(ctx, cur.Identity.ID)
}

// newRecord はクレデンシャルからUserRecordを組み立てる。
func newRecord(cred *model.Credential, approved bool) *model.UserRecord {
	now := time.Now()
	return &model.UserRecord{
		ID:            cred.UID,
		Name:          cred.DisplayName,
		Email:         cred.Email,
		Avatar:        cred.PhotoURL,
		EmailVerified: cred.EmailVerified,
		IsApproved:    model.BoolPtr(approved),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// sessionPrefix はログ出力用にセッションIDの先頭だけを返す。
func sessionPrefix(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
