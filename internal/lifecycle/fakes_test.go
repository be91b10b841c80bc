package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/repository"
	"github.com/hitoshi/matchrate/internal/security"
)

// fakeProvider はメモリ上のクレデンシャルプロバイダー。
type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	accounts  map[string]*model.Credential // uid
	passwords map[string]string            // uid -> password
	sessions  map[string]string            // session id -> uid
	expiries  map[string]time.Time         // session id

	// sessionTTL が正の場合、発行するセッションに有効期限を付ける。
	sessionTTL time.Duration
	clock      func() time.Time

	signOuts []string
	deleted  []string
	mailed   []string

	updateProfileErr error
	sendErr          error
	signOutErr       error
	googleInfo       *model.Credential
	onSignIn         func()
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:  make(map[string]*model.Credential),
		passwords: make(map[string]string),
		sessions:  make(map[string]string),
		expiries:  make(map[string]time.Time),
		clock:     time.Now,
	}
}

func (p *fakeProvider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *fakeProvider) copyOf(uid string) *model.Credential {
	c := *p.accounts[uid]
	return &c
}

func (p *fakeProvider) startSession(uid string) *model.SignIn {
	sid := p.nextID("session")
	p.sessions[sid] = uid
	return &model.SignIn{Credential: p.copyOf(uid), Session: p.session(sid, uid)}
}

func (p *fakeProvider) session(sid, uid string) *model.Session {
	s := &model.Session{ID: sid, UserID: uid}
	if p.sessionTTL > 0 {
		if _, ok := p.expiries[sid]; !ok {
			p.expiries[sid] = p.clock().Add(p.sessionTTL)
		}
		s.ExpiresAt = p.expiries[sid]
	}
	return s
}

func (p *fakeProvider) findByEmail(email string) *model.Credential {
	for _, c := range p.accounts {
		if c.Email == strings.ToLower(email) {
			return c
		}
	}
	return nil
}

func (p *fakeProvider) CreateUser(_ context.Context, email, password string) (*model.SignIn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(password) < 6 {
		return nil, model.NewWeakPasswordError(6)
	}
	if p.findByEmail(email) != nil {
		return nil, model.NewDuplicateEmailError()
	}
	uid := p.nextID("uid")
	p.accounts[uid] = &model.Credential{UID: uid, Email: strings.ToLower(email)}
	p.passwords[uid] = password
	return p.startSession(uid), nil
}

func (p *fakeProvider) SignInWithPassword(_ context.Context, email, password string) (*model.SignIn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.findByEmail(email)
	if c == nil || p.passwords[c.UID] != password {
		return nil, model.NewInvalidCredentialsError()
	}
	in := p.startSession(c.UID)
	if p.onSignIn != nil {
		p.onSignIn()
	}
	return in, nil
}

func (p *fakeProvider) SignInWithGoogle(_ context.Context, code string) (*model.SignIn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == "" || p.googleInfo == nil {
		return nil, model.NewSignInCancelledError()
	}
	c := p.findByEmail(p.googleInfo.Email)
	if c == nil {
		uid := p.nextID("uid")
		info := *p.googleInfo
		info.UID = uid
		p.accounts[uid] = &info
		c = &info
	}
	return p.startSession(c.UID), nil
}

func (p *fakeProvider) SignOut(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signOuts = append(p.signOuts, sessionID)
	if p.signOutErr != nil {
		return p.signOutErr
	}
	delete(p.sessions, sessionID)
	return nil
}

func (p *fakeProvider) CurrentSignIn(_ context.Context, sessionID string) (*model.SignIn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	uid, ok := p.sessions[sessionID]
	if !ok || p.accounts[uid] == nil {
		return nil, nil
	}
	s := p.session(sessionID, uid)
	if !s.ExpiresAt.IsZero() && !p.clock().Before(s.ExpiresAt) {
		return nil, nil
	}
	return &model.SignIn{Credential: p.copyOf(uid), Session: s}, nil
}

func (p *fakeProvider) UpdateProfile(_ context.Context, uid string, update model.ProfileUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateProfileErr != nil {
		return p.updateProfileErr
	}
	c := p.accounts[uid]
	if update.Name != nil {
		c.DisplayName = *update.Name
	}
	if update.Avatar != nil {
		c.PhotoURL = model.StringPtr(*update.Avatar)
	}
	if update.RemoveAvatar {
		c.PhotoURL = nil
	}
	return nil
}

func (p *fakeProvider) SendEmailVerification(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accounts[uid] == nil {
		return model.NewNoCurrentUserError()
	}
	if p.sendErr != nil {
		return p.sendErr
	}
	p.mailed = append(p.mailed, uid)
	return nil
}

func (p *fakeProvider) VerifyEmail(_ context.Context, token string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	uid := strings.TrimPrefix(token, "token-")
	c := p.accounts[uid]
	if c == nil {
		return "", model.NewInvalidVerificationTokenError()
	}
	c.EmailVerified = true
	return uid, nil
}

func (p *fakeProvider) DeleteUser(_ context.Context, uid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, uid)
	delete(p.accounts, uid)
	delete(p.passwords, uid)
	for sid, owner := range p.sessions {
		if owner == uid {
			delete(p.sessions, sid)
		}
	}
	return nil
}

func (p *fakeProvider) activeSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *fakeProvider) accountCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// fakeUsers はメモリ上のUserRecordストア。
type fakeUsers struct {
	mu        sync.Mutex
	records   map[string]*model.UserRecord
	createErr error
	mergeErr  error
	// onFind はFindByIDの後にロックを保持したまま呼ばれる。
	onFind func()
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{records: make(map[string]*model.UserRecord)}
}

func (u *fakeUsers) FindByID(_ context.Context, id string) (*model.UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec := u.records[id]
	if u.onFind != nil {
		u.onFind()
	}
	if rec == nil {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (u *fakeUsers) Create(_ context.Context, rec *model.UserRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.createErr != nil {
		return u.createErr
	}
	if u.records[rec.ID] != nil {
		return repository.ErrDuplicate
	}
	c := *rec
	u.records[rec.ID] = &c
	return nil
}

func (u *fakeUsers) MergeProfile(_ context.Context, id string, update model.ProfileUpdate) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mergeErr != nil {
		return u.mergeErr
	}
	rec := u.records[id]
	if rec == nil {
		return nil
	}
	if update.Name != nil {
		rec.Name = *update.Name
	}
	if update.Avatar != nil {
		rec.Avatar = model.StringPtr(*update.Avatar)
	}
	if update.RemoveAvatar {
		rec.Avatar = nil
	}
	return nil
}

func (u *fakeUsers) SetEmailVerified(_ context.Context, id string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if rec := u.records[id]; rec != nil {
		rec.EmailVerified = true
	}
	return nil
}

// FindByEmail はwaitlist.UserApproverとしてメールアドレスの一致するレコードを返す。
func (u *fakeUsers) FindByEmail(_ context.Context, email string) ([]*model.UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*model.UserRecord
	for _, rec := range u.records {
		if rec.Email == email {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (u *fakeUsers) SetApproved(_ context.Context, id string, approved bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if rec := u.records[id]; rec != nil {
		rec.IsApproved = model.BoolPtr(approved)
	}
	return nil
}

// approveByEmail は管理者による承認を模す。
func (u *fakeUsers) approveByEmail(email string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, rec := range u.records {
		if rec.Email == email {
			rec.IsApproved = model.BoolPtr(true)
		}
	}
}

func (u *fakeUsers) setApproved(id string, approved *bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records[id].IsApproved = approved
}

func (u *fakeUsers) get(id string) *model.UserRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec := u.records[id]
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}

type fixture struct {
	provider *fakeProvider
	users    *fakeUsers
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{provider: newFakeProvider(), users: newFakeUsers()}
	f.deps = Deps{
		Provider:  f.provider,
		Users:     f.users,
		Sanitizer: security.NewTextSanitizer(),
		URLGuard:  security.NewURLGuard(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return f
}

func (f *fixture) manager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(f.deps)
	t.Cleanup(m.Close)
	return m
}

// seedApproved は承認済みのパスワードアカウントを作成する。
func (f *fixture) seedApproved(t *testing.T, name, email, password string) string {
	t.Helper()
	in, err := f.provider.CreateUser(context.Background(), email, password)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	uid := in.Credential.UID
	f.provider.SignOut(context.Background(), in.Session.ID)
	f.provider.signOuts = nil
	f.provider.UpdateProfile(context.Background(), uid, model.ProfileUpdate{Name: &name})
	f.users.Create(context.Background(), &model.UserRecord{
		ID: uid, Name: name, Email: email, IsApproved: model.BoolPtr(true),
	})
	return uid
}

// memWaitlist はメモリ上のウェイトリスト申請ストア。
type memWaitlist struct {
	mu      sync.Mutex
	entries map[string]*model.WaitlistEntry
}

func newMemWaitlist() *memWaitlist {
	return &memWaitlist{entries: make(map[string]*model.WaitlistEntry)}
}

func (w *memWaitlist) Create(_ context.Context, entry *model.WaitlistEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.Email == entry.Email && e.Status == model.WaitlistPending {
			return repository.ErrDuplicate
		}
	}
	c := *entry
	w.entries[entry.ID] = &c
	return nil
}

func (w *memWaitlist) FindByID(_ context.Context, id string) (*model.WaitlistEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.entries[id]
	if e == nil {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (w *memWaitlist) FindPendingByEmail(_ context.Context, email string) (*model.WaitlistEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.Email == email && e.Status == model.WaitlistPending {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

func (w *memWaitlist) List(_ context.Context) ([]*model.WaitlistEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*model.WaitlistEntry, 0, len(w.entries))
	for _, e := range w.entries {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (w *memWaitlist) Decide(_ context.Context, id string, status model.WaitlistStatus, decidedBy string, decidedAt time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.entries[id]
	if e == nil || e.Status != model.WaitlistPending {
		return false, nil
	}
	e.Status = status
	e.DecidedBy = decidedBy
	e.DecidedAt = &decidedAt
	return true, nil
}
