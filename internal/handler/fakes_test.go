package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/matchrate/internal/lifecycle"
	"github.com/hitoshi/matchrate/internal/metrics"
	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/repository"
	"github.com/hitoshi/matchrate/internal/security"
)

// --- クレデンシャルプロバイダーとUserRecordのメモリ実装 ---

type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	accounts  map[string]*model.Credential
	passwords map[string]string
	sessions  map[string]string // session id -> uid

	googleInfo *model.Credential
	mailed     []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		accounts:  make(map[string]*model.Credential),
		passwords: make(map[string]string),
		sessions:  make(map[string]string),
	}
}

func (p *fakeProvider) startSession(uid string) *model.SignIn {
	p.seq++
	sid := fmt.Sprintf("%064x", p.seq)
	p.sessions[sid] = uid
	c := *p.accounts[uid]
	return &model.SignIn{Credential: &c, Session: &model.Session{ID: sid, UserID: uid}}
}

func (p *fakeProvider) findByEmail(email string) *model.Credential {
	for _, c := range p.accounts {
		if c.Email == model.NormalizeEmail(email) {
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
	p.seq++
	uid := fmt.Sprintf("uid-%d", p.seq)
	p.accounts[uid] = &model.Credential{UID: uid, Email: model.NormalizeEmail(email)}
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
	return p.startSession(c.UID), nil
}

func (p *fakeProvider) SignInWithGoogle(_ context.Context, code string) (*model.SignIn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if code == "" || p.googleInfo == nil {
		return nil, model.NewSignInCancelledError()
	}
	c := p.findByEmail(p.googleInfo.Email)
	if c == nil {
		p.seq++
		info := *p.googleInfo
		info.UID = fmt.Sprintf("uid-%d", p.seq)
		p.accounts[info.UID] = &info
		c = &info
	}
	return p.startSession(c.UID), nil
}

func (p *fakeProvider) SignOut(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
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
	c := *p.accounts[uid]
	return &model.SignIn{Credential: &c, Session: &model.Session{ID: sessionID, UserID: uid}}, nil
}

func (p *fakeProvider) UpdateProfile(_ context.Context, uid string, update model.ProfileUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
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
	delete(p.accounts, uid)
	return nil
}

func (p *fakeProvider) activeSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

type fakeUsers struct {
	mu      sync.Mutex
	records map[string]*model.UserRecord
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{records: make(map[string]*model.UserRecord)}
}

func (u *fakeUsers) FindByID(_ context.Context, id string) (*model.UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec := u.records[id]
	if rec == nil {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (u *fakeUsers) Create(_ context.Context, rec *model.UserRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
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

func (u *fakeUsers) approveByEmail(email string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, rec := range u.records {
		if rec.Email == email {
			rec.IsApproved = model.BoolPtr(true)
		}
	}
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

// --- サービスのモック ---

type mockWaitlistService struct {
	submitFn  func(ctx context.Context, name, email string) (*model.WaitlistEntry, error)
	listFn    func(ctx context.Context, adminEmail string) ([]*model.WaitlistEntry, error)
	approveFn func(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error)
	rejectFn  func(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error)
	admins    map[string]bool
}

func (m *mockWaitlistService) Submit(ctx context.Context, name, email string) (*model.WaitlistEntry, error) {
	if m.submitFn != nil {
		return m.submitFn(ctx, name, email)
	}
	return &model.WaitlistEntry{ID: "entry-1", Name: name, Email: email, Status: model.WaitlistPending}, nil
}

func (m *mockWaitlistService) List(ctx context.Context, adminEmail string) ([]*model.WaitlistEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, adminEmail)
	}
	return nil, nil
}

func (m *mockWaitlistService) Approve(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error) {
	if m.approveFn != nil {
		return m.approveFn(ctx, adminEmail, entryID)
	}
	return nil, model.NewWaitlistEntryNotFoundError(entryID)
}

func (m *mockWaitlistService) Reject(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error) {
	if m.rejectFn != nil {
		return m.rejectFn(ctx, adminEmail, entryID)
	}
	return nil, model.NewWaitlistEntryNotFoundError(entryID)
}

func (m *mockWaitlistService) IsAdmin(email string) bool {
	return m.admins[email]
}

type mockRatingService struct {
	rateFn          func(ctx context.Context, userID, matchID, playerID string, stars int, comment string) (*model.Rating, error)
	matchSummaryFn  func(ctx context.Context, matchID string) ([]model.RatingSummary, error)
	playerRatingsFn func(ctx context.Context, playerID string, limit int) ([]*model.Rating, error)
}

func (m *mockRatingService) Rate(ctx context.Context, userID, matchID, playerID string, stars int, comment string) (*model.Rating, error) {
	if m.rateFn != nil {
		return m.rateFn(ctx, userID, matchID, playerID, stars, comment)
	}
	return &model.Rating{ID: "rating-1", UserID: userID, MatchID: matchID, PlayerID: playerID, Stars: stars, Comment: comment}, nil
}

func (m *mockRatingService) MatchSummary(ctx context.Context, matchID string) ([]model.RatingSummary, error) {
	if m.matchSummaryFn != nil {
		return m.matchSummaryFn(ctx, matchID)
	}
	return []model.RatingSummary{}, nil
}

func (m *mockRatingService) PlayerRatings(ctx context.Context, playerID string, limit int) ([]*model.Rating, error) {
	if m.playerRatingsFn != nil {
		return m.playerRatingsFn(ctx, playerID, limit)
	}
	return []*model.Rating{}, nil
}

// recordingCollector はハンドラーが記録したメトリクスを保持する。
type recordingCollector struct {
	metrics.Nop
	mu        sync.Mutex
	attempts  []string // method/result
	submitted int
	decisions []string
	ratings   int
}

func (c *recordingCollector) RecordAuthAttempt(method, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, method+"/"+result)
}

func (c *recordingCollector) RecordWaitlistSubmission() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted++
}

func (c *recordingCollector) RecordWaitlistDecision(decision string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions = append(c.decisions, decision)
}

func (c *recordingCollector) RecordRatingSubmitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ratings++
}

type stubHealthChecker struct {
	err error
}

func (s *stubHealthChecker) PingContext(context.Context) error {
	return s.err
}

// --- テスト環境 ---

const (
	testBaseURL   = "http://localhost:3000/"
	testCSRFToken = "test-csrf-token"
	adminAddress  = "admin@example.com"
)

type testEnv struct {
	provider  *fakeProvider
	users     *fakeUsers
	registry  *lifecycle.Registry
	waitlist  *mockWaitlistService
	ratings   *mockRatingService
	collector *recordingCollector
	health    *stubHealthChecker
	router    http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		provider:  newFakeProvider(),
		users:     newFakeUsers(),
		waitlist:  &mockWaitlistService{admins: map[string]bool{adminAddress: true}},
		ratings:   &mockRatingService{},
		collector: &recordingCollector{},
		health:    &stubHealthChecker{},
	}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.registry = lifecycle.NewRegistry(lifecycle.Deps{
		Provider:  e.provider,
		Users:     e.users,
		Sanitizer: security.NewTextSanitizer(),
		URLGuard:  security.NewURLGuard(),
		Logger:    discard,
	}, lifecycle.RegistryConfig{})
	t.Cleanup(e.registry.Close)

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate: 1000, GeneralBurst: 1000,
		AuthRate: 1000, AuthBurst: 1000,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	e.router = NewRouter(&RouterDeps{
		HealthChecker:     e.health,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            discard,
		Metrics:           e.collector,
		Sessions:          e.registry,
		AuthConfig: AuthHandlerConfig{
			BaseURL: testBaseURL,
			Cookies: middleware.CookieConfig{MaxAge: 3600},
			GoogleLoginURL: func(state string) string {
				return "https://accounts.google.com/o/oauth2/auth?state=" + state
			},
		},
		WaitlistService: e.waitlist,
		RatingService:   e.ratings,
	})
	return e
}

// do はCSRFトークン付きでリクエストを送る。sessionIDが空なら未認証。
func (e *testEnv) do(t *testing.T, method, path string, body any, sessionID string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: testCSRFToken})
	req.Header.Set("X-CSRF-Token", testCSRFToken)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: sessionID})
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// seedApproved は承認済みのパスワードアカウントを作成する。
func (e *testEnv) seedApproved(t *testing.T, name, email, password string) string {
	t.Helper()
	in, err := e.provider.CreateUser(context.Background(), email, password)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	uid := in.Credential.UID
	e.provider.SignOut(context.Background(), in.Session.ID)
	e.provider.UpdateProfile(context.Background(), uid, model.ProfileUpdate{Name: &name})
	e.users.Create(context.Background(), &model.UserRecord{
		ID: uid, Name: name, Email: model.NormalizeEmail(email), IsApproved: model.BoolPtr(true),
	})
	return uid
}

// login はパスワードでサインインしてセッションIDを返す。
func (e *testEnv) login(t *testing.T, email, password string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", w.Code, w.Body.String())
	}
	c := responseCookie(w, middleware.SessionCookieName)
	if c == nil || c.Value == "" {
		t.Fatal("expected session cookie")
	}
	return c.Value
}

func responseCookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apiErrorResponse {
	t.Helper()
	var body apiErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v (raw %q)", err, w.Body.String())
	}
	return body
}
