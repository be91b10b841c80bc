package middleware

import (
	"context"
	"strings"
	"testing"

	"github.com/hitoshi/matchrate/internal/lifecycle"
	"github.com/hitoshi/matchrate/internal/model"
)

var (
	testSessionID      = strings.Repeat("a", 64)
	otherTestSessionID = strings.Repeat("b", 64)
)

// stubProvider はセッション照合に必要なメソッドだけを実装する。
type stubProvider struct {
	lifecycle.CredentialProvider
	creds map[string]*model.Credential
}

func (p *stubProvider) CurrentSignIn(_ context.Context, sessionID string) (*model.SignIn, error) {
	cred := p.creds[sessionID]
	if cred == nil {
		return nil, nil
	}
	return &model.SignIn{Credential: cred, Session: &model.Session{ID: sessionID, UserID: cred.UID}}, nil
}

func (p *stubProvider) SignOut(context.Context, string) error {
	return nil
}

type stubUsers struct {
	lifecycle.UserRecords
	records map[string]*model.UserRecord
}

func (u *stubUsers) FindByID(_ context.Context, id string) (*model.UserRecord, error) {
	return u.records[id], nil
}

// newTestManager は承認済みユーザーで認証済みのManagerを返す。
func newTestManager(t *testing.T, sessionID, uid, email string) *lifecycle.Manager {
	t.Helper()
	deps := lifecycle.Deps{
		Provider: &stubProvider{creds: map[string]*model.Credential{
			sessionID: {UID: uid, Email: email, DisplayName: "Test User", EmailVerified: true},
		}},
		Users: &stubUsers{records: map[string]*model.UserRecord{
			uid: {ID: uid, Email: email, Name: "Test User", IsApproved: model.BoolPtr(true)},
		}},
	}
	m := lifecycle.NewManager(deps)
	t.Cleanup(m.Close)

	snap, err := m.Restore(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if snap.State != lifecycle.Authenticated {
		t.Fatalf("state = %v, want authenticated", snap.State)
	}
	return m
}

// stubResolver はセッションIDとManagerの対応表で解決する。
type stubResolver struct {
	managers map[string]*lifecycle.Manager
	err      error
	calls    int
}

func (r *stubResolver) Resolve(_ context.Context, sessionID string) (*lifecycle.Manager, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.managers[sessionID], nil
}
