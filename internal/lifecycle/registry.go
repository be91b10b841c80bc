package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/matchrate/internal/notify"
)

// RegistryConfig はRegistryの設定。
type RegistryConfig struct {
	// IdleTTL を超えて使われていないManagerは破棄する。
	IdleTTL time.Duration
	// SweepInterval はアイドルManagerの掃除間隔。
	SweepInterval time.Duration
}

// Registry はセッションIDごとにManagerを保持し、セッション変更通知を配送する。
// キャッシュにないセッションは照合（Restore）してから保持する。
type Registry struct {
	deps   Deps
	config RegistryConfig
	now    func() time.Time

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry はRegistryを生成する。
func NewRegistry(deps Deps, config RegistryConfig) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 30 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	return &Registry{
		deps:     deps,
		config:   config,
		now:      time.Now,
		managers: make(map[string]*Manager),
	}
}

// NewManager は未認証のManagerを生成する。Registryには登録されない。
// サインインに成功したらAdoptで登録し、失敗したらCloseすること。
func (r *Registry) NewManager() *Manager {
	return NewManager(r.deps)
}

// Adopt は認証済みのManagerをそのセッションIDで登録する。
// 認証済みでない場合は何もしない。
func (r *Registry) Adopt(m *Manager) {
	s := m.Snapshot()
	if s.State != Authenticated || s.SessionID == "" {
		return
	}
	r.mu.Lock()
	prev := r.managers[s.SessionID]
	r.managers[s.SessionID] = m
	r.mu.Unlock()
	if prev != nil && prev != m {
		prev.Close()
	}
}

// Resolve はセッションIDに対応する認証済みManagerを返す。
// 有効なセッションでない、期限切れ、または承認されていない場合はnilを返す。
func (r *Registry) Resolve(ctx context.Context, sessionID string) (*Manager, error) {
	if sessionID == "" {
		return nil, nil
	}

	r.mu.Lock()
	m := r.managers[sessionID]
	r.mu.Unlock()
	if m != nil {
		if s := m.Snapshot(); s.State == Authenticated && !s.Expired(r.now()) {
			m.touch()
			return m, nil
		}
		r.Forget(sessionID)
		return nil, nil
	}

	m = NewManager(r.deps)
	snap, err := m.Restore(ctx, sessionID)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if snap.State != Authenticated || snap.Expired(r.now()) {
		m.Close()
		return nil, nil
	}

	r.mu.Lock()
	if existing := r.managers[sessionID]; existing != nil {
		r.mu.Unlock()
		m.Close()
		existing.touch()
		return existing, nil
	}
	r.managers[sessionID] = m
	r.mu.Unlock()
	return m, nil
}

// Forget はセッションIDのManagerを破棄する。
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	m := r.managers[sessionID]
	delete(r.managers, sessionID)
	r.mu.Unlock()
	if m != nil {
		m.Close()
	}
}

// Len は保持しているManager数を返す。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// ConfirmEmail は確認リンクのトークンを検証し、アカウントとUserRecordを確認済みにする。
func (r *Registry) ConfirmEmail(ctx context.Context, token string) (string, error) {
	uid, err := r.deps.Provider.VerifyEmail(ctx, token)
	if err != nil {
		return "", err
	}
	if err := r.deps.Users.SetEmailVerified(ctx, uid); err != nil {
		return "", fmt.Errorf("mark user record verified: %w", err)
	}
	r.dispatch(notify.Event{Kind: notify.UserChanged, UserID: uid})
	return uid, nil
}

// Run はセッション変更通知を購読して該当Managerに照合を要求し、
// 定期的にアイドルManagerを破棄する。ctxが終了するまでブロックする。
func (r *Registry) Run(ctx context.Context, sub notify.Subscriber) error {
	events, err := sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe session events: %w", err)
	}

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	r.deps.Logger.Info("ライフサイクルレジストリを開始しました")
	for {
		select {
		case <-ctx.Done():
			r.deps.Logger.Info("ライフサイクルレジストリを停止しました")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.dispatch(ev)
		case <-ticker.C:
			r.sweep()
		}
	}
}

// dispatch は通知の対象となるManagerに照合を要求する。
// SessionIDがあればそのセッションのみ、なければUserIDの全セッションが対象。
func (r *Registry) dispatch(ev notify.Event) {
	if ev.Kind == notify.SessionStarted {
		return
	}

	r.mu.Lock()
	var targets []*Manager
	if ev.SessionID != "" {
		if m := r.managers[ev.SessionID]; m != nil {
			targets = append(targets, m)
		}
	} else if ev.UserID != "" {
		for _, m := range r.managers {
			if id := m.Snapshot().Identity; id != nil && id.ID == ev.UserID {
				targets = append(targets, m)
			}
		}
	}
	r.mu.Unlock()

	for _, m := range targets {
		m.RequestReconcile()
	}
}

// sweep は未認証・期限切れ・IdleTTL超過のManagerを破棄する。
func (r *Registry) sweep() {
	now := r.now()
	deadline := now.Add(-r.config.IdleTTL)

	r.mu.Lock()
	var evicted []*Manager
	for id, m := range r.managers {
		s := m.Snapshot()
		if s.State == Unauthenticated || s.Expired(now) || m.idleSince().Before(deadline) {
			evicted = append(evicted, m)
			delete(r.managers, id)
		}
	}
	r.mu.Unlock()

	for _, m := range evicted {
		m.Close()
	}
	if len(evicted) > 0 {
		r.deps.Logger.Debug("アイドルManagerを破棄しました", slog.Int("count", len(evicted)))
	}
}

// Close は全てのManagerを停止する。
func (r *Registry) Close() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
