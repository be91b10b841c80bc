// Package waitlist はウェイトリスト申請と管理者による審査のドメインロジックを提供する。
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/notify"
	"github.com/hitoshi/matchrate/internal/repository"
	"github.com/hitoshi/matchrate/internal/security"
)

// UserApprover は承認時にUserRecordを更新するためのインターフェース。
type UserApprover interface {
	FindByEmail(ctx context.Context, email string) ([]*model.UserRecord, error)
	SetApproved(ctx context.Context, id string, approved bool) error
}

// Service はウェイトリストのサービス層。
// 管理者判定はハンドラーのミドルウェアに加えてこの層でも行う。
type Service struct {
	entries   repository.WaitlistRepository
	users     UserApprover
	events    notify.Publisher
	sanitizer security.TextSanitizer
	admins    map[string]struct{}
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// adminEmailsは管理者として扱うメールアドレスの許可リスト。
func NewService(
	entries repository.WaitlistRepository,
	users UserApprover,
	events notify.Publisher,
	sanitizer security.TextSanitizer,
	adminEmails []string,
) *Service {
	admins := make(map[string]struct{}, len(adminEmails))
	for _, email := range adminEmails {
		if e := model.NormalizeEmail(email); e != "" {
			admins[e] = struct{}{}
		}
	}
	return &Service{
		entries:   entries,
		users:     users,
		events:    events,
		sanitizer: sanitizer,
		admins:    admins,
		now:       time.Now,
	}
}

// IsAdmin はメールアドレスが管理者の許可リストに含まれるかを返す。
func (s *Service) IsAdmin(email string) bool {
	if email == "" {
		return false
	}
	_, ok := s.admins[model.NormalizeEmail(email)]
	return ok
}

type submission struct {
	Name  string
	Email string
}

func (r submission) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.RuneLength(1, 100)),
		validation.Field(&r.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
	)
}

// Submit はアクセス申請を作成する。
// 同じメールアドレスの審査待ち申請がある場合はDUPLICATE_ENTRYを返す。
// 審査済み（承認・却下）の申請は重複判定の対象外。
func (s *Service) Submit(ctx context.Context, name, email string) (*model.WaitlistEntry, error) {
	req := submission{
		Name:  s.sanitizer.Sanitize(name),
		Email: model.NormalizeEmail(email),
	}
	if err := req.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	existing, err := s.entries.FindPendingByEmail(ctx, req.Email)
	if err != nil {
		return nil, fmt.Errorf("審査待ち申請の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateEntryError()
	}

	entry := &model.WaitlistEntry{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Email:     req.Email,
		Status:    model.WaitlistPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.entries.Create(ctx, entry); err != nil {
		// 事前確認と挿入の間に同じメールアドレスの申請が作られた場合
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateEntryError()
		}
		return nil, fmt.Errorf("申請の作成に失敗しました: %w", err)
	}

	slog.Info("ウェイトリスト申請を受け付けました", slog.String("entry_id", entry.ID))
	return entry, nil
}

// List は全申請を新しい順に返す。管理者のみ。
func (s *Service) List(ctx context.Context, adminEmail string) ([]*model.WaitlistEntry, error) {
	if !s.IsAdmin(adminEmail) {
		return nil, model.NewForbiddenError()
	}
	entries, err := s.entries.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("申請一覧の取得に失敗しました: %w", err)
	}
	return entries, nil
}

// Approve は申請を承認し、同じメールアドレスの全UserRecordを承認済みにする。
// 該当するUserRecordがない場合は申請のみ更新する。
func (s *Service) Approve(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error) {
	entry, err := s.decide(ctx, adminEmail, entryID, model.WaitlistApproved)
	if err != nil {
		return nil, err
	}

	recs, err := s.users.FindByEmail(ctx, entry.Email)
	if err != nil {
		return nil, fmt.Errorf("承認対象ユーザーの検索に失敗しました: %w", err)
	}
	for _, rec := range recs {
		if err := s.users.SetApproved(ctx, rec.ID, true); err != nil {
			return nil, fmt.Errorf("ユーザーの承認に失敗しました: %w", err)
		}
		s.publish(ctx, notify.Event{Kind: notify.UserChanged, UserID: rec.ID})
	}

	slog.Info("ウェイトリスト申請を承認しました",
		slog.String("entry_id", entry.ID),
		slog.Int("approved_users", len(recs)),
	)
	return entry, nil
}

// Reject は申請を却下する。UserRecordは変更しない。
func (s *Service) Reject(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error) {
	entry, err := s.decide(ctx, adminEmail, entryID, model.WaitlistRejected)
	if err != nil {
		return nil, err
	}
	slog.Info("ウェイトリスト申請を却下しました", slog.String("entry_id", entry.ID))
	return entry, nil
}

// decide は審査待ちの申請を終端状態へ遷移させる。
// 遷移は条件付き更新で行うため、同時に審査された場合は一方だけが成功する。
func (s *Service) decide(ctx context.Context, adminEmail, entryID string, status model.WaitlistStatus) (*model.WaitlistEntry, error) {
	if !s.IsAdmin(adminEmail) {
		return nil, model.NewForbiddenError()
	}
	if _, err := uuid.Parse(entryID); err != nil {
		return nil, model.NewWaitlistEntryNotFoundError(entryID)
	}

	entry, err := s.entries.FindByID(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("申請の取得に失敗しました: %w", err)
	}
	if entry == nil {
		return nil, model.NewWaitlistEntryNotFoundError(entryID)
	}
	if entry.Status.IsTerminal() {
		return nil, model.NewWaitlistEntryDecidedError(entry.Status)
	}

	decidedBy := model.NormalizeEmail(adminEmail)
	decidedAt := s.now().UTC()
	ok, err := s.entries.Decide(ctx, entryID, status, decidedBy, decidedAt)
	if err != nil {
		return nil, fmt.Errorf("申請の更新に失敗しました: %w", err)
	}
	if !ok {
		current, err := s.entries.FindByID(ctx, entryID)
		if err != nil || current == nil {
			return nil, model.NewWaitlistEntryDecidedError(status)
		}
		return nil, model.NewWaitlistEntryDecidedError(current.Status)
	}

	entry.Status = status
	entry.DecidedAt = &decidedAt
	entry.DecidedBy = decidedBy
	return entry, nil
}

// publish は通知を送信する。失敗はログに留める。
func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		slog.Warn("通知の送信に失敗しました",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
