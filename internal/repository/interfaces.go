// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/matchrate/internal/model"
)

// CredentialRepository はクレデンシャルプロバイダー側アカウント（accounts）の永続化インターフェース。
type CredentialRepository interface {
	// FindByUID は指定uidのアカウントを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.Credential, error)

	// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Credential, error)

	// Create はアカウントを作成する。メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, cred *model.Credential) error

	// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, cred *model.Credential, identity *model.FederatedIdentity) error

	// LinkIdentity は既存アカウントに外部IdPのidentityを紐付ける。
	LinkIdentity(ctx context.Context, identity *model.FederatedIdentity) error

	// UpdateProfile は表示名とプロフィール画像を部分更新する。
	UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error

	// MarkEmailVerified はメールアドレスを確認済みにする。
	MarkEmailVerified(ctx context.Context, uid string) error

	// Delete はアカウントを削除する。identities、sessionsはCASCADE削除される。
	// 対象が存在しない場合もエラーにしない。
	Delete(ctx context.Context, uid string) error
}

// IdentityRepository は外部IdP紐付け情報の参照インターフェース。
// 書き込みはアカウント作成と同じトランザクションで行うためCredentialRepositoryが担う。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.FederatedIdentity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDの有効なセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByID(ctx context.Context, id string) error
}

// UserRecordRepository はユーザープロフィールドキュメント（users）の永続化インターフェース。
type UserRecordRepository interface {
	// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserRecord, error)

	// FindByEmail はメールアドレスに一致する全レコードを返す。
	// ウェイトリストとはメールアドレスでしか対応付かないため、複数件を想定する。
	FindByEmail(ctx context.Context, email string) ([]*model.UserRecord, error)

	// Create はレコードを作成する。IDが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, rec *model.UserRecord) error

	// MergeProfile は名前とアバターをマージ更新する。nilのフィールドは変更しない。
	MergeProfile(ctx context.Context, id string, update model.ProfileUpdate) error

	// SetApproved は承認フラグを更新する。
	SetApproved(ctx context.Context, id string, approved bool) error

	// SetEmailVerified はメール確認済みフラグを立てる。
	SetEmailVerified(ctx context.Context, id string) error
}

// WaitlistRepository はウェイトリスト申請の永続化インターフェース。
type WaitlistRepository interface {
	// Create は申請を作成する。審査待ちの申請が既に存在する場合はErrDuplicateを返す。
	Create(ctx context.Context, entry *model.WaitlistEntry) error

	// FindByID は指定IDの申請を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.WaitlistEntry, error)

	// FindPendingByEmail はメールアドレスに対する審査待ちの申請を取得する。見つからない場合はnilを返す。
	FindPendingByEmail(ctx context.Context, email string) (*model.WaitlistEntry, error)

	// List は全申請を作成日時の降順で返す。
	List(ctx context.Context) ([]*model.WaitlistEntry, error)

	// Decide は審査待ちの申請を終端状態へ遷移させる。
	// 申請が既に審査済みの場合はfalseを返す。
	Decide(ctx context.Context, id string, status model.WaitlistStatus, decidedBy string, decidedAt time.Time) (bool, error)
}

// RatingRepository は選手評価の永続化インターフェース。
type RatingRepository interface {
	// Upsert は評価を作成する。同一ユーザー・試合・選手の評価が既にある場合は上書きする。
	// 保存後のID、CreatedAt、UpdatedAtをratingに反映する。
	Upsert(ctx context.Context, rating *model.Rating) error

	// ListByMatch は試合の全評価を更新日時の降順で返す。
	ListByMatch(ctx context.Context, matchID string) ([]*model.Rating, error)

	// ListByPlayer は選手の評価を更新日時の降順で最大limit件返す。
	ListByPlayer(ctx context.Context, playerID string, limit int) ([]*model.Rating, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
