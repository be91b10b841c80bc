package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/matchrate/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

const credentialColumns = `id, email, display_name, photo_url, email_verified, password_hash, created_at, updated_at`

func scanCredential(row rowScanner) (*model.Credential, error) {
	cred := &model.Credential{}
	var photo sql.NullString
	err := row.Scan(&cred.UID, &cred.Email, &cred.DisplayName, &photo,
		&cred.EmailVerified, &cred.PasswordHash, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if photo.Valid {
		cred.PhotoURL = &photo.String
	}
	return cred, nil
}

// FindByUID は指定uidのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUID(ctx context.Context, uid string) (*model.Credential, error) {
	cred, err := scanCredential(r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM accounts WHERE id = $1`, uid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by uid: %w", err)
	}
	return cred, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByEmail(ctx context.Context, email string) (*model.Credential, error) {
	cred, err := scanCredential(r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM accounts WHERE email = $1`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return cred, nil
}

// Create はアカウントを作成する。
func (r *PostgresCredentialRepo) Create(ctx context.Context, cred *model.Credential) error {
	return insertCredential(ctx, r.db, cred)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertCredential(ctx context.Context, db execer, cred *model.Credential) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, display_name, photo_url, email_verified, password_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cred.UID, cred.Email, cred.DisplayName, cred.PhotoURL,
		cred.EmailVerified, cred.PasswordHash, cred.CreatedAt, cred.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// CreateWithIdentity はアカウントとidentityを同一トランザクションで作成する。
func (r *PostgresCredentialRepo) CreateWithIdentity(ctx context.Context, cred *model.Credential, identity *model.FederatedIdentity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertCredential(ctx, tx, cred); err != nil {
		return err
	}
	if err := insertIdentity(ctx, tx, identity); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LinkIdentity は既存アカウントに外部IdPのidentityを紐付ける。
func (r *PostgresCredentialRepo) LinkIdentity(ctx context.Context, identity *model.FederatedIdentity) error {
	return insertIdentity(ctx, r.db, identity)
}

func insertIdentity(ctx context.Context, db execer, identity *model.FederatedIdentity) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// FindByProviderAndProviderUserID は外部IdPのユーザーIDから紐付け済みidentityを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.FederatedIdentity, error) {
	identity := &model.FederatedIdentity{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, created_at
		 FROM identities
		 WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	).Scan(&identity.ID, &identity.UserID, &identity.Provider, &identity.ProviderUserID, &identity.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	return identity, nil
}

// UpdateProfile は表示名とプロフィール画像を部分更新する。
func (r *PostgresCredentialRepo) UpdateProfile(ctx context.Context, uid string, update model.ProfileUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET
			display_name = COALESCE($2, display_name),
			photo_url = CASE WHEN $4 THEN NULL ELSE COALESCE($3, photo_url) END,
			updated_at = now()
		 WHERE id = $1`,
		uid, update.Name, update.Avatar, update.RemoveAvatar,
	)
	if err != nil {
		return fmt.Errorf("failed to update account profile: %w", err)
	}
	return nil
}

// MarkEmailVerified はメールアドレスを確認済みにする。
func (r *PostgresCredentialRepo) MarkEmailVerified(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET email_verified = TRUE, updated_at = now() WHERE id = $1`,
		uid,
	)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	return nil
}

// Delete はアカウントを削除する。identities、sessionsはCASCADE削除される。
func (r *PostgresCredentialRepo) Delete(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ CredentialRepository = (*PostgresCredentialRepo)(nil)
	_ IdentityRepository   = (*PostgresCredentialRepo)(nil)
)
