package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/matchrate/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザープロフィールリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

const userColumns = `id, name, email, avatar, email_verified, is_approved, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUserRecord(row rowScanner) (*model.UserRecord, error) {
	rec := &model.UserRecord{}
	var avatar sql.NullString
	var approved sql.NullBool
	err := row.Scan(&rec.ID, &rec.Name, &rec.Email, &avatar,
		&rec.EmailVerified, &approved, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if avatar.Valid {
		rec.Avatar = &avatar.String
	}
	if approved.Valid {
		rec.IsApproved = &approved.Bool
	}
	return rec, nil
}

// FindByID は指定IDのレコードを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.UserRecord, error) {
	rec, err := scanUserRecord(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return rec, nil
}

// FindByEmail はメールアドレスに一致する全レコードを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) ([]*model.UserRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 ORDER BY created_at`, email)
	if err != nil {
		return nil, fmt.Errorf("failed to query users by email: %w", err)
	}
	defer rows.Close()

	var recs []*model.UserRecord
	for rows.Next() {
		rec, err := scanUserRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return recs, nil
}

// Create はレコードを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, rec *model.UserRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, avatar, email_verified, is_approved, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Name, rec.Email, rec.Avatar, rec.EmailVerified, rec.IsApproved, rec.CreatedAt, rec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// MergeProfile は名前とアバターをマージ更新する。
func (r *PostgresUserRepo) MergeProfile(ctx context.Context, id string, update model.ProfileUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET
			name = COALESCE($2, name),
			avatar = CASE WHEN $4 THEN NULL ELSE COALESCE($3, avatar) END,
			updated_at = now()
		 WHERE id = $1`,
		id, update.Name, update.Avatar, update.RemoveAvatar,
	)
	if err != nil {
		return fmt.Errorf("failed to merge user profile: %w", err)
	}
	return nil
}

// SetApproved は承認フラグを更新する。
func (r *PostgresUserRepo) SetApproved(ctx context.Context, id string, approved bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_approved = $2, updated_at = now() WHERE id = $1`,
		id, approved,
	)
	if err != nil {
		return fmt.Errorf("failed to set user approval: %w", err)
	}
	return nil
}

// SetEmailVerified はメール確認済みフラグを立てる。
func (r *PostgresUserRepo) SetEmailVerified(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET email_verified = TRUE, updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to set email verified: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRecordRepository = (*PostgresUserRepo)(nil)
