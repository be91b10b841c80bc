package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/matchrate/internal/model"
)

// PostgresWaitlistRepo はPostgreSQLを使用したウェイトリストリポジトリ。
type PostgresWaitlistRepo struct {
	db *sql.DB
}

// NewPostgresWaitlistRepo はPostgresWaitlistRepoを生成する。
func NewPostgresWaitlistRepo(db *sql.DB) *PostgresWaitlistRepo {
	return &PostgresWaitlistRepo{db: db}
}

const waitlistColumns = `id, name, email, status, created_at, decided_at, decided_by`

func scanWaitlistEntry(row rowScanner) (*model.WaitlistEntry, error) {
	entry := &model.WaitlistEntry{}
	var status string
	var decidedAt sql.NullTime
	var decidedBy sql.NullString
	err := row.Scan(&entry.ID, &entry.Name, &entry.Email, &status,
		&entry.CreatedAt, &decidedAt, &decidedBy)
	if err != nil {
		return nil, err
	}
	entry.Status = model.WaitlistStatus(status)
	if decidedAt.Valid {
		entry.DecidedAt = &decidedAt.Time
	}
	entry.DecidedBy = decidedBy.String
	return entry, nil
}

// Create は申請を作成する。
// 部分ユニークインデックス（status = 'pending'）違反はErrDuplicateとして返す。
func (r *PostgresWaitlistRepo) Create(ctx context.Context, entry *model.WaitlistEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO waitlist (id, name, email, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.Name, entry.Email, string(entry.Status), entry.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert waitlist entry: %w", err)
	}
	return nil
}

// FindByID は指定IDの申請を取得する。見つからない場合はnilを返す。
func (r *PostgresWaitlistRepo) FindByID(ctx context.Context, id string) (*model.WaitlistEntry, error) {
	entry, err := scanWaitlistEntry(r.db.QueryRowContext(ctx,
		`SELECT `+waitlistColumns+` FROM waitlist WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find waitlist entry: %w", err)
	}
	return entry, nil
}

// FindPendingByEmail はメールアドレスに対する審査待ちの申請を取得する。
func (r *PostgresWaitlistRepo) FindPendingByEmail(ctx context.Context, email string) (*model.WaitlistEntry, error) {
	entry, err := scanWaitlistEntry(r.db.QueryRowContext(ctx,
		`SELECT `+waitlistColumns+` FROM waitlist WHERE email = $1 AND status = 'pending'`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending waitlist entry: %w", err)
	}
	return entry, nil
}

// List は全申請を作成日時の降順で返す。
func (r *PostgresWaitlistRepo) List(ctx context.Context) ([]*model.WaitlistEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+waitlistColumns+` FROM waitlist ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list waitlist entries: %w", err)
	}
	defer rows.Close()

	entries := []*model.WaitlistEntry{}
	for rows.Next() {
		entry, err := scanWaitlistEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan waitlist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate waitlist entries: %w", err)
	}
	return entries, nil
}

// Decide は審査待ちの申請を終端状態へ遷移させる。
// WHERE status = 'pending' の条件付き更新により、同時審査でも遷移は1回だけ成功する。
func (r *PostgresWaitlistRepo) Decide(ctx context.Context, id string, status model.WaitlistStatus, decidedBy string, decidedAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE waitlist SET status = $2, decided_by = $3, decided_at = $4
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), decidedBy, decidedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to decide waitlist entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// compile-time interface check
var _ WaitlistRepository = (*PostgresWaitlistRepo)(nil)
