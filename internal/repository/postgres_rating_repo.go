package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/matchrate/internal/model"
)

// PostgresRatingRepo はPostgreSQLを使用した選手評価リポジトリ。
type PostgresRatingRepo struct {
	db *sql.DB
}

// NewPostgresRatingRepo はPostgresRatingRepoを生成する。
func NewPostgresRatingRepo(db *sql.DB) *PostgresRatingRepo {
	return &PostgresRatingRepo{db: db}
}

const ratingColumns = `id, match_id, player_id, user_id, stars, comment, created_at, updated_at`

func scanRating(row rowScanner) (*model.Rating, error) {
	rt := &model.Rating{}
	err := row.Scan(&rt.ID, &rt.MatchID, &rt.PlayerID, &rt.UserID,
		&rt.Stars, &rt.Comment, &rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Upsert は評価を作成または上書きする。
func (r *PostgresRatingRepo) Upsert(ctx context.Context, rating *model.Rating) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO ratings (id, match_id, player_id, user_id, stars, comment, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (user_id, match_id, player_id) DO UPDATE SET
			stars = EXCLUDED.stars,
			comment = EXCLUDED.comment,
			updated_at = EXCLUDED.updated_at
		 RETURNING id, created_at, updated_at`,
		rating.ID, rating.MatchID, rating.PlayerID, rating.UserID,
		rating.Stars, rating.Comment, rating.UpdatedAt,
	).Scan(&rating.ID, &rating.CreatedAt, &rating.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert rating: %w", err)
	}
	return nil
}

// ListByMatch は試合の全評価を更新日時の降順で返す。
func (r *PostgresRatingRepo) ListByMatch(ctx context.Context, matchID string) ([]*model.Rating, error) {
	return r.list(ctx,
		`SELECT `+ratingColumns+` FROM ratings WHERE match_id = $1 ORDER BY updated_at DESC`,
		matchID)
}

// ListByPlayer は選手の評価を更新日時の降順で最大limit件返す。
func (r *PostgresRatingRepo) ListByPlayer(ctx context.Context, playerID string, limit int) ([]*model.Rating, error) {
	return r.list(ctx,
		`SELECT `+ratingColumns+` FROM ratings WHERE player_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		playerID, limit)
}

func (r *PostgresRatingRepo) list(ctx context.Context, query string, args ...interface{}) ([]*model.Rating, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	defer rows.Close()

	ratings := []*model.Rating{}
	for rows.Next() {
		rt, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rating: %w", err)
		}
		ratings = append(ratings, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ratings: %w", err)
	}
	return ratings, nil
}

// compile-time interface check
var _ RatingRepository = (*PostgresRatingRepo)(nil)
