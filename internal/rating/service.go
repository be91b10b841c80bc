// Package rating は試合における選手パフォーマンス評価のドメインロジックを提供する。
package rating

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/repository"
	"github.com/hitoshi/matchrate/internal/security"
)

const (
	// MaxCommentLength はコメントの最大文字数。
	MaxCommentLength = 500
	// DefaultPlayerLimit は選手別評価一覧のデフォルト件数。
	DefaultPlayerLimit = 50
	// MaxPlayerLimit は選手別評価一覧の最大件数。
	MaxPlayerLimit = 200
)

// 試合IDと選手IDは外部データのスラッグまたはUUID。
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Service は選手評価のサービス層。
type Service struct {
	ratings   repository.RatingRepository
	sanitizer security.TextSanitizer
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(ratings repository.RatingRepository, sanitizer security.TextSanitizer) *Service {
	return &Service{ratings: ratings, sanitizer: sanitizer, now: time.Now}
}

type submission struct {
	MatchID  string
	PlayerID string
	Stars    int
	Comment  string
}

func (r submission) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.MatchID, validation.Required, validation.Match(idPattern)),
		validation.Field(&r.PlayerID, validation.Required, validation.Match(idPattern)),
		validation.Field(&r.Stars, validation.Required, validation.Min(1), validation.Max(5)),
		validation.Field(&r.Comment, validation.RuneLength(0, MaxCommentLength)),
	)
}

// Rate はユーザーの評価を保存する。同じ試合・選手への再投稿は上書きする。
// 上書き時のIDと作成日時は保存済みの値がリポジトリから返る。
func (s *Service) Rate(ctx context.Context, userID, matchID, playerID string, stars int, comment string) (*model.Rating, error) {
	req := submission{
		MatchID:  matchID,
		PlayerID: playerID,
		Stars:    stars,
		Comment:  s.sanitizer.Sanitize(comment),
	}
	if err := req.Validate(); err != nil {
		return nil, model.NewInvalidRatingError(err.Error())
	}

	now := s.now().UTC()
	r := &model.Rating{
		ID:        uuid.New().String(),
		MatchID:   req.MatchID,
		PlayerID:  req.PlayerID,
		UserID:    userID,
		Stars:     req.Stars,
		Comment:   req.Comment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.ratings.Upsert(ctx, r); err != nil {
		return nil, fmt.Errorf("評価の保存に失敗しました: %w", err)
	}
	return r, nil
}

// MatchSummary は試合の評価を選手ごとに集計する。結果は選手ID順。
// 平均は小数第1位に丸める。LatestCommentは空でない最新のコメント。
func (s *Service) MatchSummary(ctx context.Context, matchID string) ([]model.RatingSummary, error) {
	if !idPattern.MatchString(matchID) {
		return nil, model.NewInvalidRatingError("試合IDが不正です")
	}

	ratings, err := s.ratings.ListByMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("評価の取得に失敗しました: %w", err)
	}

	type acc struct {
		sum     int
		count   int
		comment string
	}
	byPlayer := make(map[string]*acc)
	for _, r := range ratings {
		a := byPlayer[r.PlayerID]
		if a == nil {
			a = &acc{}
			byPlayer[r.PlayerID] = a
		}
		a.sum += r.Stars
		a.count++
		// ListByMatchは新しい順
		if a.comment == "" && strings.TrimSpace(r.Comment) != "" {
			a.comment = r.Comment
		}
	}

	summaries := make([]model.RatingSummary, 0, len(byPlayer))
	for playerID, a := range byPlayer {
		summaries = append(summaries, model.RatingSummary{
			PlayerID:      playerID,
			Average:       roundTenth(float64(a.sum) / float64(a.count)),
			Count:         a.count,
			LatestComment: a.comment,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].PlayerID < summaries[j].PlayerID })
	return summaries, nil
}

// PlayerRatings は選手の評価を新しい順に返す。limitが0以下の場合はDefaultPlayerLimit。
func (s *Service) PlayerRatings(ctx context.Context, playerID string, limit int) ([]*model.Rating, error) {
	if !idPattern.MatchString(playerID) {
		return nil, model.NewInvalidRatingError("選手IDが不正です")
	}
	if limit <= 0 {
		limit = DefaultPlayerLimit
	}
	if limit > MaxPlayerLimit {
		limit = MaxPlayerLimit
	}

	ratings, err := s.ratings.ListByPlayer(ctx, playerID, limit)
	if err != nil {
		return nil, fmt.Errorf("評価の取得に失敗しました: %w", err)
	}
	return ratings, nil
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
