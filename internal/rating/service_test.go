package rating

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/matchrate/internal/model"
	"github.com/hitoshi/matchrate/internal/security"
)

// --- モック ---

type mockRatingRepo struct {
	upsertFn       func(ctx context.Context, r *model.Rating) error
	listByMatchFn  func(ctx context.Context, matchID string) ([]*model.Rating, error)
	listByPlayerFn func(ctx context.Context, playerID string, limit int) ([]*model.Rating, error)
}

func (m *mockRatingRepo) Upsert(ctx context.Context, r *model.Rating) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, r)
	}
	return nil
}

func (m *mockRatingRepo) ListByMatch(ctx context.Context, matchID string) ([]*model.Rating, error) {
	if m.listByMatchFn != nil {
		return m.listByMatchFn(ctx, matchID)
	}
	return nil, nil
}

func (m *mockRatingRepo) ListByPlayer(ctx context.Context, playerID string, limit int) ([]*model.Rating, error) {
	if m.listByPlayerFn != nil {
		return m.listByPlayerFn(ctx, playerID, limit)
	}
	return nil, nil
}

func newTestService(repo *mockRatingRepo) *Service {
	return NewService(repo, security.NewTextSanitizer())
}

// --- Rate ---

func TestService_Rate_Success(t *testing.T) {
	var saved *model.Rating
	repo := &mockRatingRepo{upsertFn: func(_ context.Context, r *model.Rating) error {
		r.ID = "r1"
		r.CreatedAt = time.Now()
		r.UpdatedAt = r.CreatedAt
		saved = r
		return nil
	}}
	svc := newTestService(repo)

	got, err := svc.Rate(context.Background(), "u1", "match-1", "player_7", 4, "  <b>Great</b> game ")
	if err != nil {
		t.Fatalf("Rate() error = %v", err)
	}
	if saved == nil || got.ID != "r1" {
		t.Fatalf("Rate() = %+v", got)
	}
	if got.UserID != "u1" || got.MatchID != "match-1" || got.PlayerID != "player_7" || got.Stars != 4 {
		t.Errorf("Rating = %+v", got)
	}
	if got.Comment != "Great game" {
		t.Errorf("Comment = %q, want sanitized", got.Comment)
	}
}

func TestService_Rate_AssignsIDAndTimestamps(t *testing.T) {
	fixed := time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)
	var saved model.Rating
	repo := &mockRatingRepo{upsertFn: func(_ context.Context, r *model.Rating) error {
		saved = *r
		return nil
	}}
	svc := newTestService(repo)
	svc.now = func() time.Time { return fixed }

	if _, err := svc.Rate(context.Background(), "u1", "match-1", "player_7", 5, ""); err != nil {
		t.Fatalf("Rate() error = %v", err)
	}
	if _, err := uuid.Parse(saved.ID); err != nil {
		t.Errorf("Upsertに渡したID %q がUUIDでない: %v", saved.ID, err)
	}
	if !saved.UpdatedAt.Equal(fixed) || !saved.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, UpdatedAt = %v, want %v", saved.CreatedAt, saved.UpdatedAt, fixed)
	}

	first := saved.ID
	if _, err := svc.Rate(context.Background(), "u1", "match-1", "player_8", 3, ""); err != nil {
		t.Fatalf("Rate() error = %v", err)
	}
	if saved.ID == first {
		t.Error("評価ごとに新しいIDが割り当てられていない")
	}
}

func TestService_Rate_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		matchID  string
		playerID string
		stars    int
		comment  string
	}{
		{"星0", "m1", "p1", 0, ""},
		{"星6", "m1", "p1", 6, ""},
		{"負の星", "m1", "p1", -1, ""},
		{"試合IDなし", "", "p1", 3, ""},
		{"不正な選手ID", "m1", "p/1", 3, ""},
		{"長すぎるコメント", "m1", "p1", 3, strings.Repeat("あ", MaxCommentLength+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRatingRepo{upsertFn: func(context.Context, *model.Rating) error {
				t.Fatal("不正な評価が保存された")
				return nil
			}}
			_, err := newTestService(repo).Rate(context.Background(), "u1", tt.matchID, tt.playerID, tt.stars, tt.comment)
			if !model.HasCode(err, model.ErrCodeInvalidRating) {
				t.Fatalf("error = %v, want INVALID_RATING", err)
			}
		})
	}
}

func TestService_Rate_MaxLengthCommentAccepted(t *testing.T) {
	svc := newTestService(&mockRatingRepo{})
	if _, err := svc.Rate(context.Background(), "u1", "m1", "p1", 5, strings.Repeat("あ", MaxCommentLength)); err != nil {
		t.Fatalf("Rate() error = %v", err)
	}
}

func TestService_Rate_StoreError(t *testing.T) {
	svc := newTestService(&mockRatingRepo{upsertFn: func(context.Context, *model.Rating) error {
		return errors.New("db down")
	}})
	if _, err := svc.Rate(context.Background(), "u1", "m1", "p1", 5, ""); err == nil {
		t.Fatal("エラーが返らなかった")
	}
}

// --- MatchSummary ---

func TestService_MatchSummary(t *testing.T) {
	repo := &mockRatingRepo{listByMatchFn: func(_ context.Context, matchID string) ([]*model.Rating, error) {
		// 新しい順
		return []*model.Rating{
			{PlayerID: "p2", Stars: 5, Comment: ""},
			{PlayerID: "p1", Stars: 4, Comment: "solid"},
			{PlayerID: "p2", Stars: 4, Comment: "clinical finish"},
			{PlayerID: "p1", Stars: 5, Comment: "older"},
			{PlayerID: "p2", Stars: 4, Comment: ""},
		}, nil
	}}

	got, err := newTestService(repo).MatchSummary(context.Background(), "m1")
	if err != nil {
		t.Fatalf("MatchSummary() error = %v", err)
	}

	want := []model.RatingSummary{
		{PlayerID: "p1", Average: 4.5, Count: 2, LatestComment: "solid"},
		{PlayerID: "p2", Average: 4.3, Count: 3, LatestComment: "clinical finish"},
	}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("summary[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestService_MatchSummary_Empty(t *testing.T) {
	got, err := newTestService(&mockRatingRepo{}).MatchSummary(context.Background(), "m1")
	if err != nil {
		t.Fatalf("MatchSummary() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("summary = %v, want empty slice", got)
	}
}

func TestService_MatchSummary_InvalidID(t *testing.T) {
	_, err := newTestService(&mockRatingRepo{}).MatchSummary(context.Background(), "m 1")
	if !model.HasCode(err, model.ErrCodeInvalidRating) {
		t.Fatalf("error = %v, want INVALID_RATING", err)
	}
}

// --- PlayerRatings ---

func TestService_PlayerRatings_Limit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultPlayerLimit},
		{-5, DefaultPlayerLimit},
		{10, 10},
		{MaxPlayerLimit + 1, MaxPlayerLimit},
	}

	for _, tt := range tests {
		var gotLimit int
		repo := &mockRatingRepo{listByPlayerFn: func(_ context.Context, _ string, limit int) ([]*model.Rating, error) {
			gotLimit = limit
			return nil, nil
		}}
		if _, err := newTestService(repo).PlayerRatings(context.Background(), "p1", tt.in); err != nil {
			t.Fatalf("PlayerRatings() error = %v", err)
		}
		if gotLimit != tt.want {
			t.Errorf("limit(%d) = %d, want %d", tt.in, gotLimit, tt.want)
		}
	}
}

func TestRoundTenth(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{4.25, 4.3},
		{4.24, 4.2},
		{13.0 / 3.0, 4.3},
		{5, 5},
	}
	for _, tt := range tests {
		if got := roundTenth(tt.in); got != tt.want {
			t.Errorf("roundTenth(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
