package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/matchrate/internal/metrics"
	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/model"
)

// RatingServiceInterface は評価ハンドラーが必要とするサービスインターフェース。
type RatingServiceInterface interface {
	// Rate は評価を登録する。同じユーザー・試合・選手の評価は上書きする。
	Rate(ctx context.Context, userID, matchID, playerID string, stars int, comment string) (*model.Rating, error)
	MatchSummary(ctx context.Context, matchID string) ([]model.RatingSummary, error)
	PlayerRatings(ctx context.Context, playerID string, limit int) ([]*model.Rating, error)
}

// RatingHandler は選手評価のHTTPハンドラー。
type RatingHandler struct {
	service RatingServiceInterface
	metrics metrics.MetricsCollector
}

// NewRatingHandler はRatingHandlerを生成する。
func NewRatingHandler(service RatingServiceInterface, collector metrics.MetricsCollector) *RatingHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &RatingHandler{
		service: service,
		metrics: collector,
	}
}

type rateRequest struct {
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

// ratingResponse は評価1件のレスポンス。
type ratingResponse struct {
	ID        string    `json:"id"`
	MatchID   string    `json:"match_id"`
	PlayerID  string    `json:"player_id"`
	UserID    string    `json:"user_id"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRatingResponse(r *model.Rating) ratingResponse {
	return ratingResponse{
		ID:        r.ID,
		MatchID:   r.MatchID,
		PlayerID:  r.PlayerID,
		UserID:    r.UserID,
		Stars:     r.Stars,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// ratingSummaryResponse は試合内の選手ごとの集計レスポンス。
type ratingSummaryResponse struct {
	PlayerID      string  `json:"player_id"`
	Average       float64 `json:"average"`
	Count         int     `json:"count"`
	LatestComment string  `json:"latest_comment"`
}

// Rate は選手パフォーマンスを評価する。
// POST /api/matches/{matchID}/players/{playerID}/ratings
func (h *RatingHandler) Rate(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req rateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rating, err := h.service.Rate(r.Context(), userID,
		chi.URLParam(r, "matchID"), chi.URLParam(r, "playerID"), req.Stars, req.Comment)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.metrics.RecordRatingSubmitted()

	writeJSON(w, http.StatusOK, toRatingResponse(rating))
}

// MatchSummary は試合の選手ごとの評価集計を返す。
// GET /api/matches/{matchID}/ratings
func (h *RatingHandler) MatchSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.MatchSummary(r.Context(), chi.URLParam(r, "matchID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]ratingSummaryResponse, len(summaries))
	for i, s := range summaries {
		results[i] = ratingSummaryResponse{
			PlayerID:      s.PlayerID,
			Average:       s.Average,
			Count:         s.Count,
			LatestComment: s.LatestComment,
		}
	}
	writeJSON(w, http.StatusOK, results)
}

// PlayerRatings は選手の評価を新しい順に返す。
// GET /api/players/{playerID}/ratings?limit=N
func (h *RatingHandler) PlayerRatings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("limitは整数で指定してください"))
			return
		}
		limit = n
	}

	ratings, err := h.service.PlayerRatings(r.Context(), chi.URLParam(r, "playerID"), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]ratingResponse, len(ratings))
	for i, rt := range ratings {
		results[i] = toRatingResponse(rt)
	}
	writeJSON(w, http.StatusOK, results)
}
