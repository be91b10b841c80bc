// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（バイト）。
const maxRequestBodySize = 64 << 10

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse = middleware.ErrorResponseBody

// identityResponse はサインイン中ユーザーのレスポンス。
type identityResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	Avatar        *string `json:"avatar"`
	EmailVerified bool    `json:"email_verified"`
	IsApproved    *bool   `json:"is_approved"`
}

func toIdentityResponse(id *model.Identity) *identityResponse {
	if id == nil {
		return nil
	}
	return &identityResponse{
		ID:            id.ID,
		Name:          id.Name,
		Email:         id.Email,
		Avatar:        id.Avatar,
		EmailVerified: id.EmailVerified,
		IsApproved:    id.IsApproved,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed, model.ErrCodeWeakPassword,
		model.ErrCodeInvalidAvatarURL, model.ErrCodeInvalidRating,
		model.ErrCodeInvalidVerificationToken, model.ErrCodeSignInCancelled:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeNoCurrentUser:
		return http.StatusUnauthorized
	case model.ErrCodePendingApproval, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeDuplicateEmail, model.ErrCodeDuplicateEntry, model.ErrCodeWaitlistEntryDecided:
		return http.StatusConflict
	case model.ErrCodeWaitlistEntryNotFound, model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeUnauthorized はセッションのないリクエストに401を返す。
func writeUnauthorized(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewNoCurrentUserError())
}
