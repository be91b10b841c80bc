package handler

import (
	"net/http"

	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/model"
)

// UserHandler はプロフィール管理のHTTPハンドラー。
type UserHandler struct{}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler() *UserHandler {
	return &UserHandler{}
}

// updateProfileRequest はプロフィール部分更新のリクエスト。
// 省略したフィールドは変更しない。avatarに空文字を指定した場合はアバターを削除する。
type updateProfileRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

func (r updateProfileRequest) toUpdate() model.ProfileUpdate {
	update := model.ProfileUpdate{Name: r.Name}
	if r.Avatar != nil {
		if *r.Avatar == "" {
			update.RemoveAvatar = true
		} else {
			update.Avatar = r.Avatar
		}
	}
	return update
}

// UpdateProfile は表示名とアバターを更新する。
// PATCH /api/profile
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	m := middleware.ManagerFromContext(r.Context())
	if m == nil {
		writeUnauthorized(w)
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identity, err := m.UpdateProfile(r.Context(), req.toUpdate())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toIdentityResponse(identity))
}
