package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/matchrate/internal/metrics"
	"github.com/hitoshi/matchrate/internal/middleware"
	"github.com/hitoshi/matchrate/internal/model"
)

// WaitlistServiceInterface はウェイトリストハンドラーが必要とするサービスインターフェース。
type WaitlistServiceInterface interface {
	Submit(ctx context.Context, name, email string) (*model.WaitlistEntry, error)
	// List は申請を新しい順に返す。管理者以外はFORBIDDEN。
	List(ctx context.Context, adminEmail string) ([]*model.WaitlistEntry, error)
	Approve(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error)
	Reject(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error)
	IsAdmin(email string) bool
}

// WaitlistHandler はウェイトリストのHTTPハンドラー。
type WaitlistHandler struct {
	service WaitlistServiceInterface
	metrics metrics.MetricsCollector
}

// NewWaitlistHandler はWaitlistHandlerを生成する。
func NewWaitlistHandler(service WaitlistServiceInterface, collector metrics.MetricsCollector) *WaitlistHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &WaitlistHandler{
		service: service,
		metrics: collector,
	}
}

type submitWaitlistRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// waitlistEntryResponse はウェイトリスト申請のレスポンス。
type waitlistEntryResponse struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
}

func toWaitlistEntryResponse(e *model.WaitlistEntry) waitlistEntryResponse {
	return waitlistEntryResponse{
		ID:        e.ID,
		Name:      e.Name,
		Email:     e.Email,
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt,
		DecidedAt: e.DecidedAt,
		DecidedBy: e.DecidedBy,
	}
}

// Submit はアクセス申請を受け付ける。認証不要。
// POST /api/waitlist
func (h *WaitlistHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitWaitlistRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	entry, err := h.service.Submit(r.Context(), req.Name, req.Email)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.metrics.RecordWaitlistSubmission()

	writeJSON(w, http.StatusCreated, toWaitlistEntryResponse(entry))
}

// List は申請一覧を返す。
// GET /api/admin/waitlist
func (h *WaitlistHandler) List(w http.ResponseWriter, r *http.Request) {
	email, ok := adminEmail(w, r)
	if !ok {
		return
	}

	entries, err := h.service.List(r.Context(), email)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]waitlistEntryResponse, len(entries))
	for i, e := range entries {
		results[i] = toWaitlistEntryResponse(e)
	}
	writeJSON(w, http.StatusOK, results)
}

// Approve は申請を承認し、同じメールアドレスのアカウントを承認済みにする。
// POST /api/admin/waitlist/{id}/approve
func (h *WaitlistHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Approve)
}

// Reject は申請を却下する。
// POST /api/admin/waitlist/{id}/reject
func (h *WaitlistHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.Reject)
}

func (h *WaitlistHandler) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, adminEmail, entryID string) (*model.WaitlistEntry, error)) {
	email, ok := adminEmail(w, r)
	if !ok {
		return
	}

	entry, err := fn(r.Context(), email, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.metrics.RecordWaitlistDecision(string(entry.Status))

	writeJSON(w, http.StatusOK, toWaitlistEntryResponse(entry))
}

// adminEmail はサインイン中ユーザーのメールアドレスを返す。未認証の場合は401を書き込む。
func adminEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	m := middleware.ManagerFromContext(r.Context())
	if m == nil {
		writeUnauthorized(w)
		return "", false
	}
	identity := m.Identity()
	if identity == nil {
		writeUnauthorized(w)
		return "", false
	}
	return identity.Email, true
}
