package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, approval, validation, waitlist, rating, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// HasCode はerrのチェーン内に指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// 定義済みエラーコード
const (
	ErrCodeValidationFailed         = "VALIDATION_FAILED"
	ErrCodeDuplicateEmail           = "DUPLICATE_EMAIL"
	ErrCodeWeakPassword             = "WEAK_PASSWORD"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodePendingApproval          = "PENDING_APPROVAL"
	ErrCodeSignInCancelled          = "SIGN_IN_CANCELLED"
	ErrCodeNoCurrentUser            = "NO_CURRENT_USER"
	ErrCodeRateLimited              = "RATE_LIMITED"
	ErrCodeInvalidAvatarURL         = "INVALID_AVATAR_URL"
	ErrCodeInvalidVerificationToken = "INVALID_VERIFICATION_TOKEN"
	ErrCodeDuplicateEntry           = "DUPLICATE_ENTRY"
	ErrCodeWaitlistEntryNotFound    = "WAITLIST_ENTRY_NOT_FOUND"
	ErrCodeWaitlistEntryDecided     = "WAITLIST_ENTRY_DECIDED"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeInvalidRating            = "INVALID_RATING"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeCSRFTokenInvalid         = "CSRF_TOKEN_INVALID"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewDuplicateEmailError は登録済みメールアドレスでのアカウント作成エラーを生成する。
func NewDuplicateEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEmail,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、別のメールアドレスを使用してください。",
	}
}

// NewWeakPasswordError は弱いパスワードのエラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return &APIError{
		Code:     ErrCodeWeakPassword,
		Message:  fmt.Sprintf("パスワードは%d文字以上で指定してください。", minLength),
		Category: "auth",
		Action:   "より長いパスワードを指定してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewPendingApprovalError は承認待ちアカウントのエラーを生成する。
// このエラーは常にセッションの強制破棄の後に返される。
func NewPendingApprovalError() *APIError {
	return &APIError{
		Code:     ErrCodePendingApproval,
		Message:  "アカウントは承認待ちです。",
		Category: "approval",
		Action:   "承認されるとメールでお知らせします。",
	}
}

// NewSignInCancelledError はGoogleサインインが中断された場合のエラーを生成する。
func NewSignInCancelledError() *APIError {
	return &APIError{
		Code:     ErrCodeSignInCancelled,
		Message:  "Googleサインインがキャンセルされました。",
		Category: "auth",
		Action:   "もう一度サインインをお試しください。",
	}
}

// NewNoCurrentUserError はサインイン中のユーザーが存在しない場合のエラーを生成する。
func NewNoCurrentUserError() *APIError {
	return &APIError{
		Code:     ErrCodeNoCurrentUser,
		Message:  "サインインしているユーザーがいません。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewRateLimitedError は確認メール再送などの回数制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "短時間にリクエストが集中しています。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidAvatarURLError は不正なアバターURLのエラーを生成する。
func NewInvalidAvatarURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAvatarURL,
		Message:  fmt.Sprintf("アバターURLが不正です: %s", reason),
		Category: "validation",
		Action:   "公開されているhttp(s)の画像URLを指定してください。",
	}
}

// NewInvalidVerificationTokenError は確認リンクのトークンが不正または期限切れの場合のエラーを生成する。
func NewInvalidVerificationTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidVerificationToken,
		Message:  "確認リンクが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "確認メールを再送してください。",
	}
}

// NewDuplicateEntryError は審査待ちの申請が既に存在する場合のエラーを生成する。
func NewDuplicateEntryError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateEntry,
		Message:  "このメールアドレスは既にウェイトリストに登録されています。",
		Category: "waitlist",
		Action:   "審査結果をお待ちください。",
	}
}

// NewWaitlistEntryNotFoundError はウェイトリスト申請が見つからない場合のエラーを生成する。
func NewWaitlistEntryNotFoundError(entryID string) *APIError {
	return &APIError{
		Code:     ErrCodeWaitlistEntryNotFound,
		Message:  fmt.Sprintf("指定された申請が見つかりません: %s", entryID),
		Category: "waitlist",
		Action:   "申請IDを確認してください。",
	}
}

// NewWaitlistEntryDecidedError は審査済みの申請を再度審査しようとした場合のエラーを生成する。
func NewWaitlistEntryDecidedError(status WaitlistStatus) *APIError {
	return &APIError{
		Code:     ErrCodeWaitlistEntryDecided,
		Message:  fmt.Sprintf("この申請は既に審査済みです: %s", status),
		Category: "waitlist",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewForbiddenError は管理者権限がない場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// NewInvalidRatingError は評価値が不正な場合のエラーを生成する。
func NewInvalidRatingError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRating,
		Message:  fmt.Sprintf("評価が不正です: %s", reason),
		Category: "rating",
		Action:   "1から5の星で評価してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewCSRFTokenInvalidError はCSRFトークン検証に失敗した場合のエラーを生成する。
func NewCSRFTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInternalError は内部エラーのレスポンス用エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
