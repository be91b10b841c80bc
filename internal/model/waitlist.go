package model

import "time"

// WaitlistStatus はウェイトリスト申請の状態を表す。
type WaitlistStatus string

const (
	// WaitlistPending は審査待ち。
	WaitlistPending WaitlistStatus = "pending"
	// WaitlistApproved は承認済み（終端状態）。
	WaitlistApproved WaitlistStatus = "approved"
	// WaitlistRejected は却下済み（終端状態）。
	WaitlistRejected WaitlistStatus = "rejected"
)

// IsTerminal は状態が終端（承認または却下）かどうかを返す。
func (s WaitlistStatus) IsTerminal() bool {
	return s == WaitlistApproved || s == WaitlistRejected
}

// WaitlistEntry はアクセス申請を表す。
// UserRecordとは外部キーではなくメールアドレスで対応付ける。
type WaitlistEntry struct {
	ID        string
	Name      string
	Email     string
	Status    WaitlistStatus
	CreatedAt time.Time
	DecidedAt *time.Time
	DecidedBy string
}
