// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// UserRecord は永続化されたユーザープロフィールドキュメント（users/{id}）を表す。
// IDはクレデンシャルプロバイダーが払い出したuidと一致する。
type UserRecord struct {
	ID            string
	Name          string
	Email         string
	Avatar        *string
	EmailVerified bool
	// IsApproved は承認状態を表す三値。nilは承認カラム導入前の行またはレコード未解決を示す。
	IsApproved *bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Approved は承認ゲートを通過できるかどうかを返す。
// nilレコード、IsApproved未設定、falseはいずれも未承認として扱う。
func (u *UserRecord) Approved() bool {
	return u != nil && u.IsApproved != nil && *u.IsApproved
}

// Identity はブラウザセッション内でサインイン中のプリンシパルを表す。
// 対応するクレデンシャルセッションが有効な間だけメモリ上に存在する。
type Identity struct {
	ID            string
	Name          string
	Email         string
	Avatar        *string
	EmailVerified bool
	IsApproved    *bool
}

// NewIdentity はクレデンシャルとUserRecordからIdentityを組み立てる。
// recがnilの場合、承認フラグはnil（未解決）になる。
func NewIdentity(cred *Credential, rec *UserRecord) *Identity {
	id := &Identity{
		ID:            cred.UID,
		Name:          cred.DisplayName,
		Email:         cred.Email,
		Avatar:        cred.PhotoURL,
		EmailVerified: cred.EmailVerified,
	}
	if rec != nil {
		if id.Name == "" {
			id.Name = rec.Name
		}
		if id.Avatar == nil {
			id.Avatar = rec.Avatar
		}
		id.IsApproved = rec.IsApproved
	}
	return id
}

// Approved はIdentityが承認済みかどうかを返す。
func (i *Identity) Approved() bool {
	return i != nil && i.IsApproved != nil && *i.IsApproved
}

// Clone はIdentityのディープコピーを返す。
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	if i.Avatar != nil {
		a := *i.Avatar
		c.Avatar = &a
	}
	if i.IsApproved != nil {
		b := *i.IsApproved
		c.IsApproved = &b
	}
	return &c
}

// Credential はクレデンシャルプロバイダー側のアカウントを表す。
// パスワードアカウントはPasswordHashを持ち、フェデレーションのみのアカウントは空となる。
type Credential struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      *string
	EmailVerified bool
	PasswordHash  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FederatedIdentity は外部IdPとアカウントの紐付け情報を表す。
type FederatedIdentity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はクレデンシャルセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// SignIn はサインイン成功時にクレデンシャルプロバイダーが返す結果。
type SignIn struct {
	Credential *Credential
	Session    *Session
	// IsNewAccount はこのサインインでアカウントが新規作成されたかどうかを示す。
	IsNewAccount bool
}

// ProfileUpdate はプロフィールの部分更新を表す。
// nilのフィールドは変更しない。RemoveAvatarがtrueの場合はアバターを削除する。
type ProfileUpdate struct {
	Name         *string
	Avatar       *string
	RemoveAvatar bool
}

// IsEmpty は更新対象のフィールドが1つもないかどうかを返す。
func (u ProfileUpdate) IsEmpty() bool {
	return u.Name == nil && u.Avatar == nil && !u.RemoveAvatar
}

// BoolPtr はboolのポインタを返す。
func BoolPtr(b bool) *bool {
	return &b
}

// StringPtr はstringのポインタを返す。
func StringPtr(s string) *string {
	return &s
}

// NormalizeEmail はメールアドレスを比較用の正規形（前後空白除去・小文字）にする。
// accounts、users、waitlistの各テーブルには正規形で保存する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
