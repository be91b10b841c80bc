package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer         = "matchrate"
	verificationPurpose = "email_verification"
)

// verificationClaims は確認メールのリンクに埋め込むトークンのクレーム。
// Emailは発行時点のアドレスで、検証時にアカウントの現在のアドレスと照合する。
type verificationClaims struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenIssuer はメールアドレス確認用の署名付きトークンを発行・検証する。
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer はHS256で署名するTokenIssuerを生成する。
func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue はuidとメールアドレスに対する確認トークンを発行する。
func (t *TokenIssuer) Issue(uid, email string) (string, error) {
	now := t.now().UTC()
	claims := verificationClaims{
		Email:   email,
		Purpose: verificationPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   uid,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign verification token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証し、uidとメールアドレスを返す。
// 署名不正、期限切れ、用途違いのトークンはエラーとなる。
func (t *TokenIssuer) Parse(token string) (uid, email string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &verificationClaims{},
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("parse verification token: %w", err)
	}

	claims, ok := parsed.Claims.(*verificationClaims)
	if !ok || !parsed.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	if claims.Purpose != verificationPurpose {
		return "", "", errors.New("unexpected token purpose")
	}
	if claims.Subject == "" {
		return "", "", errors.New("empty subject")
	}
	return claims.Subject, claims.Email, nil
}
