package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)

	token, err := issuer.Issue("uid-1", "jane@example.com")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	uid, email, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if uid != "uid-1" || email != "jane@example.com" {
		t.Errorf("Parse() = %q, %q", uid, email)
	}
}

func TestTokenIssuer_Expired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	issuer.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _ := issuer.Issue("uid-1", "jane@example.com")

	issuer.now = time.Now
	if _, _, err := issuer.Parse(token); err == nil {
		t.Fatal("期限切れトークンがエラーにならなかった")
	}
}

func TestTokenIssuer_WrongSecret(t *testing.T) {
	token, _ := NewTokenIssuer("secret-a", time.Hour).Issue("uid-1", "jane@example.com")

	if _, _, err := NewTokenIssuer("secret-b", time.Hour).Parse(token); err == nil {
		t.Fatal("別の鍵で署名されたトークンがエラーにならなかった")
	}
}

func TestTokenIssuer_RejectsOtherPurpose(t *testing.T) {
	claims := verificationClaims{
		Email:   "jane@example.com",
		Purpose: "password_reset",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "uid-1",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))

	if _, _, err := NewTokenIssuer("secret", time.Hour).Parse(token); err == nil {
		t.Fatal("用途の異なるトークンがエラーにならなかった")
	}
}

func TestTokenIssuer_RejectsNoneAlgorithm(t *testing.T) {
	claims := verificationClaims{
		Purpose: verificationPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "uid-1",
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)

	if _, _, err := NewTokenIssuer("secret", time.Hour).Parse(token); err == nil {
		t.Fatal("alg=noneのトークンがエラーにならなかった")
	}
}
