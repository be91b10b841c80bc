package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
const MaxPasswordBytes = 72

var errPasswordMismatch = errors.New("password mismatch")

// hashPassword はbcryptでパスワードをハッシュ化する。
func hashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// comparePassword はハッシュとパスワードを照合する。不一致の場合はerrPasswordMismatchを返す。
// MaxPasswordBytesを超えるパスワードでハッシュを作ることはないため、常に不一致とする。
func comparePassword(hash, password string) error {
	if len(password) > MaxPasswordBytes {
		return errPasswordMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) || errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return errPasswordMismatch
		}
		return err
	}
	return nil
}
