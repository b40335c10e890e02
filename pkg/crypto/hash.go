// Package crypto хеширует и проверяет операторский пароль для basic auth
// на служебных endpoints. В конфигурации хранится только bcrypt-хеш
// (OPS_PASSWORD_HASH), открытого пароля нигде нет.
package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptyPassword   = errors.New("password cannot be empty")
	ErrPasswordTooLong = errors.New("password exceeds maximum length of 72 bytes")
)

// DefaultCost - стоимость bcrypt. Хеш проверяется на каждом запросе
// к /status, выше 12 basic auth становится ощутимо медленным
const DefaultCost = 12

// MaxPasswordLength - предел bcrypt: байты сверх 72 молча игнорируются
// при хешировании, поэтому такой пароль отклоняется явно
const MaxPasswordLength = 72

// HashPassword хеширует операторский пароль с солью.
// Результат кладётся в OPS_PASSWORD_HASH
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordLength {
		return "", ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// CheckPasswordMatch сверяет предъявленный пароль с хешем из конфигурации.
// Сравнение внутри bcrypt constant-time; пустой или битый хеш - отказ
func CheckPasswordMatch(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
