package middleware

import (
	"crypto/subtle"
	"net/http"

	"futuresbot/pkg/crypto"
)

// OpsAuth - middleware для защиты операционных endpoints (/status, /metrics)
//
// Пароль хранится только в виде bcrypt-хеша (OPS_PASSWORD_HASH), открытого
// пароля в конфигурации нет. Если hash пустой, доступ запрещён - сервер
// в таком случае вообще не поднимается, но middleware подстраховывает.
//
// Имя пользователя сравнивается за константное время, пароль проверяется
// через bcrypt (который сам по себе constant-time).
func OpsAuth(username, passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if username == "" || passwordHash == "" {
				http.Error(w, "ops endpoints disabled", http.StatusForbidden)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="ops"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passMatch := crypto.CheckPasswordMatch(pass, passwordHash)

			if !userMatch || !passMatch {
				w.Header().Set("WWW-Authenticate", `Basic realm="ops"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
