// Package middleware содержит HTTP middleware сервиса RestaFlow.
package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/restaflow/internal/session"
)

const (
	operatorCookieName = "restaflow_operator"
	operatorCookieTTL  = 12 * time.Hour
)

// OperatorAuth проверяет подписанный cookie оператора терминала и передаёт
// идентификатор сотрудника дальше через контекст запроса.
type OperatorAuth struct {
	secretKey []byte
}

// NewOperatorAuth создаёт middleware с указанным секретом подписи.
// Пустой секрет заменяется случайным ключом на время жизни процесса.
func NewOperatorAuth(secret string) *OperatorAuth {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}

	return &OperatorAuth{secretKey: key}
}

// Middleware пропускает запрос только с валидным cookie оператора.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(operatorCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		employeeID, ok := a.parse(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := session.WithEmployee(r.Context(), employeeID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetOperatorCookie выставляет подписанный cookie для сотрудника.
func (a *OperatorAuth) SetOperatorCookie(w http.ResponseWriter, employeeID int64) {
	http.SetCookie(w, &http.Cookie{
		Name:     operatorCookieName,
		Value:    a.sign(strconv.FormatInt(employeeID, 10)),
		Path:     "/",
		Expires:  time.Now().Add(operatorCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *OperatorAuth) sign(id string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(id))
	return id + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *OperatorAuth) parse(value string) (int64, bool) {
	id, _, found := strings.Cut(value, ".")
	if !found {
		return 0, false
	}

	if !hmac.Equal([]byte(value), []byte(a.sign(id))) {
		return 0, false
	}

	employeeID, err := strconv.ParseInt(id, 10, 64)
	if err != nil || employeeID <= 0 {
		return 0, false
	}

	return employeeID, true
}
