// Package session предоставляет сведения о текущем операторе терминала.
package session

import (
	"context"
	"errors"
)

// ErrNoSession возвращается, если идентификатор сотрудника неизвестен.
var ErrNoSession = errors.New("no operator session")

// Session содержит идентификатор сотрудника и токен доступа к бэкенду.
type Session struct {
	EmployeeID int64
	Token      string
}

// Provider описывает источник текущей сессии оператора.
type Provider interface {
	Current(ctx context.Context) (Session, error)
	// Token возвращает токен доступа к бэкенду независимо от того, известен ли сотрудник.
	Token(ctx context.Context) string
}

type contextKey struct{}

// WithEmployee возвращает контекст, в котором текущим оператором считается employeeID.
func WithEmployee(ctx context.Context, employeeID int64) context.Context {
	return context.WithValue(ctx, contextKey{}, employeeID)
}

// EmployeeFromContext извлекает идентификатор сотрудника из контекста.
func EmployeeFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey{}).(int64)
	return id, ok && id > 0
}

// Static отдаёт сессию терминала из конфигурации; оператор из контекста запроса имеет приоритет.
type Static struct {
	employeeID int64
	token      string
}

// NewStatic создаёт провайдер с сотрудником и токеном по умолчанию.
func NewStatic(employeeID int64, token string) *Static {
	return &Static{employeeID: employeeID, token: token}
}

// Current возвращает сессию для контекста вызова.
func (s *Static) Current(ctx context.Context) (Session, error) {
	id := s.employeeID
	if ctxID, ok := EmployeeFromContext(ctx); ok {
		id = ctxID
	}
	if id <= 0 {
		return Session{}, ErrNoSession
	}
	return Session{EmployeeID: id, Token: s.token}, nil
}

// Token возвращает токен терминала; фоновые вызовы без оператора тоже авторизуются.
func (s *Static) Token(context.Context) string {
	return s.token
}
