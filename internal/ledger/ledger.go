// Package ledger ведёт журнал движений заказов: прямую запись на бэкенд и очередь
// отложенной доставки (outbox), которую разбирает Dispatcher.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/restaflow/internal/model"
)

// ErrEntryNotFound возвращается, если запись outbox не найдена.
var ErrEntryNotFound = errors.New("outbox entry not found")

// Appender описывает удалённую операцию добавления записи в журнал.
type Appender interface {
	AppendMovement(ctx context.Context, rec model.MovementRecord) error
}

// Ledger добавляет записи в журнал движений бэкенда.
type Ledger struct {
	api Appender
	now func() time.Time
}

// New создаёт клиент журнала движений.
func New(api Appender) *Ledger {
	return &Ledger{api: api, now: time.Now}
}

// Append отправляет запись; нулевая дата движения заменяется временем вызова.
func (l *Ledger) Append(ctx context.Context, rec model.MovementRecord) error {
	if rec.MovementDate.IsZero() {
		rec.MovementDate = l.now()
	}
	if err := l.api.AppendMovement(ctx, rec); err != nil {
		return fmt.Errorf("append movement for order %d: %w", rec.OrderID, err)
	}
	return nil
}

// Entry описывает недоставленную запись outbox.
type Entry struct {
	ID            uuid.UUID
	Record        model.MovementRecord
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
}

// Outbox описывает хранилище записей, ожидающих доставки в журнал бэкенда.
// Pending отдаёт только записи, срок повторной попытки которых наступил,
// в порядке этого срока; записи в dead letter не возвращаются.
type Outbox interface {
	Enqueue(ctx context.Context, rec model.MovementRecord) (uuid.UUID, error)
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error
	MarkDead(ctx context.Context, id uuid.UUID, cause error) error
}
