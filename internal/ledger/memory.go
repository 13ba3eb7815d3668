package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/restaflow/internal/model"
)

// MemoryOutbox хранит недоставленные записи в памяти процесса; при перезапуске они теряются.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries []Entry
	dead    []Entry
	now     func() time.Time
}

// NewMemoryOutbox создаёт пустой outbox в памяти.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{now: time.Now}
}

// Enqueue ставит запись в очередь. Дата движения фиксируется в момент постановки.
func (m *MemoryOutbox) Enqueue(_ context.Context, rec model.MovementRecord) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if rec.MovementDate.IsZero() {
		rec.MovementDate = now
	}

	id := uuid.New()
	m.entries = append(m.entries, Entry{ID: id, Record: rec, CreatedAt: now, NextAttemptAt: now})
	return id, nil
}

// Pending возвращает до limit записей, срок доставки которых наступил, по возрастанию этого срока.
func (m *MemoryOutbox) Pending(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	due := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}

	slices.SortStableFunc(due, func(a, b Entry) int {
		return a.NextAttemptAt.Compare(b.NextAttemptAt)
	})

	if limit > 0 && limit < len(due) {
		due = due[:limit]
	}
	return due, nil
}

// MarkDelivered удаляет доставленную запись.
func (m *MemoryOutbox) MarkDelivered(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return ErrEntryNotFound
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	return nil
}

// MarkFailed увеличивает счётчик попыток, запоминает причину и откладывает запись до retryAt.
func (m *MemoryOutbox) MarkFailed(_ context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return ErrEntryNotFound
	}
	m.entries[i].Attempts++
	m.entries[i].NextAttemptAt = retryAt
	if cause != nil {
		m.entries[i].LastError = cause.Error()
	}
	return nil
}

// MarkDead переносит запись в dead letter; Pending её больше не вернёт.
func (m *MemoryOutbox) MarkDead(_ context.Context, id uuid.UUID, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.index(id)
	if i < 0 {
		return ErrEntryNotFound
	}
	e := m.entries[i]
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	m.dead = append(m.dead, e)
	m.entries = slices.Delete(m.entries, i, i+1)
	return nil
}

func (m *MemoryOutbox) index(id uuid.UUID) int {
	return slices.IndexFunc(m.entries, func(e Entry) bool { return e.ID == id })
}

// Len возвращает количество недоставленных записей, не считая dead letter.
func (m *MemoryOutbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Dead возвращает копию записей, переведённых в dead letter.
func (m *MemoryOutbox) Dead() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.dead)
}
