// Package repository содержит реализацию outbox журнала движений в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/restaflow/internal/ledger"
	"github.com/mmeshcher/restaflow/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresOutbox хранит недоставленные записи журнала движений в PostgreSQL.
type PostgresOutbox struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresOutbox создаёт outbox и инициализирует схему БД через миграции.
func NewPostgresOutbox(dsn string) (*PostgresOutbox, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresOutbox{
		pool:   pool,
		delays: []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresOutbox) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresOutbox) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isRetryable(err) || i == len(r.delays) {
			break
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}

// isRetryable отделяет временные ошибки: конфликты сериализации, взаимоблокировки и обрывы соединения.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresOutbox) Close() error {
	r.pool.Close()
	return nil
}

// Enqueue сохраняет запись для последующей доставки.
func (r *PostgresOutbox) Enqueue(ctx context.Context, rec model.MovementRecord) (uuid.UUID, error) {
	id := uuid.New()
	if rec.MovementDate.IsZero() {
		rec.MovementDate = time.Now()
	}

	err := r.withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO movement_outbox (id, order_id, order_status, employee_id, movement_date, target_table_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, rec.OrderID, rec.OrderStatus, rec.EmployeeID, rec.MovementDate.UTC(), rec.TargetTableID,
		)
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert outbox entry: %w", err)
	}

	return id, nil
}

// Pending возвращает до limit записей, срок доставки которых наступил.
func (r *PostgresOutbox) Pending(ctx context.Context, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var res []ledger.Entry
	err := r.withRetry(ctx, func() error {
		res = res[:0]

		rows, err := r.pool.Query(ctx,
			`SELECT id, order_id, order_status, employee_id, movement_date, target_table_id,
			        attempts, COALESCE(last_error, ''), created_at, next_attempt_at
			 FROM movement_outbox
			 WHERE delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= now()
			 ORDER BY next_attempt_at, created_at
			 LIMIT $1`,
			limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e ledger.Entry
			if err := rows.Scan(
				&e.ID,
				&e.Record.OrderID,
				&e.Record.OrderStatus,
				&e.Record.EmployeeID,
				&e.Record.MovementDate,
				&e.Record.TargetTableID,
				&e.Attempts,
				&e.LastError,
				&e.CreatedAt,
				&e.NextAttemptAt,
			); err != nil {
				return fmt.Errorf("scan outbox entry: %w", err)
			}
			res = append(res, e)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("select outbox entries: %w", err)
	}

	return res, nil
}

// MarkDelivered помечает запись доставленной.
func (r *PostgresOutbox) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx,
		`UPDATE movement_outbox SET delivered_at = now() WHERE id = $1 AND delivered_at IS NULL`,
		id,
	)
}

// MarkFailed увеличивает счётчик попыток, сохраняет текст ошибки и откладывает запись до retryAt.
func (r *PostgresOutbox) MarkFailed(ctx context.Context, id uuid.UUID, cause error, retryAt time.Time) error {
	return r.update(ctx,
		`UPDATE movement_outbox
		 SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		 WHERE id = $1 AND delivered_at IS NULL AND dead_at IS NULL`,
		id, errorText(cause), retryAt.UTC(),
	)
}

// MarkDead переводит запись в dead letter.
func (r *PostgresOutbox) MarkDead(ctx context.Context, id uuid.UUID, cause error) error {
	return r.update(ctx,
		`UPDATE movement_outbox
		 SET attempts = attempts + 1, last_error = $2, dead_at = now()
		 WHERE id = $1 AND delivered_at IS NULL AND dead_at IS NULL`,
		id, errorText(cause),
	)
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func (r *PostgresOutbox) update(ctx context.Context, sql string, args ...any) error {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	if affected == 0 {
		return ledger.ErrEntryNotFound
	}
	return nil
}
