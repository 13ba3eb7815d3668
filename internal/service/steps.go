package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/restaflow/internal/orderapi"
)

const defaultStepBackoff = 200 * time.Millisecond

// saga выполняет шаги операции строго по порядку и запоминает выполненные.
type saga struct {
	c         *Coordinator
	operation string
	orderID   int64
	completed []string
}

func (c *Coordinator) newSaga(operation string) *saga {
	return &saga{c: c, operation: operation}
}

// step выполняет шаг. Повтор допускается только для идемпотентных шагов
// (PUT, DELETE, вставка с ключом идемпотентности) и только при StepRetries > 0.
func (s *saga) step(ctx context.Context, name string, idempotent bool, fn func(ctx context.Context) error) error {
	var err error
	if idempotent && s.c.opts.StepRetries > 0 {
		err = s.c.retryStep(ctx, fn)
	} else {
		err = fn(ctx)
	}

	if err != nil {
		if s.orderID == 0 {
			return err
		}
		return &PartialApplyError{
			Operation: s.operation,
			OrderID:   s.orderID,
			Completed: append([]string(nil), s.completed...),
			Failed:    name,
			Err:       err,
		}
	}

	s.completed = append(s.completed, name)
	return nil
}

func (c *Coordinator) retryStep(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := c.opts.StepBackoff
	if backoff <= 0 {
		backoff = defaultStepBackoff
	}
	b := retry.WithMaxRetries(uint64(c.opts.StepRetries), retry.NewConstant(backoff))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if transient(err) {
				c.logger.Warn("step failed, retrying", zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// transient сообщает, имеет ли смысл повторять шаг: сетевые ошибки, 429 и 5xx.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *orderapi.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= http.StatusInternalServerError
	}

	return true
}
