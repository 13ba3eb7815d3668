package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
	defaultBaseDelay   = 5 * time.Second
	defaultMaxDelay    = 10 * time.Minute
)

// DispatcherOptions задаёт размер пачки и политику повторной доставки.
type DispatcherOptions struct {
	Batch       int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Dispatcher доставляет записи из outbox в журнал бэкенда.
type Dispatcher struct {
	outbox Outbox
	ledger *Ledger
	logger *zap.Logger
	opts   DispatcherOptions
	now    func() time.Time
}

// NewDispatcher создаёт диспетчер; нулевые поля opts заменяются значениями по умолчанию.
func NewDispatcher(outbox Outbox, ledger *Ledger, logger *zap.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.Batch <= 0 {
		opts.Batch = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = defaultMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{outbox: outbox, ledger: ledger, logger: logger, opts: opts, now: time.Now}
}

// Flush отправляет одну пачку записей, срок доставки которых наступил. Неудачная
// запись откладывается с экспоненциальной задержкой, после MaxAttempts попыток
// уходит в dead letter. Возвращается только ошибка чтения outbox.
func (d *Dispatcher) Flush(ctx context.Context) error {
	entries, err := d.outbox.Pending(ctx, d.opts.Batch)
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}

		if err := d.ledger.Append(ctx, e.Record); err != nil {
			d.fail(ctx, e, err)
			continue
		}

		if err := d.outbox.MarkDelivered(ctx, e.ID); err != nil {
			d.logger.Error("mark outbox entry delivered", zap.String("entry", e.ID.String()), zap.Error(err))
		}
	}

	return nil
}

func (d *Dispatcher) fail(ctx context.Context, e Entry, cause error) {
	attempts := e.Attempts + 1

	if attempts >= d.opts.MaxAttempts {
		d.logger.Error("movement moved to dead letter",
			zap.String("entry", e.ID.String()),
			zap.Int64("orderID", e.Record.OrderID),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		if err := d.outbox.MarkDead(ctx, e.ID, cause); err != nil {
			d.logger.Error("mark outbox entry dead", zap.String("entry", e.ID.String()), zap.Error(err))
		}
		return
	}

	retryAt := d.now().Add(d.retryDelay(attempts))
	d.logger.Warn("movement delivery failed",
		zap.String("entry", e.ID.String()),
		zap.Int64("orderID", e.Record.OrderID),
		zap.Int("attempts", attempts),
		zap.Time("retryAt", retryAt),
		zap.Error(cause),
	)
	if err := d.outbox.MarkFailed(ctx, e.ID, cause, retryAt); err != nil {
		d.logger.Error("mark outbox entry failed", zap.String("entry", e.ID.String()), zap.Error(err))
	}
}

// retryDelay возвращает задержку перед попыткой номер attempts+1: BaseDelay, 2*BaseDelay, ... не больше MaxDelay.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	b := retry.WithCappedDuration(d.opts.MaxDelay, retry.NewExponential(d.opts.BaseDelay))

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay, _ = b.Next()
	}
	return delay
}
