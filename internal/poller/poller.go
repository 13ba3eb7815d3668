// Package poller реализует адаптивный планировщик периодического обновления данных:
// защита от повторного входа, остановка после серии ошибок и пауза по видимости клиента.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultInterval  = time.Second
	defaultMaxErrors = 3
)

// Action выполняет обновление, которое планировщик вызывает по таймеру и по запросу.
type Action func(ctx context.Context) error

// Options задаёт поведение планировщика.
type Options struct {
	Name            string
	Interval        time.Duration
	Immediate       bool
	WatchVisibility bool
	MaxErrors       int
}

// DefaultOptions возвращает параметры по умолчанию: интервал 1s, немедленный старт,
// слежение за видимостью и остановка после трёх ошибок подряд.
func DefaultOptions() Options {
	return Options{
		Interval:        defaultInterval,
		Immediate:       true,
		WatchVisibility: true,
		MaxErrors:       defaultMaxErrors,
	}
}

// Status описывает текущее состояние планировщика.
type Status struct {
	Refreshing  bool      `json:"isRefreshing"`
	Active      bool      `json:"isActive"`
	LastRefresh time.Time `json:"lastRefresh"`
	ErrorCount  int       `json:"errorCount"`
	HasErrors   bool      `json:"hasErrors"`
}

// Scheduler периодически вызывает Action. После MaxErrors ошибок подряд он
// останавливается сам; каждый Start (в том числе через Toggle или SetVisible)
// обнуляет счётчик ошибок, так что перезапущенный планировщик снова получает
// MaxErrors попыток.
type Scheduler struct {
	base   context.Context
	action Action
	opts   Options
	logger *zap.Logger

	refreshing atomic.Bool

	mu          sync.Mutex
	active      bool
	closed      bool
	lastRefresh time.Time
	errorCount  int
	loopCtx     context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// New создаёт планировщик, время жизни которого ограничено ctx.
// При Options.Immediate периодические обновления запускаются сразу.
func New(ctx context.Context, action Action, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = defaultMaxErrors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name != "" {
		logger = logger.With(zap.String("poller", opts.Name))
	}

	s := &Scheduler{
		base:   ctx,
		action: action,
		opts:   opts,
		logger: logger,
	}

	if opts.Immediate {
		s.Start()
	}

	return s
}

// Start запускает периодические обновления и обнуляет счётчик ошибок, накопленный
// до остановки. Повторный вызов при активном планировщике ничего не делает.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	done := make(chan struct{})

	s.loopCtx = ctx
	s.cancel = cancel
	s.done = done
	s.active = true
	s.errorCount = 0

	go s.loop(ctx, done)

	s.logger.Info("auto refresh started", zap.Duration("interval", s.opts.Interval))
}

// Stop останавливает периодические обновления и дожидается выхода цикла:
// после возврата из Stop ни одного тика больше не будет.
// Stop нельзя вызывать из самого Action.
func (s *Scheduler) Stop() {
	if done := s.halt(); done != nil {
		<-done
	}
}

// Close останавливает планировщик без возможности повторного запуска.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Stop()
}

// halt отменяет цикл, не дожидаясь его завершения.
func (s *Scheduler) halt() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := s.done
	wasActive := s.active

	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.done = nil
	s.loopCtx = nil
	s.active = false

	if wasActive {
		s.logger.Info("auto refresh stopped")
	}

	return done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.detach(done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.refresh(ctx, true)
		}
	}
}

// detach сбрасывает состояние, если цикл завершился сам (например, по отмене базового контекста).
func (s *Scheduler) detach(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == done {
		s.cancel()
		s.cancel = nil
		s.done = nil
		s.loopCtx = nil
		s.active = false
	}
}

// Refresh выполняет ручное обновление. Возвращает false, если обновление уже
// выполняется и запрос отброшен.
func (s *Scheduler) Refresh(ctx context.Context) bool {
	return s.refresh(ctx, false)
}

func (s *Scheduler) refresh(ctx context.Context, silent bool) bool {
	if !s.refreshing.CompareAndSwap(false, true) {
		return false
	}
	defer s.refreshing.Store(false)

	err := s.action(ctx)

	if err == nil {
		s.mu.Lock()
		s.lastRefresh = time.Now()
		s.errorCount = 0
		last := s.lastRefresh
		s.mu.Unlock()

		if silent {
			s.logger.Debug("data refreshed", zap.Time("at", last))
		} else {
			s.logger.Info("data refreshed", zap.Time("at", last))
		}
		return true
	}

	// Отмена контекста при остановке не считается сбоем обновления.
	if ctx.Err() != nil {
		return true
	}

	s.mu.Lock()
	s.errorCount++
	count := s.errorCount
	s.mu.Unlock()

	s.logger.Error("refresh failed",
		zap.Int("attempt", count),
		zap.Int("max", s.opts.MaxErrors),
		zap.Error(err),
	)

	if count >= s.opts.MaxErrors {
		s.logger.Warn("too many refresh errors, stopping auto refresh", zap.Int("errors", count))
		s.halt()
	}

	return true
}

// Toggle останавливает активный планировщик или запускает остановленный.
func (s *Scheduler) Toggle() {
	if s.Status().Active {
		s.Stop()
		return
	}
	s.Start()
}

// SetVisible сообщает об изменении видимости клиента. Учитывается только при
// Options.WatchVisibility: скрытие останавливает обновления, появление (при
// Options.Immediate) перезапускает их и сразу выполняет одно обновление.
func (s *Scheduler) SetVisible(visible bool) {
	if !s.opts.WatchVisibility {
		return
	}

	if !visible {
		s.Stop()
		return
	}

	if !s.opts.Immediate {
		return
	}

	s.Start()

	s.mu.Lock()
	ctx := s.loopCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	s.refresh(ctx, true)
}

// Status возвращает снимок состояния.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		Refreshing:  s.refreshing.Load(),
		Active:      s.active,
		LastRefresh: s.lastRefresh,
		ErrorCount:  s.errorCount,
		HasErrors:   s.errorCount > 0,
	}
}
