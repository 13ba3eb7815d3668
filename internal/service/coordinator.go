// Package service реализует координатор операций над заказами: многошаговые
// сценарии создания, изменения и переноса заказов и кэш состояния для терминала.
package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/restaflow/internal/model"
	"github.com/mmeshcher/restaflow/internal/reconcile"
	"github.com/mmeshcher/restaflow/internal/session"
	"github.com/mmeshcher/restaflow/internal/validation"
)

const (
	defaultOrdersLimit     = 20
	defaultLastOrdersLimit = 5
)

// OrderAPI описывает контракт бэкенда заказов, используемый координатором.
type OrderAPI interface {
	CreateOrder(ctx context.Context, header model.NewOrder) (int64, error)
	CreateDetail(ctx context.Context, orderID int64, productRef model.Ref, quantity int, idempotencyKey string) error
	UpdateDetail(ctx context.Context, orderID int64, productRef model.Ref, quantity int) error
	DeleteDetail(ctx context.Context, orderID int64, productRef model.Ref) error
	ListOrders(ctx context.Context, page model.Page) (*model.OrderPage, error)
	ListLastOrdersPerTable(ctx context.Context, page model.Page) (*model.OrderPage, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, status string) error
	MoveOrder(ctx context.Context, orderID, targetTableID, employeeID int64) (*model.MoveResult, error)
}

// MovementAppender записывает движение заказа в журнал бэкенда.
type MovementAppender interface {
	Append(ctx context.Context, rec model.MovementRecord) error
}

// MovementQueue принимает движения для отложенной доставки.
type MovementQueue interface {
	Enqueue(ctx context.Context, rec model.MovementRecord) (uuid.UUID, error)
}

// Notifier публикует уведомления об изменении заказов.
type Notifier interface {
	Publish(ctx context.Context, event model.OrderEvent) error
}

// Options задаёт политику повторов шагов.
type Options struct {
	StepRetries int
	StepBackoff time.Duration
}

// Coordinator выполняет операции над заказами и хранит кэш последних результатов.
// При гонке двух операций над одним кэшем побеждает завершившаяся последней.
type Coordinator struct {
	api      OrderAPI
	ledger   MovementAppender
	outbox   MovementQueue
	sessions session.Provider
	notifier Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	mu              sync.RWMutex
	orders          []model.Order
	order           *model.Order
	pagedOrders     []model.Order
	totalOrderCount int
	tablesPage      model.Page
	inflight        int
	lastError       string

	subsMu  sync.Mutex
	subs    map[int]chan State
	nextSub int
}

// NewCoordinator создаёт координатор с явно переданными зависимостями.
func NewCoordinator(
	api OrderAPI,
	ledger MovementAppender,
	outbox MovementQueue,
	sessions session.Provider,
	notifier Notifier,
	logger *zap.Logger,
	opts Options,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		api:      api,
		ledger:   ledger,
		outbox:   outbox,
		sessions: sessions,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		subs:     make(map[int]chan State),
	}
}

// CreateOrderWithDetails создаёт заголовок заказа, затем по одной строке на каждую позицию
// и запись в журнале движений. Шаги выполняются последовательно; при сбое после создания
// заголовка возвращается *PartialApplyError, уже созданные данные не откатываются.
func (c *Coordinator) CreateOrderWithDetails(ctx context.Context, header model.NewOrder, items []model.OrderItem) (orderID int64, err error) {
	if err := validation.OrderHeader(header); err != nil {
		return 0, err
	}
	if err := validation.NewItems(items); err != nil {
		return 0, err
	}

	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return 0, err
	}

	c.begin()
	defer func() { c.end(err) }()

	s := c.newSaga("create order")

	if err := s.step(ctx, "create header", false, func(ctx context.Context) error {
		id, err := c.api.CreateOrder(ctx, header)
		if err != nil {
			return fmt.Errorf("create order header: %w", err)
		}
		orderID = id
		return nil
	}); err != nil {
		return 0, err
	}
	s.orderID = orderID

	if len(items) == 0 {
		c.logger.Warn("order created without items", zap.Int64("order_id", orderID))
	}

	for _, it := range items {
		ref := it.ProductRef()
		quantity := it.Quantity
		key := uuid.NewString()
		if err := s.step(ctx, "insert detail "+ref.String(), true, func(ctx context.Context) error {
			return c.api.CreateDetail(ctx, orderID, ref, quantity, key)
		}); err != nil {
			return orderID, err
		}
	}

	rec := model.MovementRecord{
		OrderID:      orderID,
		OrderStatus:  header.Status,
		EmployeeID:   sess.EmployeeID,
		MovementDate: c.now(),
	}
	if table, ok := header.TableID.Int64(); ok {
		rec.TargetTableID = model.Int64Ptr(table)
	}
	if err := s.step(ctx, "append movement", false, func(ctx context.Context) error {
		return c.ledger.Append(ctx, rec)
	}); err != nil {
		return orderID, err
	}

	c.logger.Info("order created",
		zap.Int64("order_id", orderID),
		zap.Int("items", len(items)),
		zap.Int64("employee_id", sess.EmployeeID),
	)
	c.notify(ctx, model.OrderEvent{
		Type:       model.EventOrderCreated,
		OrderID:    orderID,
		Status:     header.Status,
		TableID:    rec.TargetTableID,
		EmployeeID: sess.EmployeeID,
	})

	return orderID, nil
}

// FetchOrders загружает страницу заказов в кэш списка и возвращает её вызывающему.
// По умолчанию start=0, limit=20.
func (c *Coordinator) FetchOrders(ctx context.Context, page model.Page) (res *model.OrderPage, err error) {
	page = withDefaults(page, defaultOrdersLimit)

	c.begin()
	defer func() { c.end(err) }()

	res, err = c.api.ListOrders(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("fetch orders: %w", err)
	}

	c.update(func() {
		c.orders = slices.Clone(res.Orders)
	})

	return res, nil
}

// FetchLastOrdersPerTable загружает последние заказы по столам в отдельный постраничный кэш
// и запоминает окно для RefreshLastOrdersPerTable. По умолчанию start=0, limit=5.
func (c *Coordinator) FetchLastOrdersPerTable(ctx context.Context, page model.Page) (res *model.OrderPage, err error) {
	page = withDefaults(page, defaultLastOrdersLimit)

	c.begin()
	defer func() { c.end(err) }()

	res, err = c.api.ListLastOrdersPerTable(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("fetch last orders per table: %w", err)
	}

	c.update(func() {
		c.pagedOrders = slices.Clone(res.Orders)
		c.totalOrderCount = res.TotalCount
		c.tablesPage = page
	})

	return res, nil
}

// RefreshLastOrdersPerTable повторяет загрузку последних заказов по столам
// с окном последнего успешного запроса.
func (c *Coordinator) RefreshLastOrdersPerTable(ctx context.Context) error {
	c.mu.RLock()
	page := c.tablesPage
	c.mu.RUnlock()

	_, err := c.FetchLastOrdersPerTable(ctx, page)
	return err
}

func withDefaults(page model.Page, limit int) model.Page {
	if page.Start < 0 {
		page.Start = 0
	}
	if page.Limit <= 0 {
		page.Limit = limit
	}
	return page
}

// FetchOrderDetail заменяет текущий заказ в кэше нормализованным представлением с бэкенда.
func (c *Coordinator) FetchOrderDetail(ctx context.Context, orderID int64) (order *model.Order, err error) {
	if err := validation.OrderID(orderID); err != nil {
		return nil, err
	}

	c.begin()
	defer func() { c.end(err) }()

	return c.fetchOrderDetail(ctx, orderID)
}

func (c *Coordinator) fetchOrderDetail(ctx context.Context, orderID int64) (*model.Order, error) {
	o, err := c.api.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch order %d: %w", orderID, err)
	}

	c.update(func() {
		c.order = o
	})

	cp := *o
	return &cp, nil
}

// UpdateOrderStatus меняет статус заказа на бэкенде, оптимистично обновляет кэш и ставит
// запись о движении в очередь доставки. Сбой постановки в очередь не делает операцию неуспешной.
func (c *Coordinator) UpdateOrderStatus(ctx context.Context, orderID int64, status string) (err error) {
	if err := validation.OrderID(orderID); err != nil {
		return err
	}

	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return err
	}

	c.begin()
	defer func() { c.end(err) }()

	if err := c.api.UpdateStatus(ctx, orderID, status); err != nil {
		return fmt.Errorf("update status of order %d: %w", orderID, err)
	}

	var table *int64
	c.update(func() {
		if c.order == nil {
			return
		}
		if uid, ok := c.order.UID.Int64(); ok && uid == orderID {
			c.order.Status = status
			if t, ok := c.order.TableID.Int64(); ok {
				table = model.Int64Ptr(t)
			}
		}
	})

	rec := model.MovementRecord{
		OrderID:       orderID,
		OrderStatus:   status,
		EmployeeID:    sess.EmployeeID,
		MovementDate:  c.now(),
		TargetTableID: table,
	}
	if _, err := c.outbox.Enqueue(ctx, rec); err != nil {
		c.logger.Error("failed to enqueue status movement",
			zap.Int64("order_id", orderID),
			zap.String("status", status),
			zap.Error(err),
		)
	}

	c.logger.Info("order status updated", zap.Int64("order_id", orderID), zap.String("status", status))
	c.notify(ctx, model.OrderEvent{
		Type:       model.EventOrderStatusChanged,
		OrderID:    orderID,
		Status:     status,
		TableID:    table,
		EmployeeID: sess.EmployeeID,
	})

	return nil
}

// UpdateOrderItems сверяет желаемый и прежний набор строк и применяет разницу:
// сначала удаления, затем вставки и изменения в порядке желаемого списка.
// Первый сбой прерывает применение с *PartialApplyError. После успеха заказ
// перечитывается с бэкенда.
func (c *Coordinator) UpdateOrderItems(ctx context.Context, orderID int64, desired, previous []model.OrderItem) (err error) {
	if err := validation.OrderID(orderID); err != nil {
		return err
	}
	if err := validation.DesiredItems(desired); err != nil {
		return err
	}

	c.begin()
	defer func() { c.end(err) }()

	plan := reconcile.Reconcile(previous, desired)

	s := c.newSaga("update order items")
	s.orderID = orderID

	for _, e := range plan.Edits() {
		name := e.Kind.String() + " detail " + e.Ref.String()

		var stepErr error
		switch e.Kind {
		case reconcile.Delete:
			stepErr = s.step(ctx, name, true, func(ctx context.Context) error {
				return c.api.DeleteDetail(ctx, orderID, e.Ref)
			})
		case reconcile.Insert:
			key := uuid.NewString()
			stepErr = s.step(ctx, name, true, func(ctx context.Context) error {
				return c.api.CreateDetail(ctx, orderID, e.Ref, e.Item.Quantity, key)
			})
		case reconcile.Update:
			stepErr = s.step(ctx, name, true, func(ctx context.Context) error {
				return c.api.UpdateDetail(ctx, orderID, e.Ref, e.Item.Quantity)
			})
		}
		if stepErr != nil {
			return stepErr
		}
	}

	if _, err := c.fetchOrderDetail(ctx, orderID); err != nil {
		return err
	}

	c.logger.Info("order items updated", zap.Int64("order_id", orderID), zap.Int("edits", plan.Len()))

	if !plan.Empty() {
		employeeID := int64(0)
		if sess, err := c.sessions.Current(ctx); err == nil {
			employeeID = sess.EmployeeID
		}
		c.notify(ctx, model.OrderEvent{
			Type:       model.EventOrderItemsUpdated,
			OrderID:    orderID,
			EmployeeID: employeeID,
		})
	}

	return nil
}

// MoveOrderToTable переносит заказ на другой стол, записывает движение со статусом
// переноса и обновляет список заказов. Возвращает подтверждение бэкенда как есть:
// ответ с success=false не считается ошибкой, его разбирает вызывающий.
func (c *Coordinator) MoveOrderToTable(ctx context.Context, orderID, targetTableID int64) (res *model.MoveResult, err error) {
	if err := validation.OrderID(orderID); err != nil {
		return nil, err
	}
	if err := validation.TableID(targetTableID); err != nil {
		return nil, err
	}

	sess, err := c.sessions.Current(ctx)
	if err != nil {
		return nil, err
	}

	c.begin()
	defer func() { c.end(err) }()

	s := c.newSaga("move order")

	// Перенос не идемпотентен: повторная отправка переместила бы заказ ещё раз.
	if err := s.step(ctx, "move order", false, func(ctx context.Context) error {
		r, err := c.api.MoveOrder(ctx, orderID, targetTableID, sess.EmployeeID)
		if err != nil {
			return fmt.Errorf("move order %d: %w", orderID, err)
		}
		res = r
		return nil
	}); err != nil {
		return nil, err
	}

	s.orderID = orderID

	rec := model.MovementRecord{
		OrderID:       orderID,
		OrderStatus:   model.StatusTableChanged,
		EmployeeID:    sess.EmployeeID,
		MovementDate:  c.now(),
		TargetTableID: model.Int64Ptr(targetTableID),
	}
	if err := s.step(ctx, "append movement", false, func(ctx context.Context) error {
		return c.ledger.Append(ctx, rec)
	}); err != nil {
		return res, err
	}

	if _, err := c.fetchOrdersSilently(ctx); err != nil {
		c.logger.Warn("order list refresh after move failed", zap.Int64("order_id", orderID), zap.Error(err))
	}

	if !res.Success {
		c.logger.Warn("order move not confirmed by backend",
			zap.Int64("order_id", orderID),
			zap.Int64("target_table_id", targetTableID),
			zap.String("message", res.Message),
		)
		return res, nil
	}

	c.logger.Info("order moved",
		zap.Int64("order_id", orderID),
		zap.Int64("target_table_id", targetTableID),
		zap.String("old_table_id", res.OldTableID.String()),
	)
	c.notify(ctx, model.OrderEvent{
		Type:       model.EventOrderMoved,
		OrderID:    orderID,
		Status:     model.StatusTableChanged,
		TableID:    model.Int64Ptr(targetTableID),
		EmployeeID: sess.EmployeeID,
	})

	return res, nil
}

// fetchOrdersSilently обновляет список заказов с окном по умолчанию, не трогая признак загрузки.
func (c *Coordinator) fetchOrdersSilently(ctx context.Context) (int, error) {
	res, err := c.api.ListOrders(ctx, withDefaults(model.Page{}, defaultOrdersLimit))
	if err != nil {
		return 0, err
	}
	c.update(func() {
		c.orders = res.Orders
	})
	return res.TotalCount, nil
}

// AddOrderMovement синхронно добавляет запись в журнал движений.
// Если сотрудник не указан, используется оператор текущей сессии.
func (c *Coordinator) AddOrderMovement(ctx context.Context, rec model.MovementRecord) error {
	if err := validation.OrderID(rec.OrderID); err != nil {
		return err
	}
	if rec.EmployeeID == 0 {
		sess, err := c.sessions.Current(ctx)
		if err != nil {
			return err
		}
		rec.EmployeeID = sess.EmployeeID
	}
	return c.ledger.Append(ctx, rec)
}

func (c *Coordinator) notify(ctx context.Context, event model.OrderEvent) {
	if c.notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.now().UTC()
	}
	if err := c.notifier.Publish(ctx, event); err != nil {
		c.logger.Warn("failed to publish order event",
			zap.String("type", string(event.Type)),
			zap.Int64("order_id", event.OrderID),
			zap.Error(err),
		)
	}
}
