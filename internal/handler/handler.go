// Package handler содержит HTTP-обработчики API сервиса RestaFlow.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/restaflow/internal/middleware"
	"github.com/mmeshcher/restaflow/internal/model"
	"github.com/mmeshcher/restaflow/internal/poller"
	"github.com/mmeshcher/restaflow/internal/service"
)

// Coordinator определяет операции над заказами, используемые HTTP-обработчиками.
type Coordinator interface {
	CreateOrderWithDetails(ctx context.Context, header model.NewOrder, items []model.OrderItem) (int64, error)
	FetchOrders(ctx context.Context, page model.Page) (*model.OrderPage, error)
	FetchLastOrdersPerTable(ctx context.Context, page model.Page) (*model.OrderPage, error)
	FetchOrderDetail(ctx context.Context, orderID int64) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderItems(ctx context.Context, orderID int64, desired, previous []model.OrderItem) error
	MoveOrderToTable(ctx context.Context, orderID, targetTableID int64) (*model.MoveResult, error)
	Snapshot() service.State
	Subscribe() (<-chan service.State, func())
}

// Scheduler определяет управление автообновлением списка заказов.
type Scheduler interface {
	Refresh(ctx context.Context) bool
	Toggle()
	Status() poller.Status
	SetVisible(visible bool)
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	coord     Coordinator
	scheduler Scheduler
	logger    *zap.Logger
	auth      *middleware.OperatorAuth
	upgrader  websocket.Upgrader
	viewers   viewers
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(c Coordinator, s Scheduler, logger *zap.Logger, auth *middleware.OperatorAuth) *Handler {
	return &Handler{
		coord:     c,
		scheduler: s,
		logger:    logger,
		auth:      auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

type sessionRequest struct {
	EmployeeID int64 `json:"employeeId"`
}

// StartSession выставляет cookie оператора терминала.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EmployeeID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	h.auth.SetOperatorCookie(w, req.EmployeeID)
	w.WriteHeader(http.StatusOK)
}

type orderHeaderRequest struct {
	TableID     model.Ref       `json:"tableID"`
	TableIDAlt  model.Ref       `json:"tableId"`
	Status      string          `json:"status"`
	WaiterID    model.Ref       `json:"waiterID"`
	WaiterIDAlt model.Ref       `json:"waiterId"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	Note        string          `json:"note"`
}

type itemRequest struct {
	ID         model.Ref       `json:"id"`
	ProductID  model.Ref       `json:"productId"`
	Code       model.Ref       `json:"no"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Quantity   *int            `json:"quantity"`
	OrderCount *int            `json:"_orderCount"`
}

func (it itemRequest) item() model.OrderItem {
	qty := 0
	switch {
	case it.Quantity != nil:
		qty = *it.Quantity
	case it.OrderCount != nil:
		qty = *it.OrderCount
	}
	return model.OrderItem{
		ID:        it.ID,
		ProductID: it.ProductID,
		Code:      it.Code,
		Name:      it.Name,
		Price:     it.Price,
		Quantity:  qty,
	}
}

func items(reqs []itemRequest) []model.OrderItem {
	out := make([]model.OrderItem, 0, len(reqs))
	for _, it := range reqs {
		out = append(out, it.item())
	}
	return out
}

type createOrderRequest struct {
	Order orderHeaderRequest `json:"order"`
	Items []itemRequest      `json:"items"`
}

type createOrderResponse struct {
	OrderID int64 `json:"orderId"`
}

// CreateOrder создаёт заказ вместе со строками.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	header := model.NewOrder{
		TableID:    firstRef(req.Order.TableIDAlt, req.Order.TableID),
		Status:     req.Order.Status,
		WaiterID:   firstRef(req.Order.WaiterIDAlt, req.Order.WaiterID),
		TotalPrice: req.Order.TotalPrice,
		Note:       req.Order.Note,
	}

	id, err := h.coord.CreateOrderWithDetails(r.Context(), header, items(req.Items))
	if err != nil {
		h.writeError(w, "create order", err)
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{OrderID: id})
}

func firstRef(refs ...model.Ref) model.Ref {
	for _, r := range refs {
		if !r.Empty() {
			return r
		}
	}
	return ""
}

type pageResponse struct {
	Data       []model.Order `json:"data"`
	TotalCount int           `json:"totalCount"`
}

func parsePage(r *http.Request) (model.Page, bool) {
	var page model.Page
	q := r.URL.Query()

	for name, dst := range map[string]*int{"start": &page.Start, "limit": &page.Limit} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return page, false
			}
			*dst = n
		}
	}

	waiter := q.Get("waiterId")
	if waiter == "" {
		waiter = q.Get("waiterID")
	}
	if waiter != "" {
		id, err := strconv.ParseInt(waiter, 10, 64)
		if err != nil {
			return page, false
		}
		page.WaiterID = id
	}

	return page, true
}

// ListOrders возвращает страницу заказов.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.coord.FetchOrders(r.Context(), page)
	if err != nil {
		h.writeError(w, "list orders", err)
		return
	}

	writeJSON(w, http.StatusOK, pageResponse{Data: nonNil(res.Orders), TotalCount: res.TotalCount})
}

// ListLastOrdersPerTable возвращает страницу последних заказов по столам.
func (h *Handler) ListLastOrdersPerTable(w http.ResponseWriter, r *http.Request) {
	page, ok := parsePage(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.coord.FetchLastOrdersPerTable(r.Context(), page)
	if err != nil {
		h.writeError(w, "list last orders per table", err)
		return
	}

	writeJSON(w, http.StatusOK, pageResponse{Data: nonNil(res.Orders), TotalCount: res.TotalCount})
}

func nonNil(orders []model.Order) []model.Order {
	if orders == nil {
		return []model.Order{}
	}
	return orders
}

func orderIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetOrder возвращает заказ со строками.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.coord.FetchOrderDetail(r.Context(), id)
	if err != nil {
		h.writeError(w, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

type statusRequest struct {
	Status string `json:"status"`
}

// UpdateStatus меняет статус заказа.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.coord.UpdateOrderStatus(r.Context(), id, req.Status); err != nil {
		h.writeError(w, "update status", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type updateItemsRequest struct {
	Items         []itemRequest `json:"items"`
	PreviousItems []itemRequest `json:"previousItems"`
}

// UpdateItems приводит строки заказа к желаемому набору.
func (h *Handler) UpdateItems(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.coord.UpdateOrderItems(r.Context(), id, items(req.Items), items(req.PreviousItems)); err != nil {
		h.writeError(w, "update items", err)
		return
	}

	writeJSON(w, http.StatusOK, h.coord.Snapshot().CurrentOrder)
}

type moveRequest struct {
	TargetTableID int64 `json:"targetTableId"`
}

// MoveOrder переносит заказ на другой стол.
func (h *Handler) MoveOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.coord.MoveOrderToTable(r.Context(), id, req.TargetTableID)
	if err != nil {
		h.writeError(w, "move order", err)
		return
	}

	if !res.Success {
		writeJSON(w, http.StatusConflict, res)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// State возвращает снимок состояния координатора.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coord.Snapshot())
}

// RefreshStatus возвращает состояние автообновления.
func (h *Handler) RefreshStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// Refresh запускает ручное обновление. Если обновление уже идёт, отвечает 409.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if !h.scheduler.Refresh(r.Context()) {
		writeJSON(w, http.StatusConflict, h.scheduler.Status())
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// ToggleRefresh включает или выключает автообновление.
func (h *Handler) ToggleRefresh(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Toggle()
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
