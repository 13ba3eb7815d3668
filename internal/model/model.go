// Package model содержит доменные сущности сервиса синхронизации заказов RestaFlow.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// StatusTableChanged задаёт статус движения, которым бэкенд помечает перенос заказа на другой стол.
const StatusTableChanged = "Masa Değiştirildi"

// Ref описывает ссылку на сущность бэкенда, которая может прийти как JSON-число или строка.
// Пустое значение означает отсутствие ссылки.
type Ref string

// RefFromInt64 создаёт ссылку из числового идентификатора.
func RefFromInt64(v int64) Ref {
	return Ref(strconv.FormatInt(v, 10))
}

// UnmarshalJSON принимает строку, число или null.
func (r *Ref) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode ref: %w", err)
		}
		*r = Ref(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode ref: %w", err)
	}
	*r = Ref(n.String())
	return nil
}

// Empty сообщает, что ссылка отсутствует.
func (r Ref) Empty() bool {
	return r == ""
}

// String возвращает строковое представление ссылки.
func (r Ref) String() string {
	return string(r)
}

// Int64 возвращает числовое значение ссылки, если оно есть.
func (r Ref) Int64() (int64, bool) {
	v, err := strconv.ParseInt(string(r), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// OrderItem описывает строку заказа.
type OrderItem struct {
	ID        Ref             `json:"id,omitempty"`
	ProductID Ref             `json:"productId,omitempty"`
	Code      Ref             `json:"no,omitempty"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// ProductRef возвращает ссылку на продукт: явный id, затем productId, затем код продукта.
func (i OrderItem) ProductRef() Ref {
	switch {
	case !i.ID.Empty():
		return i.ID
	case !i.ProductID.Empty():
		return i.ProductID
	default:
		return i.Code
	}
}

// Order описывает заказ в каноническом виде.
type Order struct {
	UID        Ref             `json:"uid"`
	TableID    Ref             `json:"tableId"`
	OrderDate  string          `json:"orderDate"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Status     string          `json:"status"`
	WaiterID   Ref             `json:"waiterId"`
	WaiterName string          `json:"waiterName,omitempty"`
	Note       string          `json:"note,omitempty"`
	Items      []OrderItem     `json:"items"`
}

// NewOrder содержит заголовок создаваемого заказа.
type NewOrder struct {
	TableID    Ref             `json:"tableID"`
	Status     string          `json:"status"`
	WaiterID   Ref             `json:"waiterID,omitempty"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Note       string          `json:"note,omitempty"`
}

// MovementRecord описывает запись журнала движений заказа.
type MovementRecord struct {
	OrderID       int64
	OrderStatus   string
	EmployeeID    int64
	MovementDate  time.Time
	TargetTableID *int64
}

// Page задаёт окно постраничной выборки и необязательный фильтр по официанту.
type Page struct {
	Start    int
	Limit    int
	WaiterID int64
}

// OrderPage содержит страницу заказов и общее количество на сервере.
type OrderPage struct {
	Orders     []Order
	TotalCount int
}

// MoveResult описывает подтверждение переноса заказа от бэкенда.
type MoveResult struct {
	Success    bool   `json:"success"`
	OrderID    Ref    `json:"orderId"`
	OldTableID Ref    `json:"oldTableId"`
	NewTableID Ref    `json:"newTableId"`
	Message    string `json:"message"`
}

// OrderEventType описывает тип уведомления об изменении заказа.
type OrderEventType string

const (
	EventOrderCreated       OrderEventType = "order.created"
	EventOrderStatusChanged OrderEventType = "order.status_changed"
	EventOrderItemsUpdated  OrderEventType = "order.items_updated"
	EventOrderMoved         OrderEventType = "order.moved"
)

// OrderEvent описывает уведомление об изменении заказа для других терминалов.
type OrderEvent struct {
	Type       OrderEventType `json:"type"`
	OrderID    int64          `json:"orderId"`
	Status     string         `json:"status,omitempty"`
	TableID    *int64         `json:"tableId,omitempty"`
	EmployeeID int64          `json:"employeeId"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Int64Ptr возвращает указатель на значение.
func Int64Ptr(v int64) *int64 {
	return &v
}
