// Package validation содержит проверки входных данных, выполняемые до обращения к бэкенду.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/restaflow/internal/model"
)

// ErrInvalid оборачивает все ошибки валидации.
var ErrInvalid = errors.New("validation error")

// OrderHeader проверяет заголовок нового заказа: стол должен быть выбран.
func OrderHeader(h model.NewOrder) error {
	if h.TableID.Empty() || h.TableID == "0" {
		return fmt.Errorf("%w: table is not selected", ErrInvalid)
	}
	return nil
}

// OrderID проверяет идентификатор заказа.
func OrderID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: order id is required", ErrInvalid)
	}
	return nil
}

// TableID проверяет идентификатор стола.
func TableID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: target table id is required", ErrInvalid)
	}
	return nil
}

// NewItems проверяет строки создаваемого заказа: у каждой есть продукт и положительное количество.
func NewItems(items []model.OrderItem) error {
	for i, it := range items {
		if it.ProductRef().Empty() {
			return fmt.Errorf("%w: item %d has no product reference", ErrInvalid, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d (%s) has non-positive quantity %d", ErrInvalid, i, it.ProductRef(), it.Quantity)
		}
	}
	return nil
}

// DesiredItems проверяет желаемый набор строк при сверке. Строки без продукта
// пропускаются сверкой и здесь не проверяются.
func DesiredItems(items []model.OrderItem) error {
	for i, it := range items {
		if it.ProductRef().Empty() {
			continue
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: item %d (%s) has non-positive quantity %d", ErrInvalid, i, it.ProductRef(), it.Quantity)
		}
	}
	return nil
}
