package orderapi

import (
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/restaflow/internal/model"
)

// rawOrder принимает все варианты написания полей, которые встречаются в ответах бэкенда.
type rawOrder struct {
	UID         model.Ref       `json:"uid"`
	TableIDLow  model.Ref       `json:"tableId"`
	TableIDUp   model.Ref       `json:"tableID"`
	OrderDate   string          `json:"orderDate"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	Status      string          `json:"status"`
	WaiterIDLow model.Ref       `json:"waiterId"`
	WaiterIDUp  model.Ref       `json:"waiterID"`
	WaiterName  string          `json:"waiterName"`
	Note        string          `json:"note"`
	Items       []rawItem       `json:"items"`
}

type rawItem struct {
	ID        model.Ref       `json:"id"`
	ProductID model.Ref       `json:"productId"`
	Code      model.Ref       `json:"no"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

func firstRef(refs ...model.Ref) model.Ref {
	for _, r := range refs {
		if !r.Empty() {
			return r
		}
	}
	return ""
}

func (o rawOrder) normalize() model.Order {
	items := make([]model.OrderItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, model.OrderItem{
			ID:        it.ID,
			ProductID: it.ProductID,
			Code:      it.Code,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			LineTotal: it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))),
		})
	}

	return model.Order{
		UID:        o.UID,
		TableID:    firstRef(o.TableIDLow, o.TableIDUp),
		OrderDate:  o.OrderDate,
		TotalPrice: o.TotalPrice,
		Status:     o.Status,
		WaiterID:   firstRef(o.WaiterIDLow, o.WaiterIDUp),
		WaiterName: o.WaiterName,
		Note:       o.Note,
		Items:      items,
	}
}
