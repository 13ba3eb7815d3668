// Package reconcile вычисляет план правок строк заказа между прежним и желаемым набором.
package reconcile

import "github.com/mmeshcher/restaflow/internal/model"

// Kind описывает тип правки строки заказа.
type Kind int

const (
	// Delete удаляет строку, которой нет в желаемом наборе.
	Delete Kind = iota
	// Insert добавляет строку, которой не было в прежнем наборе.
	Insert
	// Update меняет количество существующей строки.
	Update
)

func (k Kind) String() string {
	switch k {
	case Delete:
		return "delete"
	case Insert:
		return "insert"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// Edit описывает одну правку: тип, ссылку на продукт и строку, которую нужно применить.
type Edit struct {
	Kind Kind
	Ref  model.Ref
	Item model.OrderItem
}

// Plan содержит упорядоченные правки: сначала удаления, затем вставки и обновления
// в порядке обхода желаемого набора. Каждая ссылка на продукт встречается не более одного раза.
type Plan struct {
	edits []Edit
}

// Reconcile строит план правок, превращающий previous в desired.
// Строки без ссылки на продукт в плане не участвуют.
func Reconcile(previous, desired []model.OrderItem) Plan {
	prevKeys, prevByRef := index(previous)
	desiredKeys, desiredByRef := index(desired)

	edits := make([]Edit, 0, len(prevKeys)+len(desiredKeys))

	for _, ref := range prevKeys {
		if _, ok := desiredByRef[ref]; !ok {
			edits = append(edits, Edit{Kind: Delete, Ref: ref, Item: prevByRef[ref]})
		}
	}

	for _, ref := range desiredKeys {
		item := desiredByRef[ref]
		old, ok := prevByRef[ref]
		switch {
		case !ok:
			edits = append(edits, Edit{Kind: Insert, Ref: ref, Item: item})
		case old.Quantity != item.Quantity:
			edits = append(edits, Edit{Kind: Update, Ref: ref, Item: item})
		}
	}

	return Plan{edits: edits}
}

// index возвращает ссылки в порядке первого появления и отображение ссылка → строка
// (при повторе ссылки побеждает последняя запись).
func index(items []model.OrderItem) ([]model.Ref, map[model.Ref]model.OrderItem) {
	keys := make([]model.Ref, 0, len(items))
	byRef := make(map[model.Ref]model.OrderItem, len(items))

	for _, item := range items {
		ref := item.ProductRef()
		if ref.Empty() {
			continue
		}
		if _, seen := byRef[ref]; !seen {
			keys = append(keys, ref)
		}
		byRef[ref] = item
	}

	return keys, byRef
}

// Edits возвращает правки в порядке применения.
func (p Plan) Edits() []Edit {
	out := make([]Edit, len(p.edits))
	copy(out, p.edits)
	return out
}

// Len возвращает количество удалённых вызовов, нужных для применения плана.
func (p Plan) Len() int {
	return len(p.edits)
}

// Empty сообщает, что наборы уже совпадают.
func (p Plan) Empty() bool {
	return len(p.edits) == 0
}

// ToDelete возвращает строки, подлежащие удалению.
func (p Plan) ToDelete() []model.OrderItem {
	return p.filter(Delete)
}

// ToInsert возвращает строки, подлежащие добавлению.
func (p Plan) ToInsert() []model.OrderItem {
	return p.filter(Insert)
}

// ToUpdate возвращает строки с изменённым количеством.
func (p Plan) ToUpdate() []model.OrderItem {
	return p.filter(Update)
}

func (p Plan) filter(kind Kind) []model.OrderItem {
	var out []model.OrderItem
	for _, e := range p.edits {
		if e.Kind == kind {
			out = append(out, e.Item)
		}
	}
	return out
}
