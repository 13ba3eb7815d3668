package service

import (
	"github.com/mmeshcher/restaflow/internal/model"
)

// State хранит снимок состояния координатора, который видят клиенты терминала.
type State struct {
	Orders          []model.Order `json:"orders"`
	CurrentOrder    *model.Order  `json:"currentOrder"`
	PagedOrders     []model.Order `json:"pagedOrders"`
	TotalOrderCount int           `json:"totalOrderCount"`
	Loading         bool          `json:"isLoading"`
	Error           string        `json:"error,omitempty"`
}

// Snapshot возвращает копию текущего состояния.
func (c *Coordinator) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() State {
	st := State{
		Orders:          append([]model.Order(nil), c.orders...),
		PagedOrders:     append([]model.Order(nil), c.pagedOrders...),
		TotalOrderCount: c.totalOrderCount,
		Loading:         c.inflight > 0,
		Error:           c.lastError,
	}
	if c.order != nil {
		cur := *c.order
		cur.Items = append([]model.OrderItem(nil), c.order.Items...)
		st.CurrentOrder = &cur
	}
	return st
}

// Subscribe возвращает канал снимков состояния и функцию отписки. Канал хранит
// только последний снимок: медленный подписчик пропускает промежуточные.
func (c *Coordinator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.Snapshot()
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

// update изменяет состояние под блокировкой и рассылает новый снимок подписчикам.
func (c *Coordinator) update(fn func()) {
	c.mu.Lock()
	fn()
	st := c.snapshotLocked()
	c.mu.Unlock()

	c.broadcast(st)
}

func (c *Coordinator) broadcast(st State) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// begin отмечает начало операции: включает признак загрузки и сбрасывает ошибку.
func (c *Coordinator) begin() {
	c.update(func() {
		c.inflight++
		c.lastError = ""
	})
}

// end завершает операцию и запоминает текст ошибки, если она была.
func (c *Coordinator) end(err error) {
	c.update(func() {
		c.inflight--
		if err != nil {
			c.lastError = errorMessage(err)
		}
	})
}
