package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// viewers считает подключённые терминалы: первый подключившийся делает список
// видимым для планировщика, последний отключившийся скрывает его.
type viewers struct {
	mu    sync.Mutex
	count int
}

func (h *Handler) attachViewer() {
	h.viewers.mu.Lock()
	defer h.viewers.mu.Unlock()

	h.viewers.count++
	if h.viewers.count == 1 {
		h.scheduler.SetVisible(true)
	}
}

func (h *Handler) detachViewer() {
	h.viewers.mu.Lock()
	defer h.viewers.mu.Unlock()

	h.viewers.count--
	if h.viewers.count == 0 {
		h.scheduler.SetVisible(false)
	}
}

// OrdersStream отправляет клиенту снимки состояния координатора по websocket.
func (h *Handler) OrdersStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.attachViewer()
	defer h.detachViewer()

	updates, unsubscribe := h.coord.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
