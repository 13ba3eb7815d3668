package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/restaflow/internal/middleware"
	"github.com/mmeshcher/restaflow/internal/model"
	"github.com/mmeshcher/restaflow/internal/orderapi"
	"github.com/mmeshcher/restaflow/internal/poller"
	"github.com/mmeshcher/restaflow/internal/service"
	"github.com/mmeshcher/restaflow/internal/session"
	"github.com/mmeshcher/restaflow/internal/validation"
)

type stubCoordinator struct {
	mu sync.Mutex

	createID     int64
	createErr    error
	createHeader model.NewOrder
	createItems  []model.OrderItem
	createCtxEmp int64

	list     *model.OrderPage
	listErr  error
	listPage model.Page

	order    *model.Order
	orderErr error

	statusErr error

	itemsErr      error
	itemsDesired  []model.OrderItem
	itemsPrevious []model.OrderItem

	moveRes *model.MoveResult
	moveErr error

	state   service.State
	updates chan service.State
}

func (s *stubCoordinator) CreateOrderWithDetails(ctx context.Context, header model.NewOrder, items []model.OrderItem) (int64, error) {
	s.createHeader = header
	s.createItems = items
	s.createCtxEmp, _ = session.EmployeeFromContext(ctx)
	return s.createID, s.createErr
}

func (s *stubCoordinator) FetchOrders(ctx context.Context, page model.Page) (*model.OrderPage, error) {
	s.listPage = page
	return s.fetched()
}

func (s *stubCoordinator) FetchLastOrdersPerTable(ctx context.Context, page model.Page) (*model.OrderPage, error) {
	s.listPage = page
	return s.fetched()
}

func (s *stubCoordinator) fetched() (*model.OrderPage, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.list == nil {
		return &model.OrderPage{}, nil
	}
	return s.list, nil
}

func (s *stubCoordinator) FetchOrderDetail(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubCoordinator) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	return s.statusErr
}

func (s *stubCoordinator) UpdateOrderItems(ctx context.Context, orderID int64, desired, previous []model.OrderItem) error {
	s.itemsDesired = desired
	s.itemsPrevious = previous
	return s.itemsErr
}

func (s *stubCoordinator) MoveOrderToTable(ctx context.Context, orderID, targetTableID int64) (*model.MoveResult, error) {
	return s.moveRes, s.moveErr
}

func (s *stubCoordinator) Snapshot() service.State {
	return s.state
}

func (s *stubCoordinator) Subscribe() (<-chan service.State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(chan service.State, 1)
	}
	s.updates <- s.state
	return s.updates, func() {}
}

type stubScheduler struct {
	mu        sync.Mutex
	refreshed bool
	toggled   int
	visible   []bool
	status    poller.Status
}

func (s *stubScheduler) Refresh(context.Context) bool { return s.refreshed }

func (s *stubScheduler) Toggle() { s.toggled++ }

func (s *stubScheduler) Status() poller.Status { return s.status }

func (s *stubScheduler) SetVisible(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = append(s.visible, v)
}

func (s *stubScheduler) visibility() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.visible...)
}

func newTestHandler(t *testing.T, c Coordinator, s Scheduler) (*Handler, *http.Cookie) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewOperatorAuth("test-secret")
	rec := httptest.NewRecorder()
	auth.SetOperatorCookie(rec, 5)

	return NewHandler(c, s, logger, auth), rec.Result().Cookies()[0]
}

func do(t *testing.T, h *Handler, cookie *http.Cookie, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, target, &buf)
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestStartSession(t *testing.T) {
	h, _ := newTestHandler(t, &stubCoordinator{}, &stubScheduler{})

	rec := do(t, h, nil, http.MethodPost, "/api/session", map[string]any{"employeeId": 9})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(rec.Result().Cookies()) == 0 {
		t.Fatalf("operator cookie was not set")
	}

	rec = do(t, h, nil, http.MethodPost, "/api/session", map[string]any{"employeeId": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProtectedRoutesRequireCookie(t *testing.T) {
	h, _ := newTestHandler(t, &stubCoordinator{}, &stubScheduler{})

	rec := do(t, h, nil, http.MethodGet, "/api/state", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestCreateOrder_MapsPayload(t *testing.T) {
	coord := &stubCoordinator{createID: 42}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodPost, "/api/orders", map[string]any{
		"order": map[string]any{"tableId": 3, "status": "open", "totalPrice": "12.50"},
		"items": []map[string]any{
			{"no": "P1", "_orderCount": 2},
			{"id": 11, "quantity": 1},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createOrderResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(42), resp.OrderID)

	assert.Equal(t, model.Ref("3"), coord.createHeader.TableID)
	assert.Equal(t, "12.5", coord.createHeader.TotalPrice.String())
	require.Len(t, coord.createItems, 2)
	assert.Equal(t, model.Ref("P1"), coord.createItems[0].ProductRef())
	assert.Equal(t, 2, coord.createItems[0].Quantity)
	assert.Equal(t, model.Ref("11"), coord.createItems[1].ProductRef())
	assert.Equal(t, int64(5), coord.createCtxEmp)
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: validation.ErrInvalid, want: http.StatusBadRequest},
		{name: "no session", err: session.ErrNoSession, want: http.StatusUnauthorized},
		{name: "remote not found", err: &orderapi.StatusError{StatusCode: http.StatusNotFound}, want: http.StatusNotFound},
		{name: "remote failure", err: &orderapi.StatusError{StatusCode: http.StatusInternalServerError}, want: http.StatusBadGateway},
		{
			name: "partial apply",
			err: &service.PartialApplyError{
				Operation: "create order",
				OrderID:   42,
				Completed: []string{"create header"},
				Failed:    "insert detail P1",
				Err:       &orderapi.StatusError{StatusCode: http.StatusInternalServerError},
			},
			want: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, cookie := newTestHandler(t, &stubCoordinator{createErr: tt.err}, &stubScheduler{})

			rec := do(t, h, cookie, http.MethodPost, "/api/orders", map[string]any{
				"order": map[string]any{"tableID": "3"},
			})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCreateOrder_PartialApplyBody(t *testing.T) {
	coord := &stubCoordinator{createErr: &service.PartialApplyError{
		Operation: "create order",
		OrderID:   42,
		Completed: []string{"create header", "insert detail A"},
		Failed:    "insert detail B",
		Err:       &orderapi.StatusError{StatusCode: http.StatusInternalServerError},
	}}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodPost, "/api/orders", map[string]any{"order": map[string]any{"tableID": "3"}})

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(42), resp.OrderID)
	assert.Equal(t, []string{"create header", "insert detail A"}, resp.Completed)
	assert.Equal(t, "insert detail B", resp.Failed)
}

func TestListOrders_ParsesQuery(t *testing.T) {
	coord := &stubCoordinator{
		list: &model.OrderPage{Orders: []model.Order{{UID: "1"}}, TotalCount: 11},
	}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodGet, "/api/orders?start=20&limit=10&waiterID=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, model.Page{Start: 20, Limit: 10, WaiterID: 4}, coord.listPage)

	var resp pageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 11, resp.TotalCount)
	assert.Len(t, resp.Data, 1)
}

func TestListLastOrdersPerTable_AnswersWithFetchedWindow(t *testing.T) {
	coord := &stubCoordinator{
		list: &model.OrderPage{
			Orders:     []model.Order{{UID: "31"}, {UID: "32"}},
			TotalCount: 40,
		},
		// кэш уже перезаписан фоновым обновлением с окном по умолчанию
		state: service.State{
			PagedOrders:     []model.Order{{UID: "1"}, {UID: "2"}, {UID: "3"}, {UID: "4"}, {UID: "5"}},
			TotalOrderCount: 38,
		},
	}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodGet, "/api/orders/last-per-table?start=10&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.Page{Start: 10, Limit: 10}, coord.listPage)

	var resp struct {
		Data       []map[string]any `json:"data"`
		TotalCount int              `json:"totalCount"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 40, resp.TotalCount)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "31", resp.Data[0]["uid"])
}

func TestListOrders_BadQuery(t *testing.T) {
	h, cookie := newTestHandler(t, &stubCoordinator{}, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodGet, "/api/orders/last-per-table?limit=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestUpdateItems_PassesBothLists(t *testing.T) {
	coord := &stubCoordinator{state: service.State{CurrentOrder: &model.Order{UID: "7"}}}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodPut, "/api/orders/7/items", map[string]any{
		"items":         []map[string]any{{"id": 2, "quantity": 3}},
		"previousItems": []map[string]any{{"id": 1, "quantity": 1}, {"id": 2, "quantity": 2}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, coord.itemsDesired, 1)
	require.Len(t, coord.itemsPrevious, 2)
	assert.Equal(t, 3, coord.itemsDesired[0].Quantity)
}

func TestUpdateStatus(t *testing.T) {
	h, cookie := newTestHandler(t, &stubCoordinator{}, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodPut, "/api/orders/7/status", map[string]any{"status": "closed"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	rec = do(t, h, cookie, http.MethodPut, "/api/orders/abc/status", map[string]any{"status": "closed"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMoveOrder_UnconfirmedIsConflict(t *testing.T) {
	coord := &stubCoordinator{moveRes: &model.MoveResult{Success: false, Message: "table occupied"}}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodPost, "/api/orders/7/move", map[string]any{"targetTableId": 9})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	assert.Contains(t, rec.Body.String(), `"message":"table occupied"`)
}

func TestMoveOrder_OK(t *testing.T) {
	coord := &stubCoordinator{moveRes: &model.MoveResult{Success: true, OldTableID: "3", NewTableID: "9"}}
	h, cookie := newTestHandler(t, coord, &stubScheduler{})

	rec := do(t, h, cookie, http.MethodPost, "/api/orders/7/move", map[string]any{"targetTableId": 9})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)
}

func TestRefresh(t *testing.T) {
	sched := &stubScheduler{status: poller.Status{Active: true}}
	h, cookie := newTestHandler(t, &stubCoordinator{}, sched)

	rec := do(t, h, cookie, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("dropped refresh: status = %d, want %d", rec.Code, http.StatusConflict)
	}

	sched.refreshed = true
	rec = do(t, h, cookie, http.MethodPost, "/api/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = do(t, h, cookie, http.MethodPost, "/api/refresh/toggle", nil)
	if rec.Code != http.StatusOK || sched.toggled != 1 {
		t.Fatalf("toggle: status = %d, toggled = %d", rec.Code, sched.toggled)
	}

	rec = do(t, h, cookie, http.MethodGet, "/api/refresh", nil)
	assert.Contains(t, rec.Body.String(), `"isActive":true`)
}

func TestOrdersStream_DrivesVisibility(t *testing.T) {
	coord := &stubCoordinator{state: service.State{TotalOrderCount: 3}}
	sched := &stubScheduler{}
	h, cookie := newTestHandler(t, coord, sched)

	srv := httptest.NewServer(h.SetupRouter())
	defer srv.Close()

	header := http.Header{}
	header.Add("Cookie", cookie.String())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/orders", header)
	require.NoError(t, err)

	var st service.State
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, 3, st.TotalOrderCount)
	assert.Equal(t, []bool{true}, sched.visibility())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return len(sched.visibility()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false}, sched.visibility())
}
