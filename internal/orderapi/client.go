// Package orderapi предоставляет клиент REST API бэкенда заказов RestaFlow.
package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/restaflow/internal/model"
	"github.com/mmeshcher/restaflow/internal/session"
)

// StatusError описывает ответ бэкенда с кодом вне диапазона 2xx.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

// Error реализует интерфейс error.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
}

// Options задаёт параметры транспорта клиента.
type Options struct {
	Timeout  time.Duration
	RetryMax int
	Logger   *zap.Logger
}

// Client инкапсулирует HTTP-взаимодействие с бэкендом заказов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	sessions   session.Provider
}

type idempotentKey struct{}

// NewClient создаёт клиент бэкенда по указанному адресу.
// Токен доступа берётся из провайдера сессий при каждом вызове.
func NewClient(baseURL string, sessions session.Provider, opts Options) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient = cleanhttp.DefaultPooledClient()
	hc.HTTPClient.Timeout = opts.Timeout
	hc.RetryMax = opts.RetryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.CheckRetry = retryIdempotent
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.Logger = leveledLogger{s: opts.Logger.Sugar()}

	return &Client{
		baseURL:    base,
		httpClient: hc,
		sessions:   sessions,
	}
}

// retryIdempotent повторяет только идемпотентные методы; POST никогда не повторяется транспортом.
func retryIdempotent(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ok, _ := ctx.Value(idempotentKey{}).(bool); !ok {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// CreateOrder создаёт заголовок заказа и возвращает его новый идентификатор.
func (c *Client) CreateOrder(ctx context.Context, header model.NewOrder) (int64, error) {
	var resp struct {
		OrderID model.Ref `json:"orderId"`
	}
	if err := c.do(ctx, http.MethodPost, "/Orders", nil, header, "", &resp); err != nil {
		return 0, err
	}

	id, ok := resp.OrderID.Int64()
	if !ok {
		return 0, fmt.Errorf("create order: invalid order id %q in response", resp.OrderID)
	}
	return id, nil
}

type detailRequest struct {
	OrderID    int64  `json:"orderId"`
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	InsertDate string `json:"insertDate,omitempty"`
}

// CreateDetail создаёт одну строку заказа. Непустой idempotencyKey передаётся в заголовке Idempotency-Key.
func (c *Client) CreateDetail(ctx context.Context, orderID int64, productRef model.Ref, quantity int, idempotencyKey string) error {
	body := detailRequest{
		OrderID:    orderID,
		ProductID:  productRef.String(),
		Quantity:   quantity,
		InsertDate: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return c.do(ctx, http.MethodPost, "/Orders/detail", nil, body, idempotencyKey, nil)
}

// UpdateDetail меняет количество существующей строки заказа.
func (c *Client) UpdateDetail(ctx context.Context, orderID int64, productRef model.Ref, quantity int) error {
	body := detailRequest{
		OrderID:   orderID,
		ProductID: productRef.String(),
		Quantity:  quantity,
	}
	return c.do(ctx, http.MethodPut, "/Orders/detail", nil, body, "", nil)
}

type deleteDetailRequest struct {
	OrderID   int64 `json:"orderId"`
	ProductID any   `json:"productId"`
}

// DeleteDetail удаляет строку заказа. Числовая ссылка на продукт передаётся числом.
func (c *Client) DeleteDetail(ctx context.Context, orderID int64, productRef model.Ref) error {
	body := deleteDetailRequest{OrderID: orderID, ProductID: productRef.String()}
	if n, ok := productRef.Int64(); ok {
		body.ProductID = n
	}
	return c.do(ctx, http.MethodDelete, "/Orders/detail", nil, body, "", nil)
}

type movementRequest struct {
	OrderID       int64  `json:"orderId"`
	OrderStatus   string `json:"orderStatus"`
	EmployeeID    int64  `json:"employeeId"`
	MovementDate  string `json:"movementDate"`
	TargetTableID *int64 `json:"targetTableId,omitempty"`
}

// AppendMovement добавляет запись в журнал движений заказа.
func (c *Client) AppendMovement(ctx context.Context, rec model.MovementRecord) error {
	body := movementRequest{
		OrderID:       rec.OrderID,
		OrderStatus:   rec.OrderStatus,
		EmployeeID:    rec.EmployeeID,
		MovementDate:  rec.MovementDate.UTC().Format(time.RFC3339Nano),
		TargetTableID: rec.TargetTableID,
	}
	return c.do(ctx, http.MethodPost, "/Orders/movement", nil, body, "", nil)
}

// ListOrders возвращает страницу заказов.
func (c *Client) ListOrders(ctx context.Context, page model.Page) (*model.OrderPage, error) {
	return c.listPage(ctx, "/Orders", page)
}

// ListLastOrdersPerTable возвращает страницу последних заказов по каждому столу.
func (c *Client) ListLastOrdersPerTable(ctx context.Context, page model.Page) (*model.OrderPage, error) {
	return c.listPage(ctx, "/Orders/last-orders-per-table", page)
}

func (c *Client) listPage(ctx context.Context, path string, page model.Page) (*model.OrderPage, error) {
	q := url.Values{}
	q.Set("start", strconv.Itoa(page.Start))
	q.Set("limit", strconv.Itoa(page.Limit))
	if page.WaiterID > 0 {
		q.Set("waiterID", strconv.FormatInt(page.WaiterID, 10))
	}

	var resp struct {
		Data       []rawOrder `json:"data"`
		TotalCount int        `json:"totalCount"`
	}
	if err := c.do(ctx, http.MethodGet, path, q, nil, "", &resp); err != nil {
		return nil, err
	}

	orders := make([]model.Order, 0, len(resp.Data))
	for _, o := range resp.Data {
		orders = append(orders, o.normalize())
	}

	return &model.OrderPage{Orders: orders, TotalCount: resp.TotalCount}, nil
}

// GetOrder возвращает заказ со строками в каноническом виде.
func (c *Client) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	var raw rawOrder
	if err := c.do(ctx, http.MethodGet, "/Orders/"+strconv.FormatInt(orderID, 10), nil, nil, "", &raw); err != nil {
		return nil, err
	}
	o := raw.normalize()
	return &o, nil
}

type statusRequest struct {
	OrderID int64  `json:"orderId"`
	Status  string `json:"status"`
}

// UpdateStatus меняет статус заказа.
func (c *Client) UpdateStatus(ctx context.Context, orderID int64, status string) error {
	return c.do(ctx, http.MethodPut, "/Orders/status", nil, statusRequest{OrderID: orderID, Status: status}, "", nil)
}

type moveRequest struct {
	OrderID       int64 `json:"orderId"`
	TargetTableID int64 `json:"targetTableId"`
	EmployeeID    int64 `json:"employeeId"`
}

// MoveOrder переносит заказ на другой стол от имени сотрудника.
func (c *Client) MoveOrder(ctx context.Context, orderID, targetTableID, employeeID int64) (*model.MoveResult, error) {
	var res model.MoveResult
	body := moveRequest{OrderID: orderID, TargetTableID: targetTableID, EmployeeID: employeeID}
	if err := c.do(ctx, http.MethodPost, "/Table/move-order", nil, body, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in any, idempotencyKey string, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("order api client not configured")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	if method != http.MethodPost {
		ctx = context.WithValue(ctx, idempotentKey{}, true)
	}

	var raw interface{}
	if body != nil {
		raw = body
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, endpoint, raw)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.sessions != nil {
		if token := c.sessions.Token(ctx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: do request: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    readMessage(resp.Body),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}

	return nil
}

func readMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Message != "" {
		return payload.Message
	}

	msg := string(data)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
