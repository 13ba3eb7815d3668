package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/restaflow/internal/orderapi"
	"github.com/mmeshcher/restaflow/internal/service"
	"github.com/mmeshcher/restaflow/internal/session"
	"github.com/mmeshcher/restaflow/internal/validation"
)

type errorResponse struct {
	Error     string   `json:"error"`
	OrderID   int64    `json:"orderId,omitempty"`
	Completed []string `json:"completed,omitempty"`
	Failed    string   `json:"failed,omitempty"`
}

// writeError переводит ошибку координатора в HTTP-ответ.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var partial *service.PartialApplyError
	var remote *orderapi.StatusError

	switch {
	case errors.Is(err, validation.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrNoSession):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
	case errors.As(err, &partial):
		h.logger.Error(op+" partially applied",
			zap.Int64("order_id", partial.OrderID),
			zap.Strings("completed", partial.Completed),
			zap.String("failed", partial.Failed),
			zap.Error(partial.Err),
		)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:     err.Error(),
			OrderID:   partial.OrderID,
			Completed: partial.Completed,
			Failed:    partial.Failed,
		})
	case errors.As(err, &remote) && remote.StatusCode == http.StatusNotFound:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
}
