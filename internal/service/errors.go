package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/restaflow/internal/orderapi"
)

// PartialApplyError сообщает, что многошаговая операция остановилась на одном из
// шагов и часть изменений уже применена на бэкенде. Откат не выполняется.
type PartialApplyError struct {
	Operation string
	OrderID   int64
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialApplyError) Error() string {
	applied := "nothing"
	if len(e.Completed) > 0 {
		applied = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("%s for order %d partially applied (done: %s; failed: %s): %v",
		e.Operation, e.OrderID, applied, e.Failed, e.Err)
}

func (e *PartialApplyError) Unwrap() error {
	return e.Err
}

// errorMessage возвращает текст ошибки для отображения: сообщение бэкенда, если оно есть.
func errorMessage(err error) string {
	var se *orderapi.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
