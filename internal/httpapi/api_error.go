package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/John-Robertt/subimport/internal/config"
	"github.com/John-Robertt/subimport/internal/fetch"
	"github.com/John-Robertt/subimport/internal/ingest"
	"github.com/John-Robertt/subimport/internal/model"
	"github.com/John-Robertt/subimport/internal/render"
	"github.com/John-Robertt/subimport/internal/sub/ss"
	"github.com/John-Robertt/subimport/internal/sub/uri"
)

// APIError is used by the HTTP layer for request validation and a few
// HTTP-specific errors.
type APIError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *APIError) Unwrap() error { return e.Cause }

func apiError(status int, app model.AppError, cause error) error {
	return &APIError{Status: status, AppError: app, Cause: cause}
}

func requestError(code, message, hint string) error {
	return apiError(http.StatusBadRequest, model.AppError{
		Code:    code,
		Message: message,
		Stage:   "validate_request",
		Hint:    hint,
	}, nil)
}

// classify maps a pipeline error onto an HTTP status and its AppError.
func classify(err error) (int, model.AppError) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status, ae.AppError
	}

	var fe *fetch.FetchError
	if errors.As(err, &fe) {
		return fe.Status, fe.AppError
	}

	var re *render.RenderError
	if errors.As(err, &re) {
		return http.StatusBadRequest, re.AppError
	}

	// Bad upstream content => 422.
	var de *ingest.DecodeError
	if errors.As(err, &de) {
		return http.StatusUnprocessableEntity, de.AppError
	}
	var se *ss.ParseError
	if errors.As(err, &se) {
		return http.StatusUnprocessableEntity, se.AppError
	}
	var ue *uri.ParseError
	if errors.As(err, &ue) {
		return http.StatusUnprocessableEntity, ue.AppError
	}

	var pe *ingest.PersistError
	if errors.As(err, &pe) {
		return http.StatusInternalServerError, pe.AppError
	}
	var ce *config.Error
	if errors.As(err, &ce) {
		return http.StatusInternalServerError, ce.AppError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, model.AppError{
			Code:    "IMPORT_TIMEOUT",
			Message: "导入超时",
			Stage:   "import",
		}
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, model.AppError{
			Code:    "IMPORT_CANCELED",
			Message: "导入已取消",
			Stage:   "import",
		}
	}

	// Fallback: internal bug.
	return http.StatusInternalServerError, model.AppError{
		Code:    "INTERNAL_ERROR",
		Message: "服务端内部错误",
		Stage:   "internal",
		Hint:    err.Error(),
	}
}

func writeErrorFromErr(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	status, app := classify(err)
	WriteError(w, status, app)
}
