package ingest

import (
	"fmt"

	"github.com/John-Robertt/subimport/internal/model"
)

// DecodeError means a JSON-mode body was not valid JSON.
type DecodeError struct {
	AppError model.AppError
	Cause    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// PersistError means the baseline could not be loaded or the merged list
// could not be saved. Counts in the accompanying Report stay valid.
type PersistError struct {
	AppError model.AppError
	Cause    error
}

func (e *PersistError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *PersistError) Unwrap() error { return e.Cause }

func newDecodeError(src model.Source, snippet string, cause error) *DecodeError {
	return &DecodeError{
		AppError: model.AppError{
			Code:    "MANIFEST_DECODE_ERROR",
			Message: "订阅内容不是合法 JSON",
			Stage:   "decode_manifest",
			Source:  src.Name,
			URL:     src.URL,
			Snippet: snippet,
			Hint:    "set is_html for pages that embed share links",
		},
		Cause: cause,
	}
}

func newPersistError(src model.Source, code, msg string, cause error) *PersistError {
	return &PersistError{
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   "persist",
			Source:  src.Name,
			URL:     src.URL,
		},
		Cause: cause,
	}
}
