package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-classroom/internal/quiz"
	"github.com/npezzotti/go-classroom/internal/studyroom"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(statusCode int, err error) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Message:    lower(http.StatusText(statusCode)),
		Err:        err,
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest, nil)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound, nil)
}

func NewInternalServerError(err error) *ApiError {
	return newApiError(http.StatusInternalServerError, err)
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized, nil)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden, nil)
}

func NewConflictError() *ApiError {
	return newApiError(http.StatusConflict, nil)
}

// errorFor maps a domain error to the response the client sees. Client
// errors keep the cause so the message says what was wrong.
func errorFor(err error) *ApiError {
	var errResp *ApiError
	switch {
	case errors.Is(err, studyroom.ErrRoomNotFound):
		errResp = NewNotFoundError()
	case errors.Is(err, studyroom.ErrRoomClosed):
		errResp = NewConflictError()
	case errors.Is(err, studyroom.ErrNotParticipant),
		errors.Is(err, quiz.ErrNotPermitted):
		errResp = NewForbiddenError()
	case errors.Is(err, studyroom.ErrEmptyMessage),
		errors.Is(err, studyroom.ErrEmptyName),
		errors.Is(err, quiz.ErrInvalidQuestion),
		errors.Is(err, quiz.ErrInvalidAnswer):
		errResp = NewBadRequestError()
	default:
		return NewInternalServerError(err)
	}

	errResp.Err = err
	errResp.Message = fmt.Sprintf("%s: %s", errResp.Message, rootCause(err))
	return errResp
}

func rootCause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
