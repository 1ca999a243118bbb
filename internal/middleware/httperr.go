package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/observability"
)

// errorBody is the JSON error envelope every endpoint returns.
type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(code merrors.ErrorCode) int {
	switch code {
	case merrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case merrors.ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case merrors.ErrCodePermissionDenied:
		return http.StatusForbidden
	case merrors.ErrCodeNotFound:
		return http.StatusNotFound
	case merrors.ErrCodeAlreadyExists:
		return http.StatusConflict
	case merrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case merrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case merrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders an error as the JSON envelope with the mapped status.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := merrors.GetCode(err)
	status := HTTPStatus(code)

	message := "internal server error"
	var merr *merrors.Error
	if merrors.As(err, &merr) {
		// Internal causes stay in the logs; the client sees the message only.
		if status < http.StatusInternalServerError {
			message = merr.Message
		}
		if merr.RetryAfter != nil {
			w.Header().Set("Retry-After", strconv.Itoa(int(merr.RetryAfter.Seconds())))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{
		Error:     message,
		Code:      string(code),
		RequestID: observability.RequestIDFromContext(r.Context()),
	})
}
