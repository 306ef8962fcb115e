package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/cmd/coordinator/service"
)

// httpError maps service sentinel errors to HTTP responses. Anything
// unrecognized is a 500; the handler has already logged it.
func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrNotOwner):
		// 409: the caller's view of ownership is stale
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrStaleTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrApprovalPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUnlockRefused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInvalidWorkerID),
		errors.Is(err, service.ErrInvalidOperatorID),
		errors.Is(err, service.ErrInvalidPanicCause),
		errors.Is(err, service.ErrInvalidDecision):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
