package utils

import (
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/apperror"
)

// BindRequest binds path, query and body parameters into T and validates it. Failures are
// invalid_input errors.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, apperror.Wrap(apperror.KindInvalidInput, err, "malformed request")
	}

	if v, err := Validate(v); err != nil {
		return v, apperror.Wrap(apperror.KindInvalidInput, err, "invalid request")
	}

	return v, nil
}
