package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/records"
)

// Stable error codes returned in the "code" field of error bodies.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAPINotFound   = "API_NOT_FOUND"
	ErrCodeRequiresTable = "API_REQUIRES_TABLE"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func getRequestID(c *fiber.Ctx) string {
	if requestID := c.Locals("requestid"); requestID != nil {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}

// sendRecordError maps the engine's error taxonomy onto HTTP statuses.
// This is the only place status codes are assigned.
func sendRecordError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	code := ErrCodeInternalError
	msg := "internal error"

	switch records.KindOf(err) {
	case records.KindBadRequest:
		status, code, msg = fiber.StatusBadRequest, ErrCodeBadRequest, err.Error()
	case records.KindForbidden:
		status, code, msg = fiber.StatusForbidden, ErrCodeForbidden, "forbidden"
	case records.KindRecordNotFound:
		status, code, msg = fiber.StatusNotFound, ErrCodeNotFound, "record not found"
	case records.KindAPINotFound:
		status, code, msg = fiber.StatusNotFound, ErrCodeAPINotFound, "record api not found"
	case records.KindAPIRequiresTable:
		status, code, msg = fiber.StatusBadRequest, ErrCodeRequiresTable, "operation requires a table"
	case records.KindConflict:
		status, code, msg = fiber.StatusConflict, ErrCodeConflict, "conflict"
	default:
		log.Error().Err(err).Str("path", c.Path()).Msg("Record operation failed")
	}

	return c.Status(status).JSON(ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: getRequestID(c),
	})
}

// errorHandler is the fiber fallback for errors escaping handlers.
func errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error:     fiberErr.Message,
			RequestID: getRequestID(c),
		})
	}
	return sendRecordError(c, err)
}
