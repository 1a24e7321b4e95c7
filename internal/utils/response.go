package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// APIResponse is the envelope used for relay errors and auxiliary endpoints. Chat payloads
// themselves are written bare so that clients can decode them directly.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}

	return c.Status(fiber.StatusOK).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
	})
}

// SendValidationError reports validator failures as a 400 listing the offending fields by their
// JSON names. Other errors are reported verbatim.
func SendValidationError(c *fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return SendError(c, fiber.StatusBadRequest, err.Error())
	}

	parts := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
	}
	return SendError(c, fiber.StatusBadRequest, "invalid payload: "+strings.Join(parts, ", "))
}
