package energia

import (
	"errors"
	"net/http"

	"github.com/hazyhaar/energia/energia/internal/narrative"
	"github.com/hazyhaar/energia/energia/internal/query"
	"github.com/hazyhaar/energia/energia/internal/scheduler"
	"github.com/hazyhaar/energia/energia/internal/store"
)

// ErrInvalidInput is returned when request input fails validation.
var ErrInvalidInput = errors.New("energia: invalid input")

// ErrNotConfigured is returned by the insight operations when no model API
// key is set.
var ErrNotConfigured = narrative.ErrNotConfigured

// internalErrorMessage replaces 500 details in production.
const internalErrorMessage = "Error interno del servidor"

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, query.ErrInvalidInput),
		errors.Is(err, narrative.ErrEmptyQuestion),
		errors.Is(err, store.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, query.ErrUnknownDataset),
		errors.Is(err, scheduler.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrTaskRunning):
		return http.StatusConflict
	case errors.Is(err, narrative.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, narrative.ErrModel):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the error text sent to clients.
func publicMessage(err error, production bool) string {
	switch {
	case errors.Is(err, narrative.ErrNotConfigured):
		return narrative.NotConfiguredMessage
	case errors.Is(err, narrative.ErrEmptyQuestion):
		return `Campo "pregunta" es requerido`
	}
	if production && statusFor(err) == http.StatusInternalServerError {
		return internalErrorMessage
	}
	return err.Error()
}
