package httputil

import (
	"errors"
	"net/http"

	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/pkg/logger"
)

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Auth:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes the response for a service error. Validation, auth and
// not-found failures carry their own message. Everything else is logged with its
// full cause chain and answered with a generic 500. Auth failures get a
// Basic challenge for realm.
func WriteError(w http.ResponseWriter, r *http.Request, realm string, err error) {
	status := StatusFor(err)
	switch status {
	case http.StatusBadRequest:
		BadRequest(w, clientMessage(err))
	case http.StatusNotFound:
		NotFound(w, clientMessage(err))
	case http.StatusUnauthorized:
		logger.Warn("request unauthorized", "path", r.URL.Path, "error", err)
		Unauthorized(w, realm, clientMessage(err))
	default:
		logger.Error("request failed",
			"path", r.URL.Path,
			"kind", apperr.KindOf(err).String(),
			"error", err,
			"cause_chain", apperr.Chain(err),
		)
		InternalError(w)
	}
}

// clientMessage drops the operation prefix added by apperr.Error.
func clientMessage(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) {
		return e.Err.Error()
	}
	return err.Error()
}
