package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kfre-risk-server/internal/dataset"
	"github.com/kfre-risk-server/internal/domain"
	"github.com/kfre-risk-server/internal/middleware"
	"github.com/kfre-risk-server/internal/service"
	"github.com/kfre-risk-server/pkg/kfre"
)

// requestError carries an explicit status for failures detected by the
// handlers themselves.
type requestError struct {
	status  int
	code    string
	message string
	details string
}

func (e *requestError) Error() string {
	if e.details == "" {
		return e.message
	}
	return e.message + ": " + e.details
}

// classify maps an engine or request error onto an HTTP status and error code.
func classify(err error) (int, string) {
	var vErr *domain.ValidationError
	var rErr *requestError
	switch {
	case errors.As(err, &rErr):
		return rErr.status, rErr.code
	case errors.As(err, &vErr):
		return http.StatusBadRequest, domain.ErrValidation
	case errors.Is(err, kfre.ErrUnsupportedHorizon):
		return http.StatusBadRequest, domain.ErrUnsupportedHorizon
	case errors.Is(err, kfre.ErrInvalidVariableCount):
		return http.StatusBadRequest, domain.ErrInvalidVariableCount
	case errors.Is(err, kfre.ErrNegativeUPCR):
		return http.StatusBadRequest, domain.ErrValidation
	case errors.Is(err, service.ErrMissingCovariate):
		return http.StatusUnprocessableEntity, domain.ErrMissingCovariate
	case errors.Is(err, dataset.ErrMissingColumn), errors.Is(err, dataset.ErrWrongKind):
		return http.StatusUnprocessableEntity, domain.ErrMissingColumn
	case errors.Is(err, dataset.ErrColumnExists):
		return http.StatusConflict, domain.ErrInvalidInput
	default:
		return http.StatusInternalServerError, domain.ErrInternalServer
	}
}

// abortWithError writes a KFREError body and stops the handler chain.
func (s *Server) abortWithError(c *gin.Context, err error) {
	requestID := c.GetString(middleware.CorrelationIDKey)
	status, body := s.errorBody(err, requestID)
	c.AbortWithStatusJSON(status, body)
}

// errorBody builds the JSON error for err. Internal errors are logged and
// their message is hidden.
func (s *Server) errorBody(err error, requestID string) (int, *domain.KFREError) {
	status, code := classify(err)

	var rErr *requestError
	if errors.As(err, &rErr) {
		return status, domain.NewKFREError(code, rErr.message, rErr.details, requestID)
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlation_id", requestID).Error("Request failed")
		message = "internal error"
	}
	return status, domain.NewKFREError(code, message, "", requestID)
}

func (s *Server) abortWithCode(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, domain.NewKFREError(code, message, details, c.GetString(middleware.CorrelationIDKey)))
}
