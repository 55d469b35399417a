package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/metrics"
	"go.uber.org/zap"
)

// ErrorResponse represents the JSON response format for errors
type ErrorResponse struct {
	Error struct {
		Type      ErrorType `json:"type"`
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"error"`
}

// WriteHTTP logs err and answers the request with a structured JSON body.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = Wrap(err, ErrorTypeInternal, "INTERNAL_ERROR", "An internal error occurred").
			WithSeverity(SeverityHigh)
	}

	logError(appErr, r)
	metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()

	var resp ErrorResponse
	resp.Error.Type = appErr.Type
	resp.Error.Code = appErr.Code
	resp.Error.Message = appErr.Message
	resp.Error.Timestamp = appErr.Timestamp

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(appErr.Type))
	if encodeErr := json.NewEncoder(w).Encode(resp); encodeErr != nil {
		logger.Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

func logError(err *AppError, r *http.Request) {
	log := logger.New("http")
	fields := []zap.Field{
		zap.String("error_type", string(err.Type)),
		zap.String("error_code", err.Code),
		zap.String("severity", string(err.Severity)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	}
	if err.Details != "" {
		fields = append(fields, zap.String("details", err.Details))
	}
	if err.Severity == SeverityHigh || err.Severity == SeverityCritical {
		fields = append(fields, zap.String("stack_trace", err.StackTrace))
	}

	switch err.Severity {
	case SeverityLow:
		log.Info(err.Message, fields...)
	case SeverityMedium:
		log.Warn(err.Message, fields...)
	default:
		log.Error(err.Message, fields...)
	}
}

func statusCode(t ErrorType) int {
	switch t {
	case ErrorTypeProtocol:
		return http.StatusBadRequest
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusServiceUnavailable
	case ErrorTypeTimeout:
		return http.StatusRequestTimeout
	case ErrorTypeNetwork, ErrorTypeNative:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RecoveryMiddleware converts handler panics into structured 500 responses.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err, ok := recovered.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", recovered)
				}
				WriteHTTP(w, r, Wrap(err, ErrorTypeInternal, "PANIC_RECOVERED", "An unexpected error occurred").
					WithSeverity(SeverityCritical))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
