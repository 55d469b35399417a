package errors

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/gorilla/websocket"
)

// Error codes visible to Connect callers and bridge peers.
const (
	CodeOpenRejected      = "OPEN_REJECTED"
	CodeOpenInternal      = "OPEN_INTERNAL"
	CodeConnectTimeout    = "CONNECT_TIMEOUT"
	CodeConnectCanceled   = "CONNECT_CANCELED"
	CodeUnknownApp        = "UNKNOWN_APPLICATION"
	CodeOriginNotAllowed  = "ORIGIN_NOT_ALLOWED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeBridgeBusy        = "BRIDGE_BUSY"
	CodeLaunchFailed      = "LAUNCH_FAILED"
	CodeConnectionLimit   = "CONNECTION_LIMIT_EXCEEDED"
	CodeMessageTooLarge   = "MESSAGE_TOO_LARGE"
	CodeUnknownConnection = "UNKNOWN_CONNECTION"
)

// InternalErrorText is what the page sees when an open result carries
// neither an identifier nor an error.
const InternalErrorText = "Internal error"

// Sentinels for errors.Is. Only Code is compared.
var (
	ErrOpenRejected    = &AppError{Code: CodeOpenRejected}
	ErrOpenInternal    = &AppError{Code: CodeOpenInternal}
	ErrConnectTimeout  = &AppError{Code: CodeConnectTimeout}
	ErrConnectCanceled = &AppError{Code: CodeConnectCanceled}
	ErrUnknownApp      = &AppError{Code: CodeUnknownApp}
	ErrRateLimited     = &AppError{Code: CodeRateLimited}
	ErrMessageTooLarge = &AppError{Code: CodeMessageTooLarge}
)

// OpenRejected wraps the error value the extension returned for an open request.
func OpenRejected(application string, value any) *AppError {
	return New(ErrorTypeOpen, CodeOpenRejected, ValueText(value)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("application: %s", application)).
		WithValue(value)
}

// OpenInternal is returned when the open result carries neither outcome.
func OpenInternal(application string) *AppError {
	return New(ErrorTypeProtocol, CodeOpenInternal, InternalErrorText).
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("application: %s", application)).
		WithValue(InternalErrorText)
}

// ConnectTimeout reports that no open result arrived before the deadline.
func ConnectTimeout(application string, cause error) *AppError {
	return Wrap(cause, ErrorTypeTimeout, CodeConnectTimeout,
		fmt.Sprintf("no open result for %s", application))
}

// ConnectCanceled reports that the caller gave up on an open request.
func ConnectCanceled(application string, cause error) *AppError {
	return Wrap(cause, ErrorTypeCanceled, CodeConnectCanceled,
		fmt.Sprintf("open request for %s canceled", application)).
		WithSeverity(SeverityLow)
}

// UnknownApplication is the bridge's answer for an unregistered native application.
func UnknownApplication(application string) *AppError {
	return New(ErrorTypeNotFound, CodeUnknownApp, fmt.Sprintf("unknown application: %s", application)).
		WithSeverity(SeverityLow)
}

// OriginNotAllowed is the bridge's answer when a page may not use an application.
func OriginNotAllowed(application, origin string) *AppError {
	return New(ErrorTypeAuthorization, CodeOriginNotAllowed,
		fmt.Sprintf("origin %s may not open %s", origin, application)).
		WithSeverity(SeverityMedium)
}

// RateLimited is the bridge's answer when an origin opens connections too fast.
func RateLimited(origin string) *AppError {
	return New(ErrorTypeRateLimit, CodeRateLimited, fmt.Sprintf("too many open requests from %s", origin)).
		WithSeverity(SeverityMedium)
}

// BridgeBusy is returned when the launch queue is full.
func BridgeBusy() *AppError {
	return New(ErrorTypeRateLimit, CodeBridgeBusy, "bridge is busy, try again later").
		WithSeverity(SeverityMedium)
}

// LaunchFailed wraps a native application start failure.
func LaunchFailed(application string, cause error) *AppError {
	return Wrap(cause, ErrorTypeNative, CodeLaunchFailed, fmt.Sprintf("cannot start %s", application)).
		WithSeverity(SeverityHigh)
}

// ConnectionLimitError is returned when the bridge server is full.
func ConnectionLimitError(current, max int) *AppError {
	return New(ErrorTypeRateLimit, CodeConnectionLimit,
		fmt.Sprintf("connection limit exceeded: %d/%d", current, max))
}

// MessageTooLarge is returned by the native framing for oversized payloads.
func MessageTooLarge(size, limit int) *AppError {
	return New(ErrorTypeNative, CodeMessageTooLarge,
		fmt.Sprintf("message of %d bytes exceeds limit of %d", size, limit)).
		WithSeverity(SeverityLow)
}

// WebSocketError classifies a websocket read/write failure.
func WebSocketError(operation string, cause error) *AppError {
	var code string
	severity := SeverityMedium

	switch {
	case websocket.IsCloseError(cause, websocket.CloseNormalClosure):
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
	case websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_ABNORMAL_CLOSURE"
	case websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		code = "WS_UNEXPECTED_CLOSURE"
	default:
		code = "WS_ERROR"
		if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
			code = "WS_TIMEOUT"
		}
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("websocket %s failed", operation)).
		WithSeverity(severity)
}

// PeerText is the text a bridge error is reported to the page with.
func PeerText(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Message
	}
	return err.Error()
}

// ValueText renders an opaque peer value for logs and error messages.
func ValueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

// IsRecoverable reports whether retrying the operation might succeed.
func IsRecoverable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Type {
	case ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeRateLimit:
		return appErr.Severity != SeverityCritical
	case ErrorTypeNative:
		return appErr.Code != CodeMessageTooLarge
	}
	return false
}
