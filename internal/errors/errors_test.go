package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectedKeepsPeerValue(t *testing.T) {
	err := OpenRejected("org.example.app", "boom")

	assert.True(t, Is(err, ErrOpenRejected))
	assert.False(t, Is(err, ErrOpenInternal))
	assert.Equal(t, "boom", err.Value)
	assert.Equal(t, "boom", err.Message)

	wrapped := fmt.Errorf("connect: %w", err)
	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeOpenRejected, got.Code)
}

func TestOpenInternal(t *testing.T) {
	err := OpenInternal("org.example.app")
	assert.True(t, Is(err, ErrOpenInternal))
	assert.Equal(t, InternalErrorText, err.Value)
}

func TestConnectTimeoutUnwrapsContextError(t *testing.T) {
	err := ConnectTimeout("app", context.DeadlineExceeded)
	assert.True(t, Is(err, ErrConnectTimeout))
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.True(t, IsRecoverable(err))

	canceled := ConnectCanceled("app", context.Canceled)
	assert.True(t, Is(canceled, context.Canceled))
	assert.False(t, IsRecoverable(canceled))
}

func TestValueText(t *testing.T) {
	assert.Equal(t, "", ValueText(nil))
	assert.Equal(t, "boom", ValueText("boom"))
	assert.Equal(t, `{"code":7}`, ValueText(map[string]any{"code": 7}))
	assert.Equal(t, "x", ValueText(fmt.Errorf("x")))
}

func TestPeerText(t *testing.T) {
	assert.Equal(t, "unknown application: nope", PeerText(UnknownApplication("nope")))
	assert.Equal(t, "plain", PeerText(fmt.Errorf("plain")))
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteHTTP(rec, req, ConnectionLimitError(10, 10))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeConnectionLimit, body.Error.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "PANIC_RECOVERED")
}
