package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_StatusMapping(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name   string
		err    *Error
		typ    ErrorType
		status int
	}{
		{"validation", ValidationError("missing topic"), TypeValidation, http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("bad token"), TypeUnauthorized, http.StatusUnauthorized},
		{"not found", NotFoundError("no pool"), TypeNotFound, http.StatusNotFound},
		{"conflict", ConflictError("exists"), TypeConflict, http.StatusConflict},
		{"rate limited", RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests},
		{"unavailable", UnavailableError("full", cause), TypeUnavailable, http.StatusServiceUnavailable},
		{"internal", InternalError("failed", cause), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("redis down", cause), TypeExternal, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.typ, tt.err.Type)
			assert.Equal(t, tt.status, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.typ))
		})
	}
}

func TestUnknownTypeIsInternal(t *testing.T) {
	err := &Error{Type: "mystery", Message: "x"}
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}

func TestError_IncludesCause(t *testing.T) {
	err := InternalError("failed to publish", fmt.Errorf("store down"))
	assert.Equal(t, "internal: failed to publish: store down", err.Error())
}

func TestError_Unwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := ExternalError("relay", fmt.Errorf("wrapped: %w", sentinel))
	assert.ErrorIs(t, err, sentinel)
}

func TestWithContext_Chains(t *testing.T) {
	err := ValidationError("bad").WithContext("topic", "").WithContext("pool", "p1")
	assert.Equal(t, map[string]any{"topic": "", "pool": "p1"}, err.Context)

	bare := &Error{Type: TypeValidation}
	bare.WithContext("k", 1)
	assert.Equal(t, 1, bare.Context["k"])
}

func TestToResponse_HidesCauseAndContext(t *testing.T) {
	err := InternalError("internal server error", errors.New("dsn=postgres://secret")).WithContext("pool", "p1")
	resp := err.ToResponse()
	assert.Equal(t, ErrorResponse{Error: "internal server error", Type: TypeInternal}, resp)
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	original := ConflictError("dup")
	wrapped := fmt.Errorf("handler: %w", original)
	assert.Same(t, original, AsStructuredError(wrapped))

	plain := errors.New("plain")
	got := AsStructuredError(plain)
	require.NotNil(t, got)
	assert.Equal(t, TypeInternal, got.Type)
	assert.ErrorIs(t, got, plain)
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code int
		typ  ErrorType
	}{
		{http.StatusBadRequest, TypeValidation},
		{http.StatusUnauthorized, TypeUnauthorized},
		{http.StatusForbidden, TypeUnauthorized},
		{http.StatusNotFound, TypeNotFound},
		{http.StatusConflict, TypeConflict},
		{http.StatusTooManyRequests, TypeRateLimited},
		{http.StatusServiceUnavailable, TypeUnavailable},
		{http.StatusBadGateway, TypeExternal},
		{http.StatusTeapot, TypeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.typ, FromStatus(tt.code, "").Type, "status %d", tt.code)
	}

	assert.Equal(t, "Not Found", FromStatus(http.StatusNotFound, "").Message)
	assert.Equal(t, "gone", FromStatus(http.StatusNotFound, "gone").Message)
}
