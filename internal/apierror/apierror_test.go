package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{AuthInvalid, http.StatusUnauthorized},
		{ProjectMissing, http.StatusBadRequest},
		{SchemaInvalid, http.StatusBadRequest},
		{ModelUnknown, http.StatusBadRequest},
		{BudgetExceeded, http.StatusPaymentRequired},
		{SecretsUnavailable, http.StatusServiceUnavailable},
		{UpstreamRateLimit, http.StatusTooManyRequests},
		{UpstreamError, http.StatusBadGateway},
		{UpstreamUnavailable, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.kind, "x").Status())
		})
	}
}

func TestWrite(t *testing.T) {
	t.Run("taxonomy error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Write(rec, Newf(BudgetExceeded, "Budget exceeded for Project ID %s", "proj_B"))

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Budget exceeded for Project ID proj_B", body["detail"])
	})

	t.Run("wrapped taxonomy error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		cause := errors.New("connect: connection refused")
		Write(rec, fmt.Errorf("pipeline: %w", Wrap(cause, UpstreamUnavailable, "Upstream provider unreachable")))

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Upstream provider unreachable", body["detail"])
	})

	t.Run("unknown error is opaque 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Write(rec, errors.New("secret sauce exploded"))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Internal server error", body["detail"])
		assert.NotContains(t, rec.Body.String(), "secret sauce")
	})
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, UpstreamError, "Upstream provider error: boom")
	assert.True(t, errors.Is(err, cause))
}
