package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restosync/internal/constants"
	"restosync/internal/logger"
	pkgerrors "restosync/pkg/errors"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", constants.DefaultLimit},
		{"abc", constants.DefaultLimit},
		{"0", constants.DefaultLimit},
		{"-3", constants.DefaultLimit},
		{"25", 25},
		{"100000", constants.DefaultLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLimit(tt.in), tt.in)
	}
}

func TestHandleError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &BaseHandler{Logger: logger.NopLogger()}

	tests := []struct {
		name string
		err  error
		code int
		key  string
	}{
		{"not found", pkgerrors.ErrEntityNotFound.WithDetail("entity", "e1"), http.StatusNotFound, "ENTITY_NOT_FOUND"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"unavailable", pkgerrors.ErrProviderUnavailable, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)

			h.HandleError(c, tt.err)

			assert.Equal(t, tt.code, w.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.key, body["error_code"])
		})
	}
}
