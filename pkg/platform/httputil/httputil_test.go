package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "changehub/pkg/domain-errors"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		wantBody string
	}{
		{
			name:     "internal hides the message",
			err:      dErrors.Wrap(errors.New("pq: connection reset"), dErrors.CodeInternal, "db failed"),
			status:   http.StatusInternalServerError,
			wantBody: `{"error":"internal_error"}`,
		},
		{
			name:     "untyped error is internal",
			err:      errors.New("boom"),
			status:   http.StatusInternalServerError,
			wantBody: `{"error":"internal_error"}`,
		},
		{
			name:     "bad request keeps the message",
			err:      dErrors.New(dErrors.CodeBadRequest, "invalid input"),
			status:   http.StatusBadRequest,
			wantBody: `{"error":"bad_request","error_description":"invalid input"}`,
		},
		{
			name:     "not found",
			err:      dErrors.New(dErrors.CodeNotFound, "record not found"),
			status:   http.StatusNotFound,
			wantBody: `{"error":"not_found","error_description":"record not found"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Target string `json:"target"`
	}

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"target":"https://hooks.example"}`))
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, "https://hooks.example", dst.Target)

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"target":"x","extra":1}`))
	err := DecodeJSON(req, &dst)
	require.Error(t, err)
	assert.Equal(t, dErrors.CodeBadRequest, dErrors.CodeOf(err))
}
