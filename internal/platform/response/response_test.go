package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	OK(rec, map[string]string{"url": "https://checkout.example/s/1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Nil(t, body.Error)
}

func TestErrorWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, ErrValidation.WithDetails(map[string]string{"seats": "seats must be at least 1"}))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
	assert.Equal(t, "seats must be at least 1", body.Error.Details["seats"])

	assert.Nil(t, ErrValidation.Details, "WithDetails must not mutate the shared error")
}

func TestRejectShape(t *testing.T) {
	rec := httptest.NewRecorder()
	Reject(rec, http.StatusUnprocessableEntity, Rejection{
		ErrorCode: "SEATS_BELOW_ACTIVE_USAGE",
		Detail:    "5 members are active",
	})

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SEATS_BELOW_ACTIVE_USAGE", body["errorCode"])
	assert.Equal(t, "5 members are active", body["detail"])
	assert.NotContains(t, body, "context")
}
