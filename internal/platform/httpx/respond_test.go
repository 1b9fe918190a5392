package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{shared.NewValidationError("qty", "must be positive"), http.StatusBadRequest},
		{fmt.Errorf("reservation: %w", shared.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("ledger: %w", shared.ErrInsufficientStock), http.StatusConflict},
		{shared.ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("%w: lock timeout", shared.ErrConcurrentModification), http.StatusServiceUnavailable},
		{shared.ErrScopeHalted, http.StatusLocked},
		{&shared.IntegrityAlarm{WarehouseIDs: []int64{1}, Details: "x"}, http.StatusLocked},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())

		var problem ProblemDetail
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&problem))
		require.Equal(t, tc.status, problem.Status)
	}
}

func TestRespondErrorSetsRetryAfterOnContention(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, shared.ErrConcurrentModification)
	require.Equal(t, RetryAfterSeconds, rr.Header().Get("Retry-After"))
}

func TestInternalErrorsHideDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("pq: password=secret"))
	require.NotContains(t, rr.Body.String(), "secret")
}

func TestDecodeJSONValidates(t *testing.T) {
	type body struct {
		Qty int64 `json:"qty" validate:"gt=0"`
	}
	var b body
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"qty":0}`))
	err := DecodeJSON(req, &b)
	require.ErrorIs(t, err, shared.ErrValidation)
	require.Contains(t, err.Error(), "qty")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"qty":1,"extra":true}`))
	require.ErrorIs(t, DecodeJSON(req, &b), shared.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"qty":3}`))
	require.NoError(t, DecodeJSON(req, &b))
	require.Equal(t, int64(3), b.Qty)
}
