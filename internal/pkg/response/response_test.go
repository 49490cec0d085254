package response

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageMeta(t *testing.T) {
	m := PageMeta(45, 20, 20)
	require.True(t, m.HasNext)
	require.True(t, m.HasPrev)

	m = PageMeta(45, 20, 40)
	require.False(t, m.HasNext)

	m = PageMeta(0, 20, 0)
	require.False(t, m.HasNext)
	require.False(t, m.HasPrev)
}

func TestErrorWithDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	ErrorWithDetails(rr, http.StatusConflict, "insufficient_balance", "insufficient balance", map[string]string{"shortfall": "10"})

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, "insufficient_balance", body.Error.Code)
	require.Equal(t, "10", body.Error.Details["shortfall"])
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		Amount int64 `json:"amount"`
	}
	require.NoError(t, DecodeJSON(io.NopCloser(strings.NewReader(`{"amount":5}`)), &dst))
	require.Equal(t, int64(5), dst.Amount)

	require.Error(t, DecodeJSON(io.NopCloser(strings.NewReader(`{"amount":5,"extra":1}`)), &dst))
}
